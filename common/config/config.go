// Package config loads service settings from defaults, an optional YAML or
// INI file, a .env file and the process environment, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
	"github.com/mordilloSan/go-logger/logger"
	"gopkg.in/ini.v1"

	"github.com/mordilloSan/truenas-passwd/common/protocol"
	"github.com/mordilloSan/truenas-passwd/webserver/appliance"
	"github.com/mordilloSan/truenas-passwd/webserver/smbprobe"
)

// Environment variables read by Load.
const (
	EnvHost              = "TRUENAS_HOST"
	EnvPort              = "TRUENAS_PORT"
	EnvUseTLS            = "TRUENAS_USE_SSL"
	EnvDialect           = "TRUENAS_CLIENT"
	EnvAPIKey            = "TRUENAS_API_KEY"
	EnvConnectTimeout    = "TRUENAS_CONNECT_TIMEOUT"
	EnvCallTimeout       = "TRUENAS_CALL_TIMEOUT"
	EnvSMBProbe          = "TRUENAS_SMB_PROBE"
	EnvSMBPort           = "TRUENAS_SMB_PORT"
	EnvSMBTimeout        = "TRUENAS_SMB_TIMEOUT"
	EnvLoginProbe        = "TRUENAS_LOGIN_PROBE"
	EnvRevealUnsupported = "TRUENAS_REVEAL_UNSUPPORTED_SCHEME"
	EnvServerPort        = "PORT"
	EnvMetrics           = "METRICS_ENABLED"
	EnvSecureCookie      = "SECURE_COOKIE"
	EnvServerTLS         = "SERVER_TLS"
	EnvCertFile          = "TLS_CERT_FILE"
	EnvKeyFile           = "TLS_KEY_FILE"
)

const DefaultServerPort = 8090

// Appliance holds the target appliance settings. Port 0 means 443 with TLS
// and 80 without.
type Appliance struct {
	Host                    string
	Port                    int
	UseTLS                  bool
	Dialect                 protocol.Dialect
	APIKey                  string
	ConnectTimeout          time.Duration
	CallTimeout             time.Duration
	SMBProbe                bool
	SMBPort                 int
	SMBTimeout              time.Duration
	LoginProbe              bool
	RevealUnsupportedScheme bool
}

// Server holds the HTTP listener settings. With TLS on and no cert/key
// files, a self-signed certificate is generated at startup.
type Server struct {
	Port         int
	Metrics      bool
	SecureCookie bool
	TLS          bool
	CertFile     string
	KeyFile      string
}

type Settings struct {
	Appliance Appliance
	Server    Server
}

// Defaults returns the settings used when nothing else is configured.
func Defaults() *Settings {
	return &Settings{
		Appliance: Appliance{
			Host:           "localhost",
			UseTLS:         true,
			Dialect:        protocol.DialectJSONRPC,
			ConnectTimeout: 10 * time.Second,
			CallTimeout:    30 * time.Second,
			SMBProbe:       true,
			SMBPort:        smbprobe.DefaultPort,
			SMBTimeout:     smbprobe.DefaultTimeout,
		},
		Server: Server{
			Port:         DefaultServerPort,
			SecureCookie: true,
			TLS:          true,
		},
	}
}

// Options selects the sources Load reads.
type Options struct {
	// ConfigFile is a .yaml/.yml or .ini/.conf file; empty skips it.
	ConfigFile string
	// EnvFile is loaded with godotenv. When empty, ./.env is loaded if present.
	EnvFile string
}

// Load builds Settings from defaults, then the config file, then the
// environment. The result is not validated.
func Load(opts Options) (*Settings, error) {
	s := Defaults()
	if opts.ConfigFile != "" {
		if err := s.LoadFile(opts.ConfigFile); err != nil {
			return nil, err
		}
	}
	if err := loadDotEnv(opts.EnvFile); err != nil {
		return nil, err
	}
	if err := s.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return s, nil
}

// loadDotEnv never overrides variables that are already set.
func loadDotEnv(path string) error {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	if _, err := os.Stat(".env"); err != nil {
		return nil
	}
	if err := godotenv.Load(); err != nil {
		return fmt.Errorf("load .env: %w", err)
	}
	logger.Debugf("[config] loaded .env")
	return nil
}

// LoadFile overlays the file at path; keys it does not set keep their value.
func (s *Settings) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	f := toFile(s)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.UnmarshalWithOptions(raw, &f, yaml.Strict()); err != nil {
			return yamlError(path, err)
		}
	case ".ini", ".conf":
		cfg, err := ini.Load(raw)
		if err != nil {
			return fmt.Errorf("config %s: %w", path, err)
		}
		if err := cfg.Section("appliance").MapTo(&f.Appliance); err != nil {
			return fmt.Errorf("config %s [appliance]: %w", path, err)
		}
		if err := cfg.Section("server").MapTo(&f.Server); err != nil {
			return fmt.Errorf("config %s [server]: %w", path, err)
		}
	default:
		return fmt.Errorf("config %s: unsupported extension %q", path, ext)
	}

	if err := f.apply(s); err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	logger.Infof("[config] loaded %s", path)
	return nil
}

func yamlError(path string, err error) error {
	var syntaxErr *yaml.SyntaxError
	if errors.As(err, &syntaxErr) {
		if tok := syntaxErr.GetToken(); tok != nil {
			return fmt.Errorf("config %s at line %d, column %d: %s",
				path, tok.Position.Line, tok.Position.Column, syntaxErr.GetMessage())
		}
		return fmt.Errorf("config %s: %s", path, syntaxErr.GetMessage())
	}
	return fmt.Errorf("config %s: %w", path, err)
}

// ApplyEnv overlays variables returned by lookup.
func (s *Settings) ApplyEnv(lookup func(string) (string, bool)) error {
	a := &s.Appliance
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			d, err := parseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str(EnvHost, &a.Host)
	num(EnvPort, &a.Port)
	flag(EnvUseTLS, &a.UseTLS)
	if v, ok := lookup(EnvDialect); ok && strings.TrimSpace(v) != "" {
		d, err := protocol.ParseDialect(strings.ToLower(strings.TrimSpace(v)))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvDialect, err))
		} else {
			a.Dialect = d
		}
	}
	str(EnvAPIKey, &a.APIKey)
	dur(EnvConnectTimeout, &a.ConnectTimeout)
	dur(EnvCallTimeout, &a.CallTimeout)
	flag(EnvSMBProbe, &a.SMBProbe)
	num(EnvSMBPort, &a.SMBPort)
	dur(EnvSMBTimeout, &a.SMBTimeout)
	flag(EnvLoginProbe, &a.LoginProbe)
	flag(EnvRevealUnsupported, &a.RevealUnsupportedScheme)

	num(EnvServerPort, &s.Server.Port)
	flag(EnvMetrics, &s.Server.Metrics)
	flag(EnvSecureCookie, &s.Server.SecureCookie)
	flag(EnvServerTLS, &s.Server.TLS)
	str(EnvCertFile, &s.Server.CertFile)
	str(EnvKeyFile, &s.Server.KeyFile)

	return errors.Join(errs...)
}

// parseDuration accepts Go durations ("10s") and bare seconds ("10").
func parseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}

// Validate reports every invalid field at once.
func (s *Settings) Validate() error {
	a := s.Appliance
	var errs []error
	if strings.TrimSpace(a.Host) == "" {
		errs = append(errs, errors.New("appliance.host must not be empty"))
	}
	if a.Port < 0 || a.Port > 65535 {
		errs = append(errs, fmt.Errorf("appliance.port %d out of range", a.Port))
	}
	if _, err := protocol.NewCodec(a.Dialect); err != nil {
		errs = append(errs, fmt.Errorf("appliance.dialect: %w", err))
	}
	for name, d := range map[string]time.Duration{
		"appliance.connect_timeout": a.ConnectTimeout,
		"appliance.call_timeout":    a.CallTimeout,
		"appliance.smb_timeout":     a.SMBTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if a.SMBPort < 1 || a.SMBPort > 65535 {
		errs = append(errs, fmt.Errorf("appliance.smb_port %d out of range", a.SMBPort))
	}
	if s.Server.Port < 1 || s.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", s.Server.Port))
	}
	if (s.Server.CertFile == "") != (s.Server.KeyFile == "") {
		errs = append(errs, errors.New("server.cert_file and server.key_file must be set together"))
	}
	return errors.Join(errs...)
}

// ApplianceConfig converts to the appliance client configuration.
func (s *Settings) ApplianceConfig() appliance.Config {
	a := s.Appliance
	return appliance.Config{
		Host:                    a.Host,
		Port:                    a.Port,
		UseTLS:                  a.UseTLS,
		Dialect:                 a.Dialect,
		ServiceCredential:       a.APIKey,
		ConnectTimeout:          a.ConnectTimeout,
		CallTimeout:             a.CallTimeout,
		ProbeTimeout:            a.SMBTimeout,
		LoginProbe:              a.LoginProbe,
		RevealUnsupportedScheme: a.RevealUnsupportedScheme,
	}
}

// SMBProbeConfig returns the probe target, or false when the probe is off.
func (s *Settings) SMBProbeConfig() (smbprobe.Config, bool) {
	a := s.Appliance
	return smbprobe.Config{
		Host:    a.Host,
		Port:    a.SMBPort,
		Timeout: a.SMBTimeout,
	}, a.SMBProbe
}
