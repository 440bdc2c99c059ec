package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mordilloSan/truenas-passwd/common/protocol"
)

// fileSettings is the on-disk shape. Durations are strings so that both
// parsers accept "10s".
type fileSettings struct {
	Appliance fileAppliance `yaml:"appliance"`
	Server    fileServer    `yaml:"server"`
}

type fileAppliance struct {
	Host                    string `yaml:"host" ini:"host"`
	Port                    int    `yaml:"port" ini:"port"`
	UseTLS                  bool   `yaml:"use_tls" ini:"use_tls"`
	Dialect                 string `yaml:"dialect" ini:"dialect"`
	APIKey                  string `yaml:"api_key" ini:"api_key"`
	ConnectTimeout          string `yaml:"connect_timeout" ini:"connect_timeout"`
	CallTimeout             string `yaml:"call_timeout" ini:"call_timeout"`
	SMBProbe                bool   `yaml:"smb_probe" ini:"smb_probe"`
	SMBPort                 int    `yaml:"smb_port" ini:"smb_port"`
	SMBTimeout              string `yaml:"smb_timeout" ini:"smb_timeout"`
	LoginProbe              bool   `yaml:"login_probe" ini:"login_probe"`
	RevealUnsupportedScheme bool   `yaml:"reveal_unsupported_scheme" ini:"reveal_unsupported_scheme"`
}

type fileServer struct {
	Port         int    `yaml:"port" ini:"port"`
	Metrics      bool   `yaml:"metrics" ini:"metrics"`
	SecureCookie bool   `yaml:"secure_cookie" ini:"secure_cookie"`
	TLS          bool   `yaml:"tls" ini:"tls"`
	CertFile     string `yaml:"cert_file" ini:"cert_file"`
	KeyFile      string `yaml:"key_file" ini:"key_file"`
}

func toFile(s *Settings) fileSettings {
	a := s.Appliance
	return fileSettings{
		Appliance: fileAppliance{
			Host:                    a.Host,
			Port:                    a.Port,
			UseTLS:                  a.UseTLS,
			Dialect:                 string(a.Dialect),
			APIKey:                  a.APIKey,
			ConnectTimeout:          a.ConnectTimeout.String(),
			CallTimeout:             a.CallTimeout.String(),
			SMBProbe:                a.SMBProbe,
			SMBPort:                 a.SMBPort,
			SMBTimeout:              a.SMBTimeout.String(),
			LoginProbe:              a.LoginProbe,
			RevealUnsupportedScheme: a.RevealUnsupportedScheme,
		},
		Server: fileServer{
			Port:         s.Server.Port,
			Metrics:      s.Server.Metrics,
			SecureCookie: s.Server.SecureCookie,
			TLS:          s.Server.TLS,
			CertFile:     s.Server.CertFile,
			KeyFile:      s.Server.KeyFile,
		},
	}
}

func (f fileSettings) apply(s *Settings) error {
	fa := f.Appliance
	dialect, err := protocol.ParseDialect(strings.ToLower(strings.TrimSpace(fa.Dialect)))
	if err != nil {
		return fmt.Errorf("appliance.dialect: %w", err)
	}

	var errs []error
	dur := func(name, v string) time.Duration {
		d, err := parseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("appliance.%s: %w", name, err))
		}
		return d
	}
	connect := dur("connect_timeout", fa.ConnectTimeout)
	call := dur("call_timeout", fa.CallTimeout)
	smb := dur("smb_timeout", fa.SMBTimeout)
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	a := &s.Appliance
	a.Host = fa.Host
	a.Port = fa.Port
	a.UseTLS = fa.UseTLS
	a.Dialect = dialect
	a.APIKey = fa.APIKey
	a.ConnectTimeout = connect
	a.CallTimeout = call
	a.SMBProbe = fa.SMBProbe
	a.SMBPort = fa.SMBPort
	a.SMBTimeout = smb
	a.LoginProbe = fa.LoginProbe
	a.RevealUnsupportedScheme = fa.RevealUnsupportedScheme

	s.Server.Port = f.Server.Port
	s.Server.Metrics = f.Server.Metrics
	s.Server.SecureCookie = f.Server.SecureCookie
	s.Server.TLS = f.Server.TLS
	s.Server.CertFile = f.Server.CertFile
	s.Server.KeyFile = f.Server.KeyFile
	return nil
}
