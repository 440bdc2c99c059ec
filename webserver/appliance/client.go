// Package appliance is the client for the storage appliance management API:
// connection and handshake, request correlation, user registry access and
// the password verification chain.
package appliance

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/mordilloSan/go-logger/logger"

	"github.com/mordilloSan/truenas-passwd/common/protocol"
	"github.com/mordilloSan/truenas-passwd/webserver/metrics"
)

const (
	defaultPath         = "/websocket"
	defaultProbeTimeout = 5 * time.Second
)

// Config describes the appliance target. It is passed in explicitly; the
// package never reads process environment.
type Config struct {
	Host   string
	Port   int // 0 selects 443 or 80 from UseTLS
	UseTLS bool
	Path   string
	// Dialect is DialectJSONRPC when empty.
	Dialect protocol.Dialect
	// ServiceCredential unlocks privileged registry calls. Never logged.
	ServiceCredential string

	ConnectTimeout time.Duration
	CallTimeout    time.Duration
	ProbeTimeout   time.Duration

	// LoginProbe adds the auth.login probe after any configured probes.
	LoginProbe bool
	// RevealUnsupportedScheme rejects unsupported hashes with their own
	// reason instead of invalid_credentials.
	RevealUnsupportedScheme bool
}

func (c Config) withDefaults() Config {
	if c.Path == "" {
		c.Path = defaultPath
	}
	if c.Dialect == "" {
		c.Dialect = protocol.DialectJSONRPC
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = defaultReadTimeout
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = defaultProbeTimeout
	}
	return c
}

func (c Config) port() int {
	if c.Port > 0 {
		return c.Port
	}
	if c.UseTLS {
		return 443
	}
	return 80
}

// URL returns the websocket endpoint, e.g. wss://nas:443/websocket.
func (c Config) URL() string {
	scheme := "ws"
	if c.UseTLS {
		scheme = "wss"
	}
	path := c.Path
	if path == "" {
		path = defaultPath
	}
	u := url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.port())),
		Path:   path,
	}
	return u.String()
}

// String never includes the service credential.
func (c Config) String() string {
	return fmt.Sprintf("appliance{url=%s dialect=%s credential=%t}", c.URL(), c.Dialect, c.ServiceCredential != "")
}

// Service is the four-call contract the HTTP and CLI layers consume.
type Service interface {
	Connect(ctx context.Context) error
	Login(ctx context.Context, creds Credentials) error
	SetPassword(ctx context.Context, username, newPassword string) error
	Disconnect()
}

var _ Service = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithProbes sets the delegated probes tried before the hash fallback.
func WithProbes(probes ...Probe) Option {
	return func(c *Client) { c.probes = append(c.probes, probes...) }
}

// WithTransportFactory replaces the websocket transport.
func WithTransportFactory(f TransportFactory) Option {
	return func(c *Client) { c.newT = f }
}

// WithRecorder sets the metrics recorder; nil keeps the no-op one.
func WithRecorder(r metrics.Recorder) Option {
	return func(c *Client) {
		if r != nil {
			c.recorder = r
		}
	}
}

// Client holds at most one live connection. It is meant for a single
// request flow: connect, use, disconnect.
type Client struct {
	cfg      Config
	newT     TransportFactory
	recorder metrics.Recorder
	probes   []Probe

	mu   sync.Mutex
	conn *connection
}

// New returns an unconnected client for cfg.
func New(cfg Config, opts ...Option) *Client {
	c := &Client{
		cfg:      cfg.withDefaults(),
		newT:     NewWebSocketTransport,
		recorder: metrics.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cfg.LoginProbe {
		c.probes = append(c.probes, NewLoginProbe(c.cfg, c.newT, c.recorder))
	}
	return c
}

// Connect establishes the connection and bootstraps the service credential
// when one is configured.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return ErrAlreadyConnected
	}
	cn := connector{cfg: c.cfg, newT: c.newT, recorder: c.recorder}
	conn, err := cn.establish(ctx, c.cfg.ServiceCredential)
	if err != nil {
		logger.Warnf("[appliance] connect to %s failed: %v", c.cfg.URL(), err)
		return err
	}
	c.conn = conn
	return nil
}

// Connected reports whether a live connection is held.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Session returns the legacy-dialect session id, empty otherwise.
func (c *Client) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ""
	}
	return c.conn.session
}

func (c *Client) current() (*connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// Login verifies that the user knows their own password. It returns nil when
// verified and *AuthRejected when the appliance data says no.
//
// Without a service credential the registry is not readable, so the
// appliance's own auth.login is used instead.
func (c *Client) Login(ctx context.Context, creds Credentials) error {
	conn, err := c.current()
	if err != nil {
		return err
	}
	if !conn.privileged {
		return c.sessionLogin(ctx, conn, creds)
	}
	r := &Resolver{
		dir:               &Directory{d: conn.dispatcher},
		probes:            c.probes,
		probeTimeout:      c.cfg.ProbeTimeout,
		revealUnsupported: c.cfg.RevealUnsupportedScheme,
		recorder:          c.recorder,
	}
	return r.Resolve(ctx, creds).Err()
}

func (c *Client) sessionLogin(ctx context.Context, conn *connection, creds Credentials) error {
	start := time.Now()
	ok, err := sessionLogin(ctx, conn.dispatcher, creds)
	out := Outcome{Verified: ok, Method: MethodSession}
	switch {
	case err != nil:
		out.Failure = err
	case !ok:
		out.Method = methodNone
		out.Reason = RejectInvalidCredentials
	}
	c.recorder.RecordAuthAttempt(out.Method, out.result(), time.Since(start))
	return out.Err()
}

// SetPassword looks the user up and replaces their password. It needs a
// connection with the service credential; it does not check that Login was
// called first.
func (c *Client) SetPassword(ctx context.Context, username, newPassword string) error {
	conn, err := c.current()
	if err != nil {
		return err
	}
	if !conn.privileged {
		return ErrServiceCredentialRequired
	}

	err = c.setPassword(ctx, conn, username, newPassword)
	result := "success"
	if err != nil {
		result = "failure"
	}
	c.recorder.RecordPasswordChange(result)
	return err
}

func (c *Client) setPassword(ctx context.Context, conn *connection, username, newPassword string) error {
	dir := &Directory{d: conn.dispatcher}
	rec, err := dir.FindByUsername(ctx, username)
	if err != nil {
		return err
	}
	if err := dir.UpdatePassword(ctx, rec.ID, newPassword); err != nil {
		logger.WarnKV("[appliance] password update refused", "user", username, "error", err)
		return err
	}
	logger.InfoKV("[appliance] password updated", "user", username, "id", rec.ID)
	return nil
}

// Disconnect closes the connection. It is safe to call repeatedly and on a
// client that never connected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	conn.close()
}

// VerifyPassword connects s, verifies creds and disconnects on every path.
func VerifyPassword(ctx context.Context, s Service, creds Credentials) error {
	defer s.Disconnect()
	if err := s.Connect(ctx); err != nil {
		return err
	}
	return s.Login(ctx, creds)
}

// ChangePassword connects s, re-verifies the current password, sets the new
// one and disconnects on every path.
func ChangePassword(ctx context.Context, s Service, creds Credentials, newPassword string) error {
	defer s.Disconnect()
	if err := s.Connect(ctx); err != nil {
		return err
	}
	if err := s.Login(ctx, creds); err != nil {
		return err
	}
	return s.SetPassword(ctx, creds.Username, newPassword)
}
