package appliance

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mordilloSan/go-logger/logger"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultReadTimeout    = 30 * time.Second
	defaultWriteTimeout   = 10 * time.Second
	closeWait             = time.Second
)

// Transport moves whole messages over one persistent socket.
type Transport interface {
	Open(ctx context.Context) error
	Send(ctx context.Context, msg []byte) error
	// Receive blocks for the next whole message, bounded by the read timeout
	// and the context deadline, whichever is earlier.
	Receive(ctx context.Context) ([]byte, error)
	// Close is idempotent and never fails.
	Close() error
}

// TransportConfig configures a websocket transport.
type TransportConfig struct {
	URL            string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// TransportFactory builds an unopened transport.
type TransportFactory func(TransportConfig) Transport

type wsTransport struct {
	cfg TransportConfig

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebSocketTransport returns a Transport speaking websocket to cfg.URL.
//
// Server certificates are NOT verified: appliances are provisioned
// out-of-band and normally present self-issued certificates. This trades
// server authentication for reachability and is a deliberate choice; run the
// management API on a trusted network.
func NewWebSocketTransport(cfg TransportConfig) Transport {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	return &wsTransport{cfg: cfg}
}

func (t *wsTransport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return nil
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		NetDialContext:   (&net.Dialer{Timeout: t.cfg.ConnectTimeout}).DialContext,
		HandshakeTimeout: t.cfg.ConnectTimeout,
		// #nosec G402 -- self-issued appliance certificates, see NewWebSocketTransport
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, t.cfg.URL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			logger.Debugf("[appliance] websocket upgrade refused: HTTP %d", resp.StatusCode)
		}
		return &TransportError{Op: "open", Err: err}
	}
	t.conn = conn
	return nil
}

func (t *wsTransport) current() (*websocket.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil, ErrNotConnected
	}
	return t.conn, nil
}

func (t *wsTransport) Send(ctx context.Context, msg []byte) error {
	conn, err := t.current()
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(deadline(ctx, t.cfg.WriteTimeout)); err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

func (t *wsTransport) Receive(ctx context.Context) ([]byte, error) {
	conn, err := t.current()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, &TransportError{Op: "receive", Err: err}
	}
	if err := conn.SetReadDeadline(deadline(ctx, t.cfg.ReadTimeout)); err != nil {
		return nil, &TransportError{Op: "receive", Err: err}
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			logger.Debugf("[appliance] peer closed websocket: code=%d text=%q", ce.Code, ce.Text)
		}
		return nil, &TransportError{Op: "receive", Err: err}
	}
	return data, nil
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait))
	_ = conn.Close()
	return nil
}

// deadline returns the earlier of now+limit and ctx's deadline.
func deadline(ctx context.Context, limit time.Duration) time.Time {
	d := time.Now().Add(limit)
	if cd, ok := ctx.Deadline(); ok && cd.Before(d) {
		return cd
	}
	return d
}
