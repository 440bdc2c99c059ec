package appliance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	"github.com/mordilloSan/go-logger/logger"

	"github.com/mordilloSan/truenas-passwd/common/protocol"
	"github.com/mordilloSan/truenas-passwd/webserver/metrics"
)

// connection is one live, established link to the appliance.
type connection struct {
	host    string
	port    int
	useTLS  bool
	dialect protocol.Dialect
	// session is assigned by the appliance in the legacy dialect only.
	session string

	transport  Transport
	dispatcher *dispatcher
	// privileged is true once the service credential has been accepted.
	privileged bool
}

func (c *connection) close() {
	if c == nil || c.transport == nil {
		return
	}
	_ = c.transport.Close()
}

// connector runs the establishment sequence for a dialect.
type connector struct {
	cfg      Config
	newT     TransportFactory
	recorder metrics.Recorder
}

// establish opens the socket, performs the dialect's hello if it has one and
// bootstraps credential when it is non-empty. On any failure the socket is
// closed before returning.
func (cn *connector) establish(ctx context.Context, credential string) (*connection, error) {
	codec, err := protocol.NewCodec(cn.cfg.Dialect)
	if err != nil {
		return nil, err
	}

	t := cn.newT(TransportConfig{
		URL:            cn.cfg.URL(),
		ConnectTimeout: cn.cfg.ConnectTimeout,
		ReadTimeout:    cn.cfg.CallTimeout,
		WriteTimeout:   cn.cfg.ConnectTimeout,
	})
	if err := t.Open(ctx); err != nil {
		_ = t.Close()
		return nil, err
	}

	conn := &connection{
		host:       cn.cfg.Host,
		port:       cn.cfg.port(),
		useTLS:     cn.cfg.UseTLS,
		dialect:    codec.Dialect(),
		transport:  t,
		dispatcher: newDispatcher(t, codec, cn.recorder, cn.cfg.CallTimeout),
	}

	if err := cn.handshake(ctx, conn, codec); err != nil {
		conn.close()
		return nil, err
	}
	if credential != "" {
		if err := cn.bootstrap(ctx, conn, credential); err != nil {
			conn.close()
			return nil, err
		}
		conn.privileged = true
	}

	logger.DebugKV("[appliance] connected",
		"host", conn.host, "port", conn.port, "tls", conn.useTLS,
		"dialect", string(conn.dialect), "privileged", conn.privileged)
	return conn, nil
}

func (cn *connector) handshake(ctx context.Context, conn *connection, codec protocol.Codec) error {
	hello, err := codec.Hello()
	if err != nil {
		return &ProtocolError{Op: "hello", Err: err}
	}
	if hello == nil {
		return nil
	}

	hctx, cancel := context.WithTimeout(ctx, cn.cfg.ConnectTimeout)
	defer cancel()

	if err := conn.transport.Send(hctx, hello); err != nil {
		return err
	}
	reply, err := conn.transport.Receive(hctx)
	if err != nil {
		return err
	}
	session, err := codec.ParseHello(reply)
	switch {
	case errors.Is(err, protocol.ErrHandshakeRejected):
		return &ApplianceError{Method: "connect", Message: err.Error()}
	case err != nil:
		return &ProtocolError{Op: "hello", Err: err}
	}
	conn.session = session
	return nil
}

func (cn *connector) bootstrap(ctx context.Context, conn *connection, credential string) error {
	result, err := conn.dispatcher.call(ctx, protocol.MethodLoginWithAPIKey, credential)
	if err != nil {
		return err
	}
	if !truthy(result) {
		return &ApplianceError{
			Method:  protocol.MethodLoginWithAPIKey,
			Message: "service credential rejected",
		}
	}
	return nil
}

// truthy reports whether a JSON result is neither null, false, zero nor empty.
func truthy(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	default:
		return true
	}
}
