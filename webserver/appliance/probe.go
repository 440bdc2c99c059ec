package appliance

import (
	"context"

	"github.com/mordilloSan/truenas-passwd/common/protocol"
	"github.com/mordilloSan/truenas-passwd/webserver/metrics"
)

// LoginProbe asks the appliance itself to authenticate the user with
// auth.login over a separate, unprivileged connection.
type LoginProbe struct {
	conn connector
}

// NewLoginProbe builds a probe sharing cfg's target and dialect.
func NewLoginProbe(cfg Config, newT TransportFactory, rec metrics.Recorder) *LoginProbe {
	return &LoginProbe{conn: connector{cfg: cfg, newT: newT, recorder: rec}}
}

func (p *LoginProbe) Name() string { return "login" }

func (p *LoginProbe) Eligible(rec *UserRecord) bool { return rec != nil }

func (p *LoginProbe) Verify(ctx context.Context, creds Credentials) (bool, error) {
	conn, err := p.conn.establish(ctx, "")
	if err != nil {
		return false, err
	}
	defer conn.close()
	return sessionLogin(ctx, conn.dispatcher, creds)
}

// sessionLogin calls auth.login with the user's own credentials.
func sessionLogin(ctx context.Context, d *dispatcher, creds Credentials) (bool, error) {
	params := []any{creds.Username, creds.Password}
	if creds.OTP != "" {
		params = append(params, creds.OTP)
	}
	raw, err := d.call(ctx, protocol.MethodLogin, params...)
	if err != nil {
		return false, err
	}
	return truthy(raw), nil
}
