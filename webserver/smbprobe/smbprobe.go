// Package smbprobe proves a password by opening an SMB2 session with it.
package smbprobe

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/hirochachacha/go-smb2"
	"github.com/mordilloSan/go-logger/logger"

	"github.com/mordilloSan/truenas-passwd/webserver/appliance"
)

const (
	DefaultPort    = 445
	DefaultTimeout = 5 * time.Second
)

// Config for the probe target. Host is usually the appliance host.
type Config struct {
	Host    string
	Port    int
	Domain  string
	Timeout time.Duration
}

// Probe checks credentials with an NTLM session setup. Only users flagged
// for SMB on the appliance are eligible.
type Probe struct {
	cfg  Config
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

var _ appliance.Probe = (*Probe)(nil)

func New(cfg Config) *Probe {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	d := &net.Dialer{Timeout: cfg.Timeout}
	return &Probe{cfg: cfg, dial: d.DialContext}
}

func (p *Probe) Name() string { return "smb" }

func (p *Probe) Eligible(rec *appliance.UserRecord) bool {
	return rec != nil && rec.SMB
}

// Verify returns true when the session is accepted. A logon failure is
// (false, nil); anything that stopped the exchange is returned as an error.
func (p *Probe) Verify(ctx context.Context, creds appliance.Credentials) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	addr := net.JoinHostPort(p.cfg.Host, strconv.Itoa(p.cfg.Port))
	conn, err := p.dial(ctx, "tcp", addr)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	d := &smb2.Dialer{
		Initiator: &smb2.NTLMInitiator{
			User:     creds.Username,
			Password: creds.Password,
			Domain:   p.cfg.Domain,
		},
	}
	s, err := d.DialContext(ctx, conn)
	if err != nil {
		var re *smb2.ResponseError
		if errors.As(err, &re) {
			logger.Debugf("[smbprobe] session setup for %s refused: %v", creds.Username, err)
			return false, nil
		}
		return false, err
	}
	if err := s.Logoff(); err != nil {
		logger.Debugf("[smbprobe] logoff for %s: %v", creds.Username, err)
	}
	return true, nil
}
