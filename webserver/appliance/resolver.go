package appliance

import (
	"context"
	"errors"
	"time"

	"github.com/mordilloSan/go-logger/logger"

	"github.com/mordilloSan/truenas-passwd/common/unixcrypt"
	"github.com/mordilloSan/truenas-passwd/webserver/metrics"
)

// Verification methods reported in Outcome.Method.
const (
	MethodHash    = "hash"
	MethodSession = "session"
	methodNone    = "none"
)

// Credentials are the user-supplied secrets for one verification. They live
// on the stack of a single call and are never stored.
type Credentials struct {
	Username string
	Password string
	// OTP is the optional second-factor token.
	OTP string
}

// Probe is a delegated proof of password knowledge against a service other
// than the user registry. A false or failed probe is never final.
type Probe interface {
	Name() string
	Eligible(rec *UserRecord) bool
	Verify(ctx context.Context, creds Credentials) (bool, error)
}

// Outcome is the terminal state of one resolution.
type Outcome struct {
	Verified bool
	// Method is the step that proved the password, or "none".
	Method string
	// Reason is set when the user was rejected.
	Reason RejectReason
	// Failure is set when resolution could not complete (lookup failed).
	Failure error
}

// Err collapses the outcome into the error taxonomy: nil when verified,
// *AuthRejected when rejected, the underlying failure otherwise.
func (o Outcome) Err() error {
	switch {
	case o.Failure != nil:
		return o.Failure
	case o.Verified:
		return nil
	default:
		return &AuthRejected{Reason: o.Reason}
	}
}

func (o Outcome) result() string {
	switch {
	case o.Failure != nil:
		return "error"
	case o.Verified:
		return "success"
	default:
		return "rejected"
	}
}

type userDirectory interface {
	FindByUsername(ctx context.Context, name string) (*UserRecord, error)
	VerifyTwoFactor(ctx context.Context, username, token string) (bool, error)
}

// Resolver decides whether a user knows their own password. It keeps no state
// between calls and re-fetches the user record every time.
type Resolver struct {
	dir               userDirectory
	probes            []Probe
	probeTimeout      time.Duration
	revealUnsupported bool
	recorder          metrics.Recorder
}

// Resolve runs lookup, second factor, delegated probes and hash fallback, in
// that order.
func (r *Resolver) Resolve(ctx context.Context, creds Credentials) Outcome {
	start := time.Now()
	out := r.resolve(ctx, creds)
	r.recorder.RecordAuthAttempt(out.Method, out.result(), time.Since(start))

	switch {
	case out.Failure != nil:
		logger.WarnKV("[appliance] verification failed", "user", creds.Username, "error", out.Failure)
	case out.Verified:
		logger.InfoKV("[appliance] password verified", "user", creds.Username, "method", out.Method)
	default:
		logger.InfoKV("[appliance] password rejected", "user", creds.Username, "reason", string(out.Reason))
	}
	return out
}

func (r *Resolver) resolve(ctx context.Context, creds Credentials) Outcome {
	rec, err := r.dir.FindByUsername(ctx, creds.Username)
	if errors.Is(err, ErrNotFound) {
		return rejected(RejectInvalidCredentials)
	}
	if err != nil {
		return Outcome{Method: methodNone, Failure: err}
	}

	if rec.TwoFactor {
		if creds.OTP == "" {
			return rejected(RejectSecondFactorRequired)
		}
		ok, err := r.dir.VerifyTwoFactor(ctx, rec.Username, creds.OTP)
		if err != nil {
			return Outcome{Method: methodNone, Failure: err}
		}
		if !ok {
			return rejected(RejectInvalidCredentials)
		}
	}

	for _, p := range r.probes {
		if !p.Eligible(rec) {
			continue
		}
		if r.runProbe(ctx, p, creds) {
			return Outcome{Verified: true, Method: p.Name()}
		}
	}

	ok, err := unixcrypt.Verify(creds.Password, rec.UnixHash)
	if errors.Is(err, unixcrypt.ErrUnsupportedScheme) {
		logger.Warnf("[appliance] user %s has a password hash in an unsupported scheme", rec.Username)
		if r.revealUnsupported {
			return rejected(RejectUnsupportedScheme)
		}
		return rejected(RejectInvalidCredentials)
	}
	if !ok {
		return rejected(RejectInvalidCredentials)
	}
	return Outcome{Verified: true, Method: MethodHash}
}

func (r *Resolver) runProbe(ctx context.Context, p Probe, creds Credentials) bool {
	pctx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()

	ok, err := p.Verify(pctx, creds)
	if err != nil {
		logger.Debugf("[appliance] %s probe for %s did not complete: %v", p.Name(), creds.Username, err)
		return false
	}
	if !ok {
		logger.Debugf("[appliance] %s probe for %s refused, falling back", p.Name(), creds.Username)
	}
	return ok
}

func rejected(reason RejectReason) Outcome {
	return Outcome{Method: methodNone, Reason: reason}
}
