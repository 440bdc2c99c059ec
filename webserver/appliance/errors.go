package appliance

import (
	"errors"
	"fmt"
	"net"

	"github.com/mordilloSan/truenas-passwd/common/protocol"
)

var (
	// ErrNotConnected is returned by any call made without a live connection.
	ErrNotConnected = errors.New("not connected to appliance")
	// ErrAlreadyConnected is returned by Connect on a client that holds a live connection.
	ErrAlreadyConnected = errors.New("already connected to appliance")
	// ErrNotFound is returned by the directory when a username has no record.
	ErrNotFound = errors.New("user not found")
	// ErrServiceCredentialRequired is returned by privileged operations when no
	// service credential is configured.
	ErrServiceCredentialRequired = errors.New("service credential required")
)

// TransportError is a socket, TLS or timeout failure. Callers may retry.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("appliance transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was a deadline expiry.
func (e *TransportError) Timeout() bool {
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

// ProtocolError is an envelope that could not be understood. It usually means
// a dialect mismatch; the connection should not be reused.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("appliance protocol %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ApplianceError is a structured error returned by the appliance itself.
// Fields are carried verbatim from the envelope.
type ApplianceError struct {
	Method  string
	Message string
	Code    int
	Errno   int
	Reason  string
	ErrName string
}

func (e *ApplianceError) Error() string {
	msg := e.Message
	if e.Reason != "" && e.Reason != e.Message {
		msg = fmt.Sprintf("%s: %s", e.Message, e.Reason)
	}
	if e.Method != "" {
		return fmt.Sprintf("appliance %s: %s", e.Method, msg)
	}
	return "appliance: " + msg
}

// Display returns the text safe to show an end user.
func (e *ApplianceError) Display() string {
	if e.Reason != "" {
		return e.Reason
	}
	return e.Message
}

func newApplianceError(method string, re *protocol.RPCError) *ApplianceError {
	code := re.Code
	if re.Errno != 0 {
		code = re.Errno
	}
	return &ApplianceError{
		Method:  method,
		Message: re.Message,
		Code:    code,
		Errno:   re.Errno,
		Reason:  re.Reason,
		ErrName: re.ErrName,
	}
}

// RejectReason says why a password verification was refused.
type RejectReason string

const (
	RejectInvalidCredentials   RejectReason = "invalid_credentials"
	RejectSecondFactorRequired RejectReason = "second_factor_required"
	RejectUnsupportedScheme    RejectReason = "unsupported_hash_scheme"
)

// Message is the fixed user-facing text for r. Unknown users and wrong
// passwords both produce the invalid-credentials text.
func (r RejectReason) Message() string {
	switch r {
	case RejectSecondFactorRequired:
		return "two-factor authentication code required"
	case RejectUnsupportedScheme:
		return "password hash scheme is not supported"
	default:
		return "invalid username or password"
	}
}

// AuthRejected is the result of a verification that completed and said no.
// It is not a transport failure.
type AuthRejected struct {
	Reason RejectReason
}

func (e *AuthRejected) Error() string { return e.Reason.Message() }

// IsRejected reports whether err is an AuthRejected with the given reason.
func IsRejected(err error, reason RejectReason) bool {
	var ar *AuthRejected
	return errors.As(err, &ar) && ar.Reason == reason
}

// IsUnreachable reports whether err means the appliance could not be talked to.
func IsUnreachable(err error) bool {
	var te *TransportError
	var pe *ProtocolError
	return errors.Is(err, ErrNotConnected) || errors.As(err, &te) || errors.As(err, &pe)
}
