// Package protocol defines the message envelopes exchanged with the appliance
// management API and the codecs for each supported wire dialect.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Dialect selects the envelope format spoken on a connection.
type Dialect string

const (
	// DialectJSONRPC is the JSON-RPC 2.0 envelope: no handshake, integer ids.
	DialectJSONRPC Dialect = "jsonrpc"
	// DialectLegacy is the session-handshake envelope: connect/connected hello,
	// string ids, unsolicited pushes on the same stream.
	DialectLegacy Dialect = "legacy"
)

// Method names used against the appliance.
const (
	MethodLoginWithAPIKey = "auth.login_with_api_key"
	MethodLogin           = "auth.login"
	MethodUserQuery       = "user.query"
	MethodUserUpdate      = "user.update"
	MethodVerifyTwoFactor = "user.verify_twofactor_token"
)

const (
	jsonrpcVersion        = "2.0"
	legacyProtocolVersion = "1"

	legacyMsgConnect   = "connect"
	legacyMsgConnected = "connected"
	legacyMsgFailed    = "failed"
	legacyMsgMethod    = "method"
	legacyMsgResult    = "result"
	legacyMsgError     = "error"
	legacyMsgPing      = "ping"
	legacyMsgPong      = "pong"
)

// Kind classifies a decoded inbound message.
type Kind int

const (
	// KindResult is a successful reply to a request.
	KindResult Kind = iota
	// KindError is a reply carrying an error object.
	KindError
	// KindNotification is any message that is not a reply (server push).
	KindNotification
	// KindPing is a keep-alive the peer expects to be answered.
	KindPing
)

func (k Kind) String() string {
	switch k {
	case KindResult:
		return "result"
	case KindError:
		return "error"
	case KindNotification:
		return "notification"
	case KindPing:
		return "ping"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Response is one decoded inbound message.
type Response struct {
	Kind Kind
	// ID is the normalized correlation key; empty for notifications.
	ID     string
	Result json.RawMessage
	Error  *RPCError
	// Msg is the legacy "msg" field, kept for logging.
	Msg string
}

// RPCError is the structured error object of an error reply.
type RPCError struct {
	Code    int    // envelope-level code (JSON-RPC) or errno (legacy)
	Errno   int    // data.error (JSON-RPC) or error (legacy)
	Message string // human readable message
	Reason  string // machine readable reason (reason or errname)
	ErrName string
}

func (e *RPCError) Error() string {
	if e.Reason != "" && e.Reason != e.Message {
		return fmt.Sprintf("%s (%s)", e.Message, e.Reason)
	}
	return e.Message
}

// ErrMalformed is wrapped by every decode failure.
var ErrMalformed = errors.New("malformed envelope")

// ErrHandshakeRejected is returned when the peer answers the hello with
// anything other than a connected acknowledgment.
var ErrHandshakeRejected = errors.New("handshake rejected")

// normalizeID turns a JSON id (number or string) into its correlation key.
func normalizeID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", fmt.Errorf("%w: id %s is neither string nor number", ErrMalformed, raw)
}

// FormatID renders a numeric request id as a correlation key.
func FormatID(id uint64) string {
	return strconv.FormatUint(id, 10)
}
