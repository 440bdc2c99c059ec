package protocol

import "fmt"

// Codec encodes requests and decodes responses for one dialect.
type Codec interface {
	Dialect() Dialect

	// Hello returns the handshake message to send after the socket opens,
	// or nil when the dialect needs none.
	Hello() ([]byte, error)
	// ParseHello interprets the peer's handshake reply and returns the
	// session identifier it assigned.
	ParseHello(data []byte) (session string, err error)

	EncodeRequest(id uint64, method string, params []any) ([]byte, error)
	DecodeResponse(data []byte) (*Response, error)

	// Pong answers a KindPing message; nil when nothing should be sent.
	Pong(ping *Response) ([]byte, error)
}

// NewCodec returns the codec for d.
func NewCodec(d Dialect) (Codec, error) {
	switch d {
	case DialectJSONRPC, "":
		return JSONRPC{}, nil
	case DialectLegacy:
		return Legacy{}, nil
	default:
		return nil, fmt.Errorf("unknown dialect %q", d)
	}
}

// ParseDialect maps configuration spellings onto a Dialect.
func ParseDialect(s string) (Dialect, error) {
	switch s {
	case "", "jsonrpc", "json-rpc", "rpc":
		return DialectJSONRPC, nil
	case "legacy", "websocket", "ddp":
		return DialectLegacy, nil
	default:
		return "", fmt.Errorf("unknown dialect %q", s)
	}
}

func nonNil(params []any) []any {
	if params == nil {
		return []any{}
	}
	return params
}
