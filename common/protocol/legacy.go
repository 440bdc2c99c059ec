package protocol

import (
	"encoding/json"
	"fmt"
)

// Legacy is the session-handshake codec.
type Legacy struct{}

type legacyHello struct {
	Msg     string   `json:"msg"`
	Version string   `json:"version"`
	Support []string `json:"support"`
}

type legacyRequest struct {
	ID     string `json:"id"`
	Msg    string `json:"msg"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

type legacyError struct {
	Error   int    `json:"error"`
	ErrName string `json:"errname"`
	Type    string `json:"type"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

type legacyMessage struct {
	Msg     string          `json:"msg"`
	ID      json.RawMessage `json:"id"`
	Session string          `json:"session"`
	Result  json.RawMessage `json:"result"`
	Error   *legacyError    `json:"error"`
}

func (Legacy) Dialect() Dialect { return DialectLegacy }

func (Legacy) Hello() ([]byte, error) {
	return json.Marshal(legacyHello{
		Msg:     legacyMsgConnect,
		Version: legacyProtocolVersion,
		Support: []string{legacyProtocolVersion},
	})
}

func (Legacy) ParseHello(data []byte) (string, error) {
	var m legacyMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch m.Msg {
	case legacyMsgConnected:
		return m.Session, nil
	case legacyMsgFailed:
		return "", fmt.Errorf("%w: peer reported failed", ErrHandshakeRejected)
	default:
		return "", fmt.Errorf("%w: expected %q, got %q", ErrHandshakeRejected, legacyMsgConnected, m.Msg)
	}
}

func (Legacy) EncodeRequest(id uint64, method string, params []any) ([]byte, error) {
	return json.Marshal(legacyRequest{
		ID:     FormatID(id),
		Msg:    legacyMsgMethod,
		Method: method,
		Params: nonNil(params),
	})
}

func (Legacy) DecodeResponse(data []byte) (*Response, error) {
	var m legacyMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m.Msg == "" {
		return nil, fmt.Errorf("%w: missing msg field", ErrMalformed)
	}
	id, err := normalizeID(m.ID)
	if err != nil {
		return nil, err
	}
	switch m.Msg {
	case legacyMsgPing:
		return &Response{Kind: KindPing, ID: id, Msg: m.Msg}, nil
	case legacyMsgResult, legacyMsgError:
		if id == "" {
			return &Response{Kind: KindNotification, Msg: m.Msg}, nil
		}
	default:
		// added/changed/removed/ready/... pushes, or anything we do not wait on
		return &Response{Kind: KindNotification, ID: id, Msg: m.Msg}, nil
	}

	if m.Error != nil || m.Msg == legacyMsgError {
		e := &RPCError{Message: "unknown error"}
		if le := m.Error; le != nil {
			e.Code = le.Error
			e.Errno = le.Error
			e.ErrName = le.ErrName
			e.Reason = le.Reason
			if le.Message != "" {
				e.Message = le.Message
			} else if le.Reason != "" {
				e.Message = le.Reason
			}
			if e.Reason == "" {
				e.Reason = le.ErrName
			}
		}
		return &Response{Kind: KindError, ID: id, Error: e, Msg: m.Msg}, nil
	}
	if m.Result == nil {
		// a bare {"msg":"result","id":..} means a null/void result
		m.Result = json.RawMessage("null")
	}
	return &Response{Kind: KindResult, ID: id, Result: m.Result, Msg: m.Msg}, nil
}

func (Legacy) Pong(ping *Response) ([]byte, error) {
	out := map[string]string{"msg": legacyMsgPong}
	if ping != nil && ping.ID != "" {
		out["id"] = ping.ID
	}
	return json.Marshal(out)
}
