package protocol

import (
	"encoding/json"
	"fmt"
)

// JSONRPC is the direct-envelope codec (JSON-RPC 2.0).
type JSONRPC struct{}

type jsonrpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type jsonrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    *struct {
			Error   int    `json:"error"`
			Reason  string `json:"reason"`
			ErrName string `json:"errname"`
		} `json:"data"`
	} `json:"error"`
}

func (JSONRPC) Dialect() Dialect { return DialectJSONRPC }

func (JSONRPC) Hello() ([]byte, error) { return nil, nil }

func (JSONRPC) ParseHello([]byte) (string, error) { return "", nil }

func (JSONRPC) EncodeRequest(id uint64, method string, params []any) ([]byte, error) {
	return json.Marshal(jsonrpcRequest{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Method:  method,
		Params:  nonNil(params),
	})
}

func (JSONRPC) DecodeResponse(data []byte) (*Response, error) {
	var raw jsonrpcResponse
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	id, err := normalizeID(raw.ID)
	if err != nil {
		return nil, err
	}
	// Requests and notifications from the server carry a method and/or no id.
	if id == "" || raw.Method != "" {
		return &Response{Kind: KindNotification, ID: id}, nil
	}
	if raw.Error != nil {
		e := &RPCError{Code: raw.Error.Code, Message: raw.Error.Message}
		if d := raw.Error.Data; d != nil {
			e.Errno = d.Error
			e.ErrName = d.ErrName
			e.Reason = d.Reason
			if e.Reason == "" {
				e.Reason = d.ErrName
			}
		}
		if e.Message == "" {
			e.Message = "unknown error"
		}
		return &Response{Kind: KindError, ID: id, Error: e}, nil
	}
	if raw.Result == nil {
		return nil, fmt.Errorf("%w: reply %s has neither result nor error", ErrMalformed, id)
	}
	return &Response{Kind: KindResult, ID: id, Result: raw.Result}, nil
}

func (JSONRPC) Pong(*Response) ([]byte, error) { return nil, nil }
