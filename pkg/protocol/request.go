package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// EthereumRequest is a request that passed validation. The zero value is not
// a valid request; values come from ParseRequest or NewRequest.
type EthereumRequest struct {
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	JSONRPC string          `json:"jsonrpc,omitempty"`
}

// NewRequest builds a request from Go values. params may be nil, a slice or
// a struct/map.
func NewRequest(method string, params any) (EthereumRequest, error) {
	fields := map[string]any{"method": method}
	if params != nil {
		fields["params"] = params
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return EthereumRequest{}, InvalidRequestError(fmt.Sprintf("cannot encode params: %v", err))
	}
	return ParseRequest(raw)
}

// ParseRequest is the gate between untrusted JSON and EthereumRequest.
// Shape violations return an error wrapping ErrWrongShape; undecodable input
// returns one wrapping ErrMalformed. Both carry CodeInvalidRequest.
func ParseRequest(raw []byte) (EthereumRequest, error) {
	fields, err := parseObject(raw)
	if err != nil {
		return EthereumRequest{}, err
	}
	return requestFromFields(fields)
}

func parseObject(raw []byte) (map[string]json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, InvalidRequestError("empty input")
	}
	if !json.Valid(raw) {
		return nil, InvalidRequestError("input is not valid JSON")
	}
	switch raw[0] {
	case '{':
	case '[':
		return nil, WrongShapeError("expected a single request object, got an array")
	case '"':
		return nil, WrongShapeError("expected a request object, got a bare string")
	default:
		return nil, WrongShapeError("expected a request object")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, InvalidRequestError("input is not a JSON object")
	}
	return fields, nil
}

func requestFromFields(fields map[string]json.RawMessage) (EthereumRequest, error) {
	var req EthereumRequest
	rawMethod, ok := fields["method"]
	if !ok {
		return req, WrongShapeError("missing method")
	}
	if err := json.Unmarshal(rawMethod, &req.Method); err != nil || isNull(rawMethod) {
		return req, WrongShapeError("method must be a string")
	}
	if req.Method == "" {
		return req, WrongShapeError("method must not be empty")
	}
	if len(req.Method) > maxMethodLen || !utf8.ValidString(req.Method) {
		return req, WrongShapeError("method is not a valid name")
	}
	if params, ok := fields["params"]; ok && !isNull(params) {
		switch firstByte(params) {
		case '[', '{':
			req.Params = params
		default:
			return req, WrongShapeError("params must be an array or an object")
		}
	}
	if id, ok := fields["id"]; ok && !isNull(id) {
		switch firstByte(id) {
		case '"', '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
			req.ID = id
		default:
			return req, WrongShapeError("id must be a number or a string")
		}
	}
	if v, ok := fields["jsonrpc"]; ok && !isNull(v) {
		if err := json.Unmarshal(v, &req.JSONRPC); err != nil {
			return req, WrongShapeError("jsonrpc must be a string")
		}
	}
	return req, nil
}

// UnmarshalJSON routes decoding through ParseRequest so that an
// EthereumRequest can only ever hold validated data.
func (r *EthereumRequest) UnmarshalJSON(b []byte) error {
	req, err := ParseRequest(b)
	if err != nil {
		return err
	}
	*r = req
	return nil
}

// ParamsArray returns positional params, if params is an array.
func (r EthereumRequest) ParamsArray() ([]json.RawMessage, bool) {
	if firstByte(r.Params) != '[' {
		return nil, false
	}
	var out []json.RawMessage
	if err := json.Unmarshal(r.Params, &out); err != nil {
		return nil, false
	}
	return out, true
}

// RequestEnvelope is what the provider posts to the relay: the request plus
// its correlation id.
type RequestEnvelope struct {
	EthereumRequest
	RequestID string `json:"requestId"`
}

// MarshalJSON flattens the embedded request next to requestId.
func (e RequestEnvelope) MarshalJSON() ([]byte, error) {
	type flat struct {
		Method    string          `json:"method"`
		Params    json.RawMessage `json:"params,omitempty"`
		RequestID string          `json:"requestId"`
		ID        json.RawMessage `json:"id,omitempty"`
		JSONRPC   string          `json:"jsonrpc,omitempty"`
	}
	return json.Marshal(flat{
		Method:    e.Method,
		Params:    e.Params,
		RequestID: e.RequestID,
		ID:        e.ID,
		JSONRPC:   e.JSONRPC,
	})
}

func (e *RequestEnvelope) UnmarshalJSON(b []byte) error {
	env, err := ParseRequestEnvelope(b)
	if err != nil {
		return err
	}
	*e = env
	return nil
}

// ParseRequestEnvelope validates a page message addressed to the relay.
func ParseRequestEnvelope(raw []byte) (RequestEnvelope, error) {
	fields, err := parseObject(raw)
	if err != nil {
		return RequestEnvelope{}, err
	}
	req, err := requestFromFields(fields)
	if err != nil {
		return RequestEnvelope{}, err
	}
	id, err := parseRequestID(fields["requestId"])
	if err != nil {
		return RequestEnvelope{}, err
	}
	return RequestEnvelope{EthereumRequest: req, RequestID: id}, nil
}

func parseRequestID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || isNull(raw) {
		return "", WrongShapeError("missing requestId")
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return "", WrongShapeError("requestId must be a string")
	}
	if id == "" || len(id) > maxRequestIDLen {
		return "", WrongShapeError("requestId has an invalid length")
	}
	return id, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func firstByte(raw json.RawMessage) byte {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0
	}
	return raw[0]
}
