// Package transport carries type-tagged messages between the page, the
// content script and the privileged extension context.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message is the envelope every channel carries. Data is left raw so that
// receivers parse it into the concrete shape selected by Type.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ErrTypeMismatch is returned by Decode when the message tag differs.
var ErrTypeMismatch = errors.New("transport: message type mismatch")

// Validator is implemented by payloads that check their own invariants.
type Validator interface {
	Validate() error
}

// NewMessage marshals v into a message tagged typ.
func NewMessage(typ string, v any) (Message, error) {
	if typ == "" {
		return Message{}, errors.New("transport: empty message type")
	}
	if v == nil {
		return Message{Type: typ}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return Message{}, fmt.Errorf("transport: encode %s: %w", typ, err)
	}
	return Message{Type: typ, Data: data}, nil
}

// MustMessage is NewMessage for payloads that cannot fail to marshal.
func MustMessage(typ string, v any) Message {
	msg, err := NewMessage(typ, v)
	if err != nil {
		panic(err)
	}
	return msg
}

// Decode parses msg.Data into T after checking the tag. When T (or *T)
// implements Validator, the decoded value is validated as well.
func Decode[T any](msg Message, typ string) (T, error) {
	var out T
	if msg.Type != typ {
		return out, fmt.Errorf("%w: want %q, got %q", ErrTypeMismatch, typ, msg.Type)
	}
	if len(msg.Data) == 0 {
		return out, fmt.Errorf("transport: %s: empty payload", typ)
	}
	if err := json.Unmarshal(msg.Data, &out); err != nil {
		return out, fmt.Errorf("transport: decode %s: %w", typ, err)
	}
	if v, ok := any(&out).(Validator); ok {
		if err := v.Validate(); err != nil {
			return out, err
		}
	} else if v, ok := any(out).(Validator); ok {
		if err := v.Validate(); err != nil {
			return out, err
		}
	}
	return out, nil
}
