// Package envelope implements the {method, params} wire unit exchanged between
// the relay and its peers. One envelope is one WebSocket text message.
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrMissingMethod = errors.New("missing method")

// DecodeError is returned by Decode when a message is not a structurally valid envelope.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("envelope: malformed message: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Envelope is a decoded message. Params are kept raw until a handler asks for them.
type Envelope struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// wire is used on decode to tell a missing method from an empty one
type wire struct {
	Method *string         `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Encode produces the wire form of {method, params}.
func Encode(method string, params any) ([]byte, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("envelope: encoding params for %q: %w", method, err)
	}
	return json.Marshal(&Envelope{Method: method, Params: raw})
}

// Decode parses a wire message. Any structural problem is reported as *DecodeError.
func Decode(data []byte) (*Envelope, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, &DecodeError{Err: errors.New("not a JSON object")}
	}

	var w wire
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return nil, &DecodeError{Err: err}
	}
	if w.Method == nil {
		return nil, &DecodeError{Err: ErrMissingMethod}
	}

	return &Envelope{Method: *w.Method, Params: w.Params}, nil
}

// DecodeParams unmarshals the params into v.
func (e *Envelope) DecodeParams(v any) error {
	if len(e.Params) == 0 {
		return fmt.Errorf("envelope: %s: no params", e.Method)
	}
	if err := json.Unmarshal(e.Params, v); err != nil {
		return fmt.Errorf("envelope: %s: decoding params: %w", e.Method, err)
	}
	return nil
}

// Encode re-encodes the envelope. Params are compacted but otherwise unchanged.
func (e *Envelope) Encode() ([]byte, error) {
	params := e.Params
	if len(params) == 0 {
		params = json.RawMessage("null")
	}
	return json.Marshal(&Envelope{Method: e.Method, Params: params})
}
