// Package json routes all encoding through bytedance/sonic while keeping the
// encoding/json names, so call sites read like the standard library.
package json

import (
	"bytes"
	stdjson "encoding/json"
	"errors"
	"io"

	"github.com/bytedance/sonic"
	"github.com/bytedance/sonic/encoder"
)

// strict validates like encoding/json (UTF-8, escapes, trailing data).
var strict = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return sonic.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return sonic.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}

// DecodeValue strictly decodes data into generic Go values (map[string]any,
// []any, float64, string, bool, nil).
func DecodeValue(data []byte) (any, error) {
	var v any
	if err := strict.Unmarshal(bytes.TrimSpace(data), &v); err != nil {
		return nil, err
	}
	return v, nil
}

// ErrNotObject is returned by DecodeObject for a top-level null.
var ErrNotObject = errors.New("json: expected an object, got null")

// DecodeObject is DecodeValue restricted to a top-level object. A literal
// null is rejected rather than decoded as a nil map.
func DecodeObject(data []byte) (map[string]any, error) {
	var v map[string]any
	if err := strict.Unmarshal(bytes.TrimSpace(data), &v); err != nil {
		return nil, err
	}
	if v == nil {
		return nil, ErrNotObject
	}
	return v, nil
}

func Valid(data []byte) bool {
	return sonic.Valid(data)
}

type (
	RawMessage  = stdjson.RawMessage
	Number      = stdjson.Number
	Marshaler   = stdjson.Marshaler
	Unmarshaler = stdjson.Unmarshaler
	SyntaxError = stdjson.SyntaxError
)

// Encoder writes newline-delimited JSON values.
type Encoder struct {
	enc *encoder.StreamEncoder
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: encoder.NewStreamEncoder(w)}
}

func (e *Encoder) Encode(v any) error {
	return e.enc.Encode(v)
}

func (e *Encoder) SetIndent(prefix, indent string) {
	e.enc.SetIndent(prefix, indent)
}
