package util

import (
	json "github.com/goccy/go-json"
)

type EncoderDecoder[T any] interface {
	Encode(value T) ([]byte, error)
	Decode(data []byte) (*T, error)
}

type JsonEncDec[T any] struct{}

var _ EncoderDecoder[any] = new(JsonEncDec[any])

func NewJsonEncoderDecoder[T any]() *JsonEncDec[T] {
	return &JsonEncDec[T]{}
}

func (encdec *JsonEncDec[T]) Encode(value T) ([]byte, error) {
	return json.Marshal(value)
}

func (encdec *JsonEncDec[T]) Decode(data []byte) (*T, error) {
	var res T
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Clone deep copies v through its JSON form. Values that do not survive a
// JSON round trip (channels, funcs) are not supported.
func Clone[T any](v T) (T, error) {
	return Convert[T](v)
}

// Convert re-decodes v into T through its JSON form.
func Convert[T any](v any) (T, error) {
	var out T
	data, err := json.Marshal(v)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(data, &out)
	return out, err
}

// CloneMap is Clone for variable maps, returning an empty map for nil input.
func CloneMap(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	out, err := Clone(in)
	if err != nil || out == nil {
		return map[string]any{}
	}
	return out
}
