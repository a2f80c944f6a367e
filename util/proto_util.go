package util

import (
	"google.golang.org/protobuf/types/known/structpb"
)

// ToStruct converts a JSON-compatible value to a protobuf Struct by way of
// its JSON form.
func ToStruct(v any) (*structpb.Struct, error) {
	m, err := Convert[map[string]any](v)
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// FromStruct decodes a protobuf Struct into T through its JSON form.
func FromStruct[T any](s *structpb.Struct) (T, error) {
	var out T
	if s == nil {
		return out, nil
	}
	return Convert[T](s.AsMap())
}
