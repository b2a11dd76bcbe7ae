// Package codec serializes RPC argument and return values.
//
// A codec is negotiated once per connection during the handshake, so both
// peers agree on how a value travels before the first call is made.
package codec

import (
	"reflect"
)

type CodecType byte

const (
	CodecTypeJSON  CodecType = 0
	CodecTypeGob   CodecType = 1
	CodecTypeProto CodecType = 2
)

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeGob:
		return "gob"
	case CodecTypeProto:
		return "proto"
	}
	return "unknown"
}

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType
	// Allows reports whether values of t can be transmitted by this codec.
	// Proxies and services are rejected at registration when a parameter
	// or result type fails this check.
	Allows(t reflect.Type) bool
}

// GetCodec returns the codec for codecType, or nil if the type is unknown.
func GetCodec(codecType CodecType) Codec {
	switch codecType {
	case CodecTypeJSON:
		return &JSONCodec{}
	case CodecTypeGob:
		return &GobCodec{}
	case CodecTypeProto:
		return &ProtoCodec{}
	}
	return nil
}

// Known reports whether codecType names a supported codec.
func Known(codecType CodecType) bool { return GetCodec(codecType) != nil }

// plainData reports whether t is built only from kinds a reflective encoder
// can round-trip: no channels, functions, unsafe pointers, complex numbers
// or interfaces anywhere in its structure.
func plainData(t reflect.Type, seen map[reflect.Type]bool) bool {
	if seen[t] {
		return true
	}
	seen[t] = true

	switch t.Kind() {
	case reflect.Chan, reflect.Func, reflect.UnsafePointer, reflect.Interface,
		reflect.Complex64, reflect.Complex128, reflect.Invalid, reflect.Uintptr:
		return false
	case reflect.Pointer, reflect.Slice, reflect.Array:
		return plainData(t.Elem(), seen)
	case reflect.Map:
		return plainData(t.Key(), seen) && plainData(t.Elem(), seen)
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			if !plainData(f.Type, seen) {
				return false
			}
		}
	}
	return true
}
