package rpc

import (
	"context"
	"reflect"
	"strconv"
	"strings"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// Signature renders a method name and its transmitted parameter types as
// "Name(T1,T2)". Providers and proxies derive the same string from the same
// Go types, so overloads with different parameter lists stay distinct.
//
// Named types appear without their package, so a proxy may declare its own
// copy of a provider's argument struct as long as the type name matches.
func Signature(method string, params []reflect.Type) string {
	var b strings.Builder
	b.WriteString(method)
	b.WriteByte('(')
	for i, p := range params {
		if i > 0 {
			b.WriteByte(',')
		}
		writeTypeName(&b, p)
	}
	b.WriteByte(')')
	return b.String()
}

func writeTypeName(b *strings.Builder, t reflect.Type) {
	if t.Name() != "" {
		b.WriteString(t.Name())
		return
	}
	switch t.Kind() {
	case reflect.Pointer:
		b.WriteByte('*')
		writeTypeName(b, t.Elem())
	case reflect.Slice:
		b.WriteString("[]")
		writeTypeName(b, t.Elem())
	case reflect.Array:
		b.WriteString("[" + strconv.Itoa(t.Len()) + "]")
		writeTypeName(b, t.Elem())
	case reflect.Map:
		b.WriteString("map[")
		writeTypeName(b, t.Key())
		b.WriteByte(']')
		writeTypeName(b, t.Elem())
	default:
		b.WriteString(t.String())
	}
}

// IsContext reports whether t is context.Context.
func IsContext(t reflect.Type) bool { return t == contextType }

// IsError reports whether t is the error interface.
func IsError(t reflect.Type) bool { return t == errorType }
