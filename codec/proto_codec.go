package codec

import (
	"fmt"
	"reflect"

	"google.golang.org/protobuf/proto"
)

var protoMessageType = reflect.TypeOf((*proto.Message)(nil)).Elem()

// ProtoCodec transmits protobuf messages. Only types implementing
// proto.Message are allowed.
type ProtoCodec struct{}

func (c *ProtoCodec) Encode(v any) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("ProtoCodec: %T is not a proto.Message", v)
	}
	return proto.Marshal(m)
}

// Decode accepts either a proto.Message or a pointer to a proto.Message
// pointer, which is allocated when nil.
func (c *ProtoCodec) Decode(data []byte, v any) error {
	if m, ok := v.(proto.Message); ok {
		return proto.Unmarshal(data, m)
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer && !rv.IsNil() && rv.Elem().Kind() == reflect.Pointer {
		elem := rv.Elem()
		if elem.IsNil() {
			elem.Set(reflect.New(elem.Type().Elem()))
		}
		if m, ok := elem.Interface().(proto.Message); ok {
			return proto.Unmarshal(data, m)
		}
	}
	return fmt.Errorf("ProtoCodec: cannot decode into %T", v)
}

func (c *ProtoCodec) Type() CodecType {
	return CodecTypeProto
}

func (c *ProtoCodec) Allows(t reflect.Type) bool {
	return t != nil && t.Kind() == reflect.Pointer && t.Implements(protoMessageType)
}
