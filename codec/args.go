package codec

import (
	"fmt"
	"reflect"

	"binrpc/message"
)

// EncodeArgs packs an ordered argument list: a u16 count followed by each
// argument as a u32 length prefix and its encoded bytes.
func EncodeArgs(c Codec, args ...any) ([]byte, error) {
	if len(args) > 0xFFFF {
		return nil, fmt.Errorf("too many arguments: %d", len(args))
	}
	w := &message.Writer{}
	w.Uint16(uint16(len(args)))
	for i, a := range args {
		b, err := c.Encode(a)
		if err != nil {
			return nil, fmt.Errorf("encode argument %d: %w", i, err)
		}
		w.Bytes(b)
	}
	return w.Finish()
}

// DecodeArgs unpacks data produced by EncodeArgs into fresh values of the
// given types, in order.
func DecodeArgs(c Codec, data []byte, types []reflect.Type) ([]reflect.Value, error) {
	r := message.NewReader(data)
	n := int(r.Uint16())
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("decode argument count: %w", err)
	}
	if n != len(types) {
		return nil, fmt.Errorf("argument count mismatch: got %d, want %d", n, len(types))
	}

	values := make([]reflect.Value, n)
	for i, t := range types {
		b := r.Bytes()
		if err := r.Err(); err != nil {
			return nil, fmt.Errorf("decode argument %d: %w", i, err)
		}
		ptr := reflect.New(t)
		if err := c.Decode(b, ptr.Interface()); err != nil {
			return nil, fmt.Errorf("decode argument %d: %w", i, err)
		}
		values[i] = ptr.Elem()
	}
	return values, nil
}
