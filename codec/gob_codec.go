package codec

import (
	"bytes"
	"encoding/gob"
	"reflect"
)

// GobCodec uses encoding/gob. Payloads are self-describing and compact for
// Go-to-Go traffic. Each value is encoded with a fresh encoder, so type
// descriptors are repeated per value.
type GobCodec struct{}

func (c *GobCodec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *GobCodec) Decode(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (c *GobCodec) Type() CodecType {
	return CodecTypeGob
}

func (c *GobCodec) Allows(t reflect.Type) bool {
	if t == nil {
		return false
	}
	return plainData(t, map[reflect.Type]bool{})
}
