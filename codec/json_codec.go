package codec

import (
	"encoding/json"
	"reflect"
)

// JSONCodec uses encoding/json for serialization.
// Human-readable and easy to debug, at the cost of larger payloads.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}

func (c *JSONCodec) Allows(t reflect.Type) bool {
	if t == nil {
		return false
	}
	if t.Kind() == reflect.Map {
		// JSON object keys must be strings, integers or text marshalers.
		k := t.Key()
		switch k.Kind() {
		case reflect.String, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		default:
			return false
		}
	}
	return plainData(t, map[reflect.Type]bool{})
}
