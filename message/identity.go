package message

import (
	"errors"
	"fmt"
)

// ID is the 16-bit wire identity of a message type: the high byte names the
// module (a family of related messages), the low byte the message within it.
type ID uint16

// ErrIdentityRange is returned by Pack when a component is outside [0,255].
var ErrIdentityRange = errors.New("message: identity component out of range")

// Pack builds an ID from a module byte and a sequence byte.
func Pack(module, seq int) (ID, error) {
	if module < 0 || module > 0xFF {
		return 0, fmt.Errorf("%w: module %d", ErrIdentityRange, module)
	}
	if seq < 0 || seq > 0xFF {
		return 0, fmt.Errorf("%w: sequence %d", ErrIdentityRange, seq)
	}
	return ID(module<<8 | seq), nil
}

// MustPack is like Pack but panics on bad input. Intended for package-level
// message identity declarations.
func MustPack(module, seq int) ID {
	id, err := Pack(module, seq)
	if err != nil {
		panic(err)
	}
	return id
}

// Unpack splits an ID into its module and sequence bytes.
func Unpack(id ID) (module, seq byte) {
	return byte(id >> 8), byte(id)
}

// Module returns the module byte.
func (id ID) Module() byte { return byte(id >> 8) }

// Seq returns the sequence byte.
func (id ID) Seq() byte { return byte(id) }

func (id ID) String() string {
	return fmt.Sprintf("0x%02X%02X", id.Module(), id.Seq())
}
