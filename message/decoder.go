package message

import (
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownMessage matches every *UnknownMessageError.
var ErrUnknownMessage = errors.New("message: unknown identity")

// UnknownMessageError reports a frame whose ID has no registered type.
type UnknownMessageError struct {
	ID ID
}

func (e *UnknownMessageError) Error() string {
	return fmt.Sprintf("message: no type registered for identity %s", e.ID)
}

func (e *UnknownMessageError) Is(target error) bool { return target == ErrUnknownMessage }

// Decoder turns a wire identity and its raw payload into a typed message.
type Decoder interface {
	Decode(id ID, payload []byte) (Message, error)
}

// Factory returns a fresh, empty instance of one message type.
type Factory func() Message

// Registry is a Decoder backed by an ID → Factory table. It is safe for
// concurrent use; registration normally happens once at startup.
type Registry struct {
	mu        sync.RWMutex
	factories map[ID]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[ID]Factory)}
}

// DefaultDecoder returns a new registry holding the built-in messages.
// Each call returns an independent registry, so applications can add their
// own types without affecting other connections.
func DefaultDecoder() *Registry {
	r := NewRegistry()
	for _, f := range []Factory{
		func() Message { return new(HandshakeRequest) },
		func() Message { return new(HandshakeResult) },
		func() Message { return new(Heartbeat) },
		func() Message { return new(RPCRequest) },
		func() Message { return new(RPCResponse) },
	} {
		r.MustRegister(f)
	}
	return r
}

// Register adds a message type. Two types may not share an ID.
func (r *Registry) Register(f Factory) error {
	sample := f()
	if sample == nil {
		return errors.New("message: factory returned nil")
	}
	id := sample.ID()

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.factories[id]; ok {
		return fmt.Errorf("message: identity %s already registered by %T", id, prev())
	}
	r.factories[id] = f
	return nil
}

// MustRegister is like Register but panics on a duplicate ID.
func (r *Registry) MustRegister(f Factory) {
	if err := r.Register(f); err != nil {
		panic(err)
	}
}

// Decode implements Decoder.
func (r *Registry) Decode(id ID, payload []byte) (Message, error) {
	r.mu.RLock()
	f, ok := r.factories[id]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnknownMessageError{ID: id}
	}
	msg := f()
	if err := msg.UnmarshalBinary(payload); err != nil {
		return nil, fmt.Errorf("message: decode %s: %w", id, err)
	}
	return msg, nil
}

// Len returns the number of registered types.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.factories)
}
