package rpc

import (
	"time"

	"github.com/benbjohnson/clock"

	"binrpc/message"
)

// ServiceName identifies a remote method: provider module, method signature
// and version.
type ServiceName = message.ServiceName

type CallState int32

const (
	CallPending CallState = iota
	CallCompleted
)

// PendingCall is one outstanding request. Its result fields are valid after
// Done is closed.
type PendingCall struct {
	RequestID uint32
	Service   ServiceName
	CreatedAt time.Time

	callback func([]byte)
	timer    *clock.Timer // Expiry of callback calls, guarded by the engine lock
	done     chan struct{}

	State     CallState
	ErrorCode int32
	Return    []byte
}

// Done is closed when the response arrives.
func (c *PendingCall) Done() <-chan struct{} { return c.done }

func (c *PendingCall) complete(code int32, ret []byte) {
	c.State = CallCompleted
	c.ErrorCode = code
	c.Return = ret
	close(c.done)
}
