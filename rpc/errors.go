package rpc

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrOverloaded   = errors.New("rpc: too many pending calls")
	ErrCallTimeout  = errors.New("rpc: call timed out")
	ErrRemote       = errors.New("rpc: remote error")
	ErrRegistration = errors.New("rpc: invalid service stub")
)

// OverloadedError is returned when the pending table is full. The request
// was not sent.
type OverloadedError struct {
	Service ServiceName
	Limit   int
}

func (e *OverloadedError) Error() string {
	return fmt.Sprintf("rpc: %s not sent, %d calls already pending", e.Service, e.Limit)
}

func (e *OverloadedError) Is(target error) bool { return target == ErrOverloaded }

// TimeoutError is returned when no response arrived within the call timeout.
type TimeoutError struct {
	Service   ServiceName
	RequestID uint32
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("rpc: %s (request %d) timed out after %s", e.Service, e.RequestID, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrCallTimeout }

// RemoteError carries a non-success result code from the provider.
type RemoteError struct {
	Service ServiceName
	Code    int32
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("rpc: %s failed with code %d", e.Service, e.Code)
	}
	return fmt.Sprintf("rpc: %s failed with code %d: %s", e.Service, e.Code, e.Message)
}

func (e *RemoteError) Is(target error) bool { return target == ErrRemote }

// RPCCode lets a RemoteError pass through another hop with its code intact.
func (e *RemoteError) RPCCode() int32 { return e.Code }

// RegistrationError describes why a stub or service could not be registered.
type RegistrationError struct {
	Type   string
	Field  string
	Reason string
}

func (e *RegistrationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("rpc: cannot register %s: %s", e.Type, e.Reason)
	}
	return fmt.Sprintf("rpc: cannot register %s.%s: %s", e.Type, e.Field, e.Reason)
}

func (e *RegistrationError) Is(target error) bool { return target == ErrRegistration }
