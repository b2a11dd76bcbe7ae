// Package message defines the typed messages exchanged over binrpc connections.
//
// Every message type owns a fixed 16-bit ID (module byte + sequence byte) that
// prefixes its payload on the wire. A Decoder turns an (ID, payload) pair back
// into a typed value; the default decoder knows the built-in handshake,
// heartbeat and RPC messages and can be extended with application types.
package message

import (
	"encoding"
	"fmt"
)

// Message is a value with a stable wire identity that serializes its own payload.
type Message interface {
	ID() ID
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// Reserved modules. Applications should allocate IDs from module 0x02 upward.
const (
	ModuleInternal = 0x00
	ModuleRPC      = 0x01
)

var (
	IDHandshakeRequest = MustPack(ModuleInternal, 0x01)
	IDHandshakeResult  = MustPack(ModuleInternal, 0x02)
	IDHeartbeat        = MustPack(ModuleInternal, 0x03)
	IDRPCRequest       = MustPack(ModuleRPC, 0x01)
	IDRPCResponse      = MustPack(ModuleRPC, 0x02)
)

// HandshakeRequest is the first message a client sends on a new connection.
type HandshakeRequest struct {
	Secret string
	Codec  byte // value codec the client will use for RPC arguments
}

func (*HandshakeRequest) ID() ID { return IDHandshakeRequest }

func (m *HandshakeRequest) MarshalBinary() ([]byte, error) {
	var w Writer
	w.Str(m.Secret)
	w.Uint8(m.Codec)
	return w.Finish()
}

func (m *HandshakeRequest) UnmarshalBinary(data []byte) error {
	r := NewReader(data)
	m.Secret = r.Str()
	m.Codec = r.Uint8()
	return r.Err()
}

// HandshakeResult is the server's verdict on a HandshakeRequest.
type HandshakeResult struct {
	Accepted bool
	Reason   string
}

func (*HandshakeResult) ID() ID { return IDHandshakeResult }

func (m *HandshakeResult) MarshalBinary() ([]byte, error) {
	var w Writer
	w.Bool(m.Accepted)
	w.Str(m.Reason)
	return w.Finish()
}

func (m *HandshakeResult) UnmarshalBinary(data []byte) error {
	r := NewReader(data)
	m.Accepted = r.Bool()
	m.Reason = r.Str()
	return r.Err()
}

// Heartbeat keeps idle connections alive. It has no payload.
type Heartbeat struct{}

func (*Heartbeat) ID() ID                         { return IDHeartbeat }
func (*Heartbeat) MarshalBinary() ([]byte, error) { return nil, nil }
func (*Heartbeat) UnmarshalBinary([]byte) error   { return nil }

// RPCRequest carries one remote call.
//
//   - RequestID correlates the response with the pending call on the client.
//   - Args holds the packed, codec-encoded argument list.
type RPCRequest struct {
	RequestID uint32
	Service   ServiceName
	Args      []byte
}

func (*RPCRequest) ID() ID { return IDRPCRequest }

func (m *RPCRequest) MarshalBinary() ([]byte, error) {
	var w Writer
	w.Uint32(m.RequestID)
	w.Str(m.Service.Module)
	w.Str(m.Service.Signature)
	w.Int32(m.Service.Version)
	w.Bytes(m.Args)
	return w.Finish()
}

func (m *RPCRequest) UnmarshalBinary(data []byte) error {
	r := NewReader(data)
	m.RequestID = r.Uint32()
	m.Service.Module = r.Str()
	m.Service.Signature = r.Str()
	m.Service.Version = r.Int32()
	m.Args = r.Bytes()
	return r.Err()
}

// RPCResponse answers an RPCRequest. ErrorCode is CodeSuccess unless the call failed.
type RPCResponse struct {
	RequestID uint32
	ErrorCode int32
	Return    []byte
}

func (*RPCResponse) ID() ID { return IDRPCResponse }

func (m *RPCResponse) MarshalBinary() ([]byte, error) {
	var w Writer
	w.Uint32(m.RequestID)
	w.Int32(m.ErrorCode)
	w.Bytes(m.Return)
	return w.Finish()
}

func (m *RPCResponse) UnmarshalBinary(data []byte) error {
	r := NewReader(data)
	m.RequestID = r.Uint32()
	m.ErrorCode = r.Int32()
	m.Return = r.Bytes()
	return r.Err()
}

// Name returns a short label for a message, used in logs.
func Name(m Message) string {
	return fmt.Sprintf("%T(%s)", m, m.ID())
}
