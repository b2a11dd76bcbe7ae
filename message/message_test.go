package message

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type chatMessage struct {
	From string
	Text string
}

var idChat = MustPack(0x10, 0x01)

func (*chatMessage) ID() ID { return idChat }

func (m *chatMessage) MarshalBinary() ([]byte, error) {
	var w Writer
	w.Str(m.From)
	w.Str(m.Text)
	return w.Finish()
}

func (m *chatMessage) UnmarshalBinary(data []byte) error {
	r := NewReader(data)
	m.From = r.Str()
	m.Text = r.Str()
	return r.Err()
}

func TestRPCRequestResponse(t *testing.T) {
	req := &RPCRequest{
		RequestID: 42,
		Service:   ServiceName{Module: "math", Signature: "Add(int,int)", Version: 2},
		Args:      []byte(`[1,2]`),
	}
	data, err := req.MarshalBinary()
	require.NoError(t, err)

	msg, err := DefaultDecoder().Decode(IDRPCRequest, data)
	require.NoError(t, err)
	require.Equal(t, req, msg)

	resp := &RPCResponse{RequestID: 42, ErrorCode: CodeApplication, Return: []byte("boom")}
	data, err = resp.MarshalBinary()
	require.NoError(t, err)
	msg, err = DefaultDecoder().Decode(IDRPCResponse, data)
	require.NoError(t, err)
	require.Equal(t, resp, msg)
}

func TestDecodeTruncatedPayload(t *testing.T) {
	data, err := (&HandshakeRequest{Secret: "limitart-core", Codec: 1}).MarshalBinary()
	require.NoError(t, err)

	_, err = DefaultDecoder().Decode(IDHandshakeRequest, data[:len(data)-3])
	require.Error(t, err)
}

func TestDecoderUnknownIdentity(t *testing.T) {
	_, err := DefaultDecoder().Decode(idChat, nil)
	require.ErrorIs(t, err, ErrUnknownMessage)

	var unknown *UnknownMessageError
	require.ErrorAs(t, err, &unknown)
	require.Equal(t, idChat, unknown.ID)
}

func TestRegistryCustomType(t *testing.T) {
	r := DefaultDecoder()
	require.NoError(t, r.Register(func() Message { return new(chatMessage) }))
	require.Equal(t, 6, r.Len())

	// A second type claiming the same identity must be refused.
	require.Error(t, r.Register(func() Message { return new(chatMessage) }))
	require.Error(t, r.Register(func() Message { return new(Heartbeat) }))

	data, err := (&chatMessage{From: "alice", Text: "hello"}).MarshalBinary()
	require.NoError(t, err)
	msg, err := r.Decode(idChat, data)
	require.NoError(t, err)
	require.Equal(t, &chatMessage{From: "alice", Text: "hello"}, msg)

	// Registries are independent.
	_, err = DefaultDecoder().Decode(idChat, data)
	require.ErrorIs(t, err, ErrUnknownMessage)
}

func TestServiceNameEquality(t *testing.T) {
	a := ServiceName{Module: "math", Signature: "Add(int,int)", Version: 1}
	b := ServiceName{Module: "math", Signature: "Add(int,int)", Version: 1}
	c := ServiceName{Module: "math", Signature: "Add(int64,int64)", Version: 1}

	seen := map[ServiceName]int{a: 1}
	require.Equal(t, 1, seen[b])
	require.NotContains(t, seen, c)
	require.Equal(t, "math/Add(int,int)/1", a.String())
}
