package connection

import (
	"net"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"binrpc/codec"
	"binrpc/message"
	"binrpc/transport"
)

// Session is one accepted channel on a Server.
type Session struct {
	ch *transport.Channel

	mu     sync.Mutex
	active bool
	codec  codec.Codec
	timer  *clock.Timer
}

func (s *Session) ID() uuid.UUID { return s.ch.ID() }

func (s *Session) RemoteAddr() net.Addr { return s.ch.RemoteAddr() }

// Active reports whether the session passed the handshake and is still open.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Codec is the value codec the peer announced in its handshake.
func (s *Session) Codec() codec.Codec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codec
}

// Send writes msg to the peer. Safe for concurrent use.
func (s *Session) Send(msg message.Message) error {
	if !s.Active() {
		return ErrNotConnected
	}
	return s.ch.SendMessage(msg)
}

func (s *Session) Close() error { return s.ch.Close() }
