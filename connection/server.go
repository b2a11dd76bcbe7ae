package connection

import (
	"crypto/subtle"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"binrpc/codec"
	"binrpc/message"
	"binrpc/protocol"
	"binrpc/transport"
)

// ServerHandler receives session events. Calls for one session arrive on
// that session's read goroutine, in order.
type ServerHandler interface {
	OnSessionActive(s *Session)
	OnSessionInactive(s *Session)
	OnMessage(s *Session, msg message.Message)
	OnError(s *Session, err error)
}

type ServerOption func(*Server)

func WithSecret(secret string) ServerOption {
	return func(s *Server) { s.secret = secret }
}

func WithDecoder(d message.Decoder) ServerOption {
	return func(s *Server) { s.decoder = d }
}

func WithHandshakeTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.handshakeTimeout = d }
}

func WithServerLogger(l *zap.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

func WithServerClock(c clock.Clock) ServerOption {
	return func(s *Server) { s.clock = c }
}

// Server is the accepting role of a connection.
type Server struct {
	handler          ServerHandler
	secret           string
	decoder          message.Decoder
	handshakeTimeout time.Duration
	clock            clock.Clock
	logger           *zap.Logger

	listener *transport.Listener
	sessions sync.Map // *transport.Channel → *Session
}

func NewServer(h ServerHandler, opts ...ServerOption) *Server {
	s := &Server{
		handler:          h,
		secret:           DefaultSecret,
		decoder:          message.DefaultDecoder(),
		handshakeTimeout: DefaultHandshakeTimeout,
		clock:            clock.New(),
		logger:           zap.L(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("connection")
	return s
}

// Listen binds addr. Call Serve to start accepting.
func (s *Server) Listen(addr string) error {
	ln, err := transport.Listen(addr, &serverChannel{s: s},
		transport.WithLogger(s.logger), transport.WithClock(s.clock))
	if err != nil {
		return err
	}
	s.listener = ln
	s.logger.Info("listening", zap.Stringer("addr", ln.Addr()))
	return nil
}

// Serve accepts connections until Close.
func (s *Server) Serve() error {
	if s.listener == nil {
		return errors.New("connection: Serve called before Listen")
	}
	return s.listener.Serve()
}

func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting and closes every session.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// Sessions returns the number of open sessions, handshaked or not.
func (s *Server) Sessions() int {
	n := 0
	s.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (s *Server) session(ch *transport.Channel) *Session {
	v, ok := s.sessions.Load(ch)
	if !ok {
		return nil
	}
	return v.(*Session)
}

func (s *Server) reject(sess *Session, reason string) {
	s.logger.Warn("handshake rejected",
		zap.Stringer("session", sess.ID()), zap.Stringer("remote", sess.RemoteAddr()), zap.String("reason", reason))
	_ = sess.ch.SendMessage(&message.HandshakeResult{Accepted: false, Reason: reason})
	_ = sess.ch.Close()
}

func (s *Server) handshake(sess *Session, msg message.Message) {
	req, ok := msg.(*message.HandshakeRequest)
	if !ok {
		s.reject(sess, "handshake required")
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.Secret), []byte(s.secret)) != 1 {
		s.reject(sess, "bad secret")
		return
	}
	c := codec.GetCodec(codec.CodecType(req.Codec))
	if c == nil {
		s.reject(sess, "unknown codec")
		return
	}

	sess.mu.Lock()
	if sess.timer != nil {
		sess.timer.Stop()
		sess.timer = nil
	}
	sess.codec = c
	sess.active = true
	sess.mu.Unlock()

	if err := sess.ch.SendMessage(&message.HandshakeResult{Accepted: true}); err != nil {
		_ = sess.ch.Close()
		return
	}
	s.logger.Debug("session active", zap.Stringer("session", sess.ID()), zap.Stringer("codec", c.Type()))
	s.handler.OnSessionActive(sess)
}

// serverChannel adapts transport callbacks onto sessions.
type serverChannel struct {
	s *Server
}

func (h *serverChannel) OnActive(ch *transport.Channel) {
	s := h.s
	sess := &Session{ch: ch}
	sess.timer = s.clock.AfterFunc(s.handshakeTimeout, func() {
		if !sess.Active() {
			s.logger.Warn("handshake timed out", zap.Stringer("session", sess.ID()))
			_ = ch.Close()
		}
	})
	s.sessions.Store(ch, sess)
}

func (h *serverChannel) OnFrame(ch *transport.Channel, f protocol.Frame) {
	s := h.s
	sess := s.session(ch)
	if sess == nil {
		return
	}

	msg, err := s.decoder.Decode(f.ID, f.Body)
	if !sess.Active() {
		if err != nil {
			s.reject(sess, "malformed handshake")
			return
		}
		s.handshake(sess, msg)
		return
	}
	if err != nil {
		s.logger.Warn("undecodable message", zap.Stringer("session", sess.ID()), zap.Error(err))
		s.handler.OnError(sess, err)
		return
	}

	switch msg.(type) {
	case *message.Heartbeat, *message.HandshakeRequest:
		return
	}
	s.handler.OnMessage(sess, msg)
}

func (h *serverChannel) OnError(ch *transport.Channel, err error) {
	s := h.s
	if sess := s.session(ch); sess != nil && sess.Active() {
		s.handler.OnError(sess, err)
	}
}

func (h *serverChannel) OnInactive(ch *transport.Channel) {
	s := h.s
	v, ok := s.sessions.LoadAndDelete(ch)
	if !ok {
		return
	}
	sess := v.(*Session)
	sess.mu.Lock()
	if sess.timer != nil {
		sess.timer.Stop()
		sess.timer = nil
	}
	wasActive := sess.active
	sess.active = false
	sess.mu.Unlock()

	if wasActive {
		s.handler.OnSessionInactive(sess)
	}
}
