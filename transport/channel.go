// Package transport implements the raw TCP channel underneath a connection.
//
// A Channel owns one net.Conn. A single read goroutine decodes frames and
// delivers them to the Handler in order; writers share the connection
// through a write mutex so frames from different goroutines never interleave.
//
//	goroutine-1 ──Send──┐
//	goroutine-2 ──Send──┼──→ writeMu ──→ net.Conn ──→ peer
//	heartbeat   ──Send──┘
//
//	readLoop: OnActive → OnFrame, OnFrame, ... → OnError? → OnInactive
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"binrpc/message"
	"binrpc/protocol"
)

// ErrClosed is returned by Send on a closed channel.
var ErrClosed = errors.New("transport: channel closed")

// Handler receives channel events. All callbacks for one channel run on that
// channel's read goroutine, in order.
type Handler interface {
	OnActive(ch *Channel)
	OnInactive(ch *Channel)
	OnFrame(ch *Channel, f protocol.Frame)
	OnError(ch *Channel, err error)
}

// Dialer opens outbound connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type options struct {
	logger *zap.Logger
	clock  clock.Clock
	dialer Dialer
}

type Option func(*options)

func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

// WithClock sets the clock driving the heartbeat ticker.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

func WithDialer(d Dialer) Option { return func(o *options) { o.dialer = d } }

func buildOptions(opts []Option) options {
	o := options{
		logger: zap.L(),
		clock:  clock.New(),
		dialer: &net.Dialer{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Channel is one framed TCP connection.
type Channel struct {
	id      uuid.UUID
	conn    net.Conn
	handler Handler
	logger  *zap.Logger
	clock   clock.Clock

	writeMu   sync.Mutex // One frame at a time on the wire
	startOnce sync.Once
	closed    atomic.Bool
	done      chan struct{}
}

// Dial connects to addr. The returned channel does not read until Start is
// called, so the caller can publish it before the first callback fires.
func Dial(ctx context.Context, addr string, h Handler, opts ...Option) (*Channel, error) {
	o := buildOptions(opts)
	conn, err := o.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return newChannel(conn, h, o), nil
}

// NewChannel wraps an already established connection.
func NewChannel(conn net.Conn, h Handler, opts ...Option) *Channel {
	return newChannel(conn, h, buildOptions(opts))
}

func newChannel(conn net.Conn, h Handler, o options) *Channel {
	id := uuid.New()
	return &Channel{
		id:      id,
		conn:    conn,
		handler: h,
		clock:   o.clock,
		logger: o.logger.Named("transport").With(
			zap.Stringer("channel", id),
			zap.Stringer("remote", conn.RemoteAddr()),
		),
		done: make(chan struct{}),
	}
}

func (c *Channel) ID() uuid.UUID { return c.id }

func (c *Channel) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *Channel) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// Done is closed when the channel is closed.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Writable reports whether the channel can still carry frames.
func (c *Channel) Writable() bool { return !c.closed.Load() }

// Start launches the read loop. Subsequent calls are no-ops.
func (c *Channel) Start() {
	c.startOnce.Do(func() { go c.readLoop() })
}

// Send writes one frame. Safe for concurrent use.
func (c *Channel) Send(id message.ID, body []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.Encode(c.conn, &protocol.Header{ID: id}, body)
}

// SendMessage marshals msg and writes it as one frame.
func (c *Channel) SendMessage(msg message.Message) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteMessage(c.conn, msg)
}

// Close closes the connection. The read loop observes the close and fires
// OnInactive. Close is idempotent.
func (c *Channel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.done)
	return c.conn.Close()
}

// StartHeartbeat sends a Heartbeat frame every interval until the channel
// closes. A failed write closes the channel.
func (c *Channel) StartHeartbeat(interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := c.clock.Ticker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := c.SendMessage(&message.Heartbeat{}); err != nil {
					c.logger.Debug("heartbeat failed", zap.Error(err))
					_ = c.Close()
					return
				}
			case <-c.done:
				return
			}
		}
	}()
}

// readLoop is the only reader of the connection: TCP is a byte stream and
// frame boundaries are only intact when reads are sequential.
func (c *Channel) readLoop() {
	c.handler.OnActive(c)
	defer func() {
		_ = c.Close()
		c.handler.OnInactive(c)
	}()

	for {
		f, err := protocol.ReadFrame(c.conn)
		if err != nil {
			if !c.closed.Load() && !errors.Is(err, io.EOF) {
				c.handler.OnError(c, err)
			}
			return
		}
		c.handler.OnFrame(c, f)
	}
}
