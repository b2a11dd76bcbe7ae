// Package connection manages handshaked binary connections.
//
// The client side dials one remote endpoint, performs the shared-secret
// handshake and reconnects after a fixed delay when the link drops:
//
//	Disconnected ─Connect→ Connecting ─dial ok→ Handshaking ─accepted→ Active
//	     ↑                     │ dial failed          │ rejected/timeout     │ closed
//	     └─────────────────────┴──────────────────────┴──────────────────────┘
//	                     (reconnect after AutoReconnect seconds)
//
// The server side validates the handshake of every accepted channel before
// handing its messages to the application.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"binrpc/message"
	"binrpc/protocol"
	"binrpc/scheduler"
	"binrpc/transport"
)

var (
	// ErrHandshakeRejected is reported when the server refuses the handshake.
	// The client does not reconnect after a rejection.
	ErrHandshakeRejected = errors.New("connection: handshake rejected")
	// ErrNotConnected is returned by Send when no active channel exists.
	ErrNotConnected = errors.New("connection: not connected")
)

// Handler receives connection events. Calls are serialized per Client.
type Handler interface {
	OnChannelActive(c *Client)
	OnChannelInactive(c *Client)
	OnMessage(c *Client, msg message.Message)
	OnError(c *Client, err error)
}

type ClientOption func(*Client)

func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// Client is the client role of a connection. All state transitions happen
// under mu; dials run on the client's scheduler queue.
type Client struct {
	cfg     Config
	handler Handler
	queue   *scheduler.Queue
	clock   clock.Clock
	logger  *zap.Logger

	mu         sync.Mutex
	state      State
	epoch      uint64 // Bumped by Disconnect; dials and timers from older epochs are ignored
	stopped    bool   // Set by Disconnect or a rejected handshake; blocks reconnect
	connecting bool
	channel    *transport.Channel
	activeCh   *transport.Channel // Channel that reached Active, for OnChannelInactive
	reconnect  *scheduler.Task
	handshake  *clock.Timer

	hookMu sync.Mutex
}

func NewClient(cfg Config, h Handler, sched *scheduler.Scheduler, opts ...ClientOption) *Client {
	c := &Client{
		cfg:     cfg,
		handler: h,
		queue:   sched.Queue("connection:" + cfg.Name + ":" + uuid.NewString()),
		clock:   sched.Clock(),
		logger:  zap.L(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("connection").With(zap.String("client", cfg.Name))
	return c
}

func (c *Client) Config() Config { return c.cfg }

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect starts an asynchronous connection attempt. It is a no-op while a
// writable channel exists or an attempt is in flight. Failures are logged and
// handled by the reconnect policy; Connect never reports them.
func (c *Client) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = false
	c.connectLocked()
}

// Disconnect closes the connection and cancels any pending reconnect. Dials
// already in flight are discarded when they complete.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.stopped = true
	c.epoch++
	c.connecting = false
	if c.reconnect != nil {
		c.reconnect.Cancel()
		c.reconnect = nil
	}
	c.stopHandshakeTimerLocked()
	ch := c.channel
	c.channel = nil
	c.state = Disconnected
	c.mu.Unlock()

	if ch != nil {
		_ = ch.Close()
	}
	c.logger.Info("disconnected")
}

// ScheduleReconnect closes any stale channel and connects again, immediately
// when delay is zero or after delay otherwise.
func (c *Client) ScheduleReconnect(delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = false
	c.reconnectLocked(delay)
}

// Send writes msg on the active channel.
func (c *Client) Send(msg message.Message) error {
	c.mu.Lock()
	ch := c.channel
	active := c.state == Active
	c.mu.Unlock()

	if ch == nil || !active {
		return ErrNotConnected
	}
	return ch.SendMessage(msg)
}

func (c *Client) connectLocked() {
	if c.stopped || c.connecting {
		return
	}
	if c.channel != nil && c.channel.Writable() {
		return
	}
	c.connecting = true
	c.state = Connecting
	epoch := c.epoch
	if err := c.queue.Execute(func() { c.dial(epoch) }); err != nil {
		c.connecting = false
		c.state = Disconnected
		c.logger.Warn("connect not scheduled", zap.Error(err))
	}
}

// scheduleReconnectLocked applies the configured reconnect policy.
func (c *Client) scheduleReconnectLocked() {
	if c.stopped || c.cfg.AutoReconnect <= 0 {
		return
	}
	c.reconnectLocked(c.cfg.ReconnectDelay())
}

func (c *Client) reconnectLocked(delay time.Duration) {
	if ch := c.channel; ch != nil {
		c.channel = nil
		c.stopHandshakeTimerLocked()
		_ = ch.Close()
	}
	c.state = Disconnected
	if c.reconnect != nil {
		c.reconnect.Cancel()
		c.reconnect = nil
	}
	if delay <= 0 {
		c.connectLocked()
		return
	}

	c.logger.Info("reconnect scheduled", zap.Duration("delay", delay))
	epoch := c.epoch
	c.reconnect = c.queue.RunAfter(delay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if epoch != c.epoch {
			return
		}
		c.reconnect = nil
		c.connectLocked()
	})
}

func (c *Client) dial(epoch uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	defer cancel()

	addr, err := c.cfg.Resolver.Resolve(ctx)
	var ch *transport.Channel
	if err == nil {
		ch, err = transport.Dial(ctx, addr, &clientChannel{c: c}, transport.WithDialer(c.cfg.Dialer),
			transport.WithLogger(c.logger), transport.WithClock(c.clock))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch {
		if ch != nil {
			_ = ch.Close()
		}
		return
	}
	c.connecting = false
	if err != nil {
		c.logger.Warn("connect failed", zap.String("addr", addr), zap.Error(err))
		c.state = Disconnected
		c.scheduleReconnectLocked()
		return
	}

	c.logger.Debug("channel connected", zap.String("addr", addr), zap.Stringer("channel", ch.ID()))
	c.channel = ch
	c.state = Handshaking
	ch.Start()
}

func (c *Client) stopHandshakeTimerLocked() {
	if c.handshake != nil {
		c.handshake.Stop()
		c.handshake = nil
	}
}

func (c *Client) hook(fn func()) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	fn()
}

// clientChannel adapts transport callbacks onto the client state machine.
type clientChannel struct {
	c *Client
}

func (h *clientChannel) OnActive(ch *transport.Channel) {
	c := h.c
	c.mu.Lock()
	if c.channel != ch {
		c.mu.Unlock()
		_ = ch.Close()
		return
	}
	c.handshake = c.clock.AfterFunc(c.cfg.HandshakeTimeout, func() { c.handshakeExpired(ch) })
	c.mu.Unlock()

	req := &message.HandshakeRequest{Secret: c.cfg.Secret, Codec: byte(c.cfg.Codec)}
	if err := ch.SendMessage(req); err != nil {
		c.logger.Warn("handshake send failed", zap.Error(err))
		_ = ch.Close()
	}
}

func (h *clientChannel) OnFrame(ch *transport.Channel, f protocol.Frame) {
	c := h.c
	msg, err := c.cfg.Decoder.Decode(f.ID, f.Body)
	if err != nil {
		c.logger.Warn("undecodable message", zap.Stringer("id", f.ID), zap.Error(err))
		c.hook(func() { c.handler.OnError(c, err) })
		return
	}

	switch m := msg.(type) {
	case *message.HandshakeResult:
		c.onHandshakeResult(ch, m)
	case *message.Heartbeat:
	default:
		c.mu.Lock()
		active := c.channel == ch && c.state == Active
		c.mu.Unlock()
		if !active {
			c.logger.Debug("message before handshake dropped", zap.String("type", message.Name(msg)))
			return
		}
		c.hook(func() { c.handler.OnMessage(c, msg) })
	}
}

func (h *clientChannel) OnError(_ *transport.Channel, err error) {
	c := h.c
	c.logger.Warn("channel error", zap.Error(err))
	c.hook(func() { c.handler.OnError(c, err) })
}

func (h *clientChannel) OnInactive(ch *transport.Channel) {
	c := h.c
	c.mu.Lock()
	wasActive := c.activeCh == ch
	if wasActive {
		c.activeCh = nil
	}
	if c.channel == ch {
		c.channel = nil
		c.state = Disconnected
		c.stopHandshakeTimerLocked()
		c.scheduleReconnectLocked()
	}
	c.mu.Unlock()

	c.logger.Info("channel inactive", zap.Stringer("channel", ch.ID()))
	if wasActive {
		c.hook(func() { c.handler.OnChannelInactive(c) })
	}
}

func (c *Client) onHandshakeResult(ch *transport.Channel, res *message.HandshakeResult) {
	c.mu.Lock()
	if c.channel != ch || c.state != Handshaking {
		c.mu.Unlock()
		return
	}
	c.stopHandshakeTimerLocked()
	if !res.Accepted {
		c.stopped = true
		c.mu.Unlock()

		err := fmt.Errorf("%w: %s", ErrHandshakeRejected, res.Reason)
		c.logger.Error("handshake rejected", zap.String("reason", res.Reason))
		c.hook(func() { c.handler.OnError(c, err) })
		_ = ch.Close()
		return
	}
	c.state = Active
	c.activeCh = ch
	c.mu.Unlock()

	ch.StartHeartbeat(c.cfg.HeartbeatInterval)
	c.logger.Info("channel active", zap.Stringer("channel", ch.ID()))
	c.hook(func() { c.handler.OnChannelActive(c) })
}

func (c *Client) handshakeExpired(ch *transport.Channel) {
	c.mu.Lock()
	expired := c.channel == ch && c.state == Handshaking
	c.mu.Unlock()
	if expired {
		c.logger.Warn("handshake timed out", zap.Duration("timeout", c.cfg.HandshakeTimeout))
		_ = ch.Close()
	}
}
