// Package client is the calling side of binrpc: one connection to one
// remote endpoint, a call-correlation engine on top of it, and proxies
// generated from stub structs.
//
//	stub.Add(ctx, 1, 2) ──→ ProxyFactory ──→ Engine.Call ──→ connection.Client ──→ TCP
//	                                             ↑
//	OnMessage(RPCResponse) ──────────────────────┘
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"binrpc/codec"
	"binrpc/connection"
	"binrpc/host"
	"binrpc/message"
	"binrpc/rpc"
)

type Option func(*options)

type options struct {
	handler     connection.Handler
	maxPending  int
	callTimeout time.Duration
}

// WithHandler receives lifecycle events and every message that is not an
// RPC response.
func WithHandler(h connection.Handler) Option { return func(o *options) { o.handler = h } }

func WithMaxPending(n int) Option { return func(o *options) { o.maxPending = n } }

func WithCallTimeout(d time.Duration) Option { return func(o *options) { o.callTimeout = d } }

type Client struct {
	conn    *connection.Client
	engine  *rpc.Engine
	proxies *rpc.ProxyFactory
	codec   codec.Codec
	app     connection.Handler
	logger  *zap.Logger

	mu    sync.Mutex
	ready chan struct{} // Closed while the connection is active
}

func New(h *host.Host, cfg connection.Config, opts ...Option) *Client {
	o := options{
		maxPending:  rpc.DefaultMaxPending,
		callTimeout: rpc.DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{
		codec:  codec.GetCodec(cfg.Codec),
		app:    o.handler,
		logger: h.Logger.Named("client").With(zap.String("client", cfg.Name)),
		ready:  make(chan struct{}),
	}
	c.conn = connection.NewClient(cfg, c, h.Scheduler, connection.WithLogger(h.Logger))
	c.engine = rpc.NewEngine(c.conn,
		rpc.WithName(cfg.Name),
		rpc.WithMaxPending(o.maxPending),
		rpc.WithCallTimeout(o.callTimeout),
		rpc.WithClock(h.Clock),
		rpc.WithLogger(h.Logger),
		rpc.WithRegisterer(h.Metrics),
	)
	c.proxies = rpc.NewProxyFactory(c.engine, c.codec, h.Logger)
	h.OnShutdown(func() error {
		c.Disconnect()
		return nil
	})
	return c
}

func (c *Client) Engine() *rpc.Engine { return c.engine }

func (c *Client) Proxies() *rpc.ProxyFactory { return c.proxies }

func (c *Client) Codec() codec.Codec { return c.codec }

func (c *Client) State() connection.State { return c.conn.State() }

func (c *Client) Connect() { c.conn.Connect() }

func (c *Client) Disconnect() { c.conn.Disconnect() }

// Send writes an application message on the connection.
func (c *Client) Send(msg message.Message) error { return c.conn.Send(msg) }

// Register turns stub structs into remote proxies.
func (c *Client) Register(stubs ...any) error { return c.proxies.Register(stubs...) }

// WaitActive blocks until the connection has completed its handshake or ctx
// is done.
func (c *Client) WaitActive(ctx context.Context) error {
	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Call invokes name with args and decodes the result into reply, which may
// be nil when the method returns nothing.
func (c *Client) Call(ctx context.Context, name rpc.ServiceName, reply any, args ...any) error {
	payload, err := codec.EncodeArgs(c.codec, args...)
	if err != nil {
		return fmt.Errorf("client: %s: %w", name, err)
	}
	ret, err := c.engine.Call(ctx, name, payload)
	if err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	if err := c.codec.Decode(ret, reply); err != nil {
		return fmt.Errorf("client: %s: decode reply: %w", name, err)
	}
	return nil
}

// Go invokes name without waiting. callback receives the raw return
// payload of a successful response; decode it with Codec.
func (c *Client) Go(name rpc.ServiceName, callback func([]byte), args ...any) (*rpc.PendingCall, error) {
	payload, err := codec.EncodeArgs(c.codec, args...)
	if err != nil {
		return nil, fmt.Errorf("client: %s: %w", name, err)
	}
	if callback == nil {
		callback = func([]byte) {}
	}
	return c.engine.Go(name, payload, callback)
}

func (c *Client) OnChannelActive(conn *connection.Client) {
	c.mu.Lock()
	select {
	case <-c.ready:
	default:
		close(c.ready)
	}
	c.mu.Unlock()
	if c.app != nil {
		c.app.OnChannelActive(conn)
	}
}

func (c *Client) OnChannelInactive(conn *connection.Client) {
	c.mu.Lock()
	select {
	case <-c.ready:
		c.ready = make(chan struct{})
	default:
	}
	c.mu.Unlock()
	if c.app != nil {
		c.app.OnChannelInactive(conn)
	}
}

func (c *Client) OnMessage(conn *connection.Client, msg message.Message) {
	if resp, ok := msg.(*message.RPCResponse); ok {
		c.engine.HandleResponse(resp)
		return
	}
	if c.app != nil {
		c.app.OnMessage(conn, msg)
		return
	}
	c.logger.Debug("unhandled message", zap.String("type", message.Name(msg)))
}

func (c *Client) OnError(conn *connection.Client, err error) {
	if c.app != nil {
		c.app.OnError(conn, err)
	}
}
