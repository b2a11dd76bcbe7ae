// Package server implements the RPC provider: service registration,
// middleware chain, parallel request processing and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept → handshake → session read loop (one goroutine per connection)
//	  → for each RPCRequest: go handleRequest (parallel processing)
//	    → Middleware Chain → businessHandler (codec.DecodeArgs → reflect.Call → Codec.Encode)
//	    → RPCResponse written on the session
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"binrpc/codec"
	"binrpc/connection"
	"binrpc/host"
	"binrpc/message"
	"binrpc/middleware"
	"binrpc/registry"
	"binrpc/rpc"
)

const DefaultRegistryTTL = 10

type Option func(*Server)

// WithRegistry publishes every provider to reg under advertiseAddr when
// Serve starts. advertiseAddr differs from the listen address because ":8080"
// is not routable from other hosts.
func WithRegistry(reg registry.Registry, advertiseAddr string) Option {
	return func(s *Server) {
		s.registry = reg
		s.advertiseAddr = advertiseAddr
	}
}

func WithRegistryTTL(seconds int64) Option { return func(s *Server) { s.ttl = seconds } }

func WithSecret(secret string) Option {
	return func(s *Server) { s.connOpts = append(s.connOpts, connection.WithSecret(secret)) }
}

func WithDecoder(d message.Decoder) Option {
	return func(s *Server) { s.connOpts = append(s.connOpts, connection.WithDecoder(d)) }
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *Server) { s.connOpts = append(s.connOpts, connection.WithHandshakeTimeout(d)) }
}

// WithMessageHandler receives every message that is not an RPC request.
func WithMessageHandler(fn func(*connection.Session, message.Message)) Option {
	return func(s *Server) { s.onMessage = fn }
}

// Server hosts service implementations.
type Server struct {
	logger    *zap.Logger
	conn      *connection.Server
	connOpts  []connection.ServerOption
	onMessage func(*connection.Session, message.Message)

	mu          sync.RWMutex
	services    []*service
	methods     map[rpc.ServiceName]*methodType
	receivers   map[rpc.ServiceName]*service
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middleware(middleware(...(businessHandler)))

	registry      registry.Registry
	advertiseAddr string
	ttl           int64

	reqMu    sync.RWMutex   // Orders wg.Add against the shutdown flag
	wg       sync.WaitGroup // Tracks in-flight requests for graceful shutdown
	shutdown atomic.Bool
}

func NewServer(h *host.Host, opts ...Option) *Server {
	s := &Server{
		logger:    h.Logger.Named("server"),
		methods:   make(map[rpc.ServiceName]*methodType),
		receivers: make(map[rpc.ServiceName]*service),
		ttl:       DefaultRegistryTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	connOpts := append([]connection.ServerOption{
		connection.WithServerLogger(h.Logger),
		connection.WithServerClock(h.Clock),
	}, s.connOpts...)
	s.conn = connection.NewServer(&sessionHandler{s: s}, connOpts...)
	s.handler = s.buildHandler()
	return s
}

// Use appends a middleware. Middlewares run in the order they are added.
func (s *Server) Use(mw middleware.Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middlewares = append(s.middlewares, mw)
	s.handler = s.buildHandlerLocked()
}

func (s *Server) buildHandler() middleware.HandlerFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buildHandlerLocked()
}

// buildHandlerLocked builds the chain once per change, not per request.
// Panic recovery is always the innermost layer.
func (s *Server) buildHandlerLocked() middleware.HandlerFunc {
	mws := append(append([]middleware.Middleware(nil), s.middlewares...), middleware.RecoverMiddleware(s.logger))
	return middleware.Chain(mws...)(s.businessHandler)
}

// Register publishes rcvr's methods under provider and version.
func (s *Server) Register(provider string, version int32, rcvr any) error {
	svc, err := newService(provider, version, rcvr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, mt := range svc.methods {
		if _, dup := s.methods[mt.name]; dup {
			return &rpc.RegistrationError{Type: svc.typ.String(), Field: mt.method.Name, Reason: fmt.Sprintf("%s already registered", mt.name)}
		}
	}
	for _, mt := range svc.methods {
		s.methods[mt.name] = mt
		s.receivers[mt.name] = svc
		s.logger.Debug("method registered", zap.Stringer("service", mt.name))
	}
	s.services = append(s.services, svc)
	return nil
}

// Listen binds addr. Addr is valid afterwards.
func (s *Server) Listen(addr string) error {
	return s.conn.Listen(addr)
}

func (s *Server) Addr() net.Addr { return s.conn.Addr() }

// Serve publishes providers to the registry, if any, and accepts
// connections until Shutdown.
func (s *Server) Serve() error {
	if s.registry != nil {
		for _, provider := range s.providers() {
			inst := registry.ServiceInstance{Addr: s.advertiseAddr, Version: provider.version}
			if err := s.registry.Register(context.Background(), provider.name, inst, s.ttl); err != nil {
				return fmt.Errorf("server: register %s: %w", provider.name, err)
			}
			s.logger.Info("provider published", zap.String("provider", provider.name), zap.String("addr", s.advertiseAddr))
		}
	}
	return s.conn.Serve()
}

// ListenAndServe is Listen followed by Serve.
func (s *Server) ListenAndServe(addr string) error {
	if err := s.Listen(addr); err != nil {
		return err
	}
	return s.Serve()
}

type provider struct {
	name    string
	version int32
}

func (s *Server) providers() []provider {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[provider]bool)
	var out []provider
	for _, svc := range s.services {
		p := provider{name: svc.provider, version: svc.version}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// Shutdown performs graceful shutdown:
//  1. Deregister all providers (clients stop resolving this server)
//  2. Refuse new requests
//  3. Wait for in-flight requests to finish (with timeout)
//  4. Close the listener and every session
func (s *Server) Shutdown(timeout time.Duration) error {
	var err error
	if s.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		g, gctx := errgroup.WithContext(ctx)
		for _, p := range s.providers() {
			p := p
			g.Go(func() error {
				return s.registry.Deregister(gctx, p.name, s.advertiseAddr)
			})
		}
		err = multierr.Append(err, g.Wait())
		cancel()
	}

	s.reqMu.Lock()
	s.shutdown.Store(true)
	s.reqMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		err = multierr.Append(err, errors.New("server: timeout waiting for ongoing requests to finish"))
	}

	err = multierr.Append(err, s.conn.Close())
	s.logger.Info("server stopped", zap.Error(err))
	return err
}

type sessionKey struct{}

// SessionFromContext returns the session a request arrived on.
func SessionFromContext(ctx context.Context) (*connection.Session, bool) {
	sess, ok := ctx.Value(sessionKey{}).(*connection.Session)
	return sess, ok
}

// handleRequest runs one request through the handler chain and writes the
// response on the session it came from.
func (s *Server) handleRequest(sess *connection.Session, req *message.RPCRequest) {
	defer s.wg.Done()

	s.mu.RLock()
	handler := s.handler
	s.mu.RUnlock()

	ctx := context.WithValue(context.Background(), sessionKey{}, sess)
	resp := handler(ctx, req)
	resp.RequestID = req.RequestID
	if err := sess.Send(resp); err != nil {
		s.logger.Warn("response not delivered",
			zap.Stringer("session", sess.ID()), zap.Uint32("request_id", req.RequestID), zap.Error(err))
	}
}

// businessHandler dispatches a request to the registered method. It is the
// innermost handler of the middleware chain.
func (s *Server) businessHandler(ctx context.Context, req *message.RPCRequest) *message.RPCResponse {
	s.mu.RLock()
	mt, ok := s.methods[req.Service]
	svc := s.receivers[req.Service]
	s.mu.RUnlock()
	if !ok {
		return middleware.Fail(req, message.CodeServiceNotFound, "service not found: "+req.Service.String())
	}

	c := codec.GetCodec(codec.CodecTypeJSON)
	if sess, ok := SessionFromContext(ctx); ok && sess.Codec() != nil {
		c = sess.Codec()
	}

	args, err := codec.DecodeArgs(c, req.Args, mt.ArgTypes)
	if err != nil {
		return middleware.Fail(req, message.CodeBadRequest, err.Error())
	}

	reply, err := svc.call(mt, reflect.ValueOf(ctx), args)
	if err != nil {
		code := message.CodeApplication
		var coder message.Coder
		if errors.As(err, &coder) {
			code = coder.RPCCode()
		}
		return middleware.Fail(req, code, err.Error())
	}

	resp := &message.RPCResponse{RequestID: req.RequestID, ErrorCode: message.CodeSuccess}
	if mt.ReplyType != nil {
		body, err := c.Encode(reply.Interface())
		if err != nil {
			return middleware.Fail(req, message.CodeInternal, "encode reply: "+err.Error())
		}
		resp.Return = body
	}
	return resp
}

// sessionHandler receives session events from the connection layer.
type sessionHandler struct {
	s *Server
}

func (h *sessionHandler) OnSessionActive(sess *connection.Session) {
	h.s.logger.Debug("session active", zap.Stringer("session", sess.ID()), zap.Stringer("remote", sess.RemoteAddr()))
}

func (h *sessionHandler) OnSessionInactive(sess *connection.Session) {
	h.s.logger.Debug("session inactive", zap.Stringer("session", sess.ID()))
}

func (h *sessionHandler) OnError(sess *connection.Session, err error) {
	h.s.logger.Warn("session error", zap.Stringer("session", sess.ID()), zap.Error(err))
}

// OnMessage dispatches each request to its own goroutine so a slow method
// does not block later requests on the same session.
func (h *sessionHandler) OnMessage(sess *connection.Session, msg message.Message) {
	s := h.s
	req, ok := msg.(*message.RPCRequest)
	if !ok {
		if s.onMessage != nil {
			s.onMessage(sess, msg)
			return
		}
		s.logger.Debug("unhandled message", zap.String("type", message.Name(msg)))
		return
	}

	s.reqMu.RLock()
	if s.shutdown.Load() {
		s.reqMu.RUnlock()
		_ = sess.Send(middleware.Fail(req, message.CodeInternal, "server shutting down"))
		return
	}
	s.wg.Add(1)
	s.reqMu.RUnlock()

	go s.handleRequest(sess, req)
}
