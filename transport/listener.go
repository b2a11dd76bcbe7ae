package transport

import (
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Listener accepts inbound connections and turns each into a started Channel.
type Listener struct {
	ln      net.Listener
	handler Handler
	opts    []Option
	logger  *zap.Logger

	shutdown atomic.Bool // Set before closing ln so Serve can tell a close from a failure
	mu       sync.Mutex
	channels map[*Channel]struct{}
	wg       sync.WaitGroup
}

func Listen(addr string, h Handler, opts ...Option) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	return &Listener{
		ln:       ln,
		handler:  h,
		opts:     opts,
		logger:   o.logger.Named("transport").With(zap.Stringer("listen", ln.Addr())),
		channels: make(map[*Channel]struct{}),
	}, nil
}

func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Serve runs the accept loop until Close. It returns nil after Close and the
// accept error otherwise.
func (l *Listener) Serve() error {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if l.shutdown.Load() {
				return nil
			}
			return err
		}

		ch := NewChannel(conn, &trackingHandler{Handler: l.handler, l: l}, l.opts...)
		l.mu.Lock()
		if l.shutdown.Load() {
			l.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		l.channels[ch] = struct{}{}
		l.wg.Add(1)
		l.mu.Unlock()

		ch.Start()
	}
}

// Close stops accepting, closes every open channel and waits for their read
// loops to finish.
func (l *Listener) Close() error {
	if l.shutdown.Swap(true) {
		return nil
	}
	err := l.ln.Close()

	l.mu.Lock()
	channels := make([]*Channel, 0, len(l.channels))
	for ch := range l.channels {
		channels = append(channels, ch)
	}
	l.mu.Unlock()

	for _, ch := range channels {
		err = multierr.Append(err, ch.Close())
	}
	l.wg.Wait()
	return err
}

// trackingHandler removes a channel from the listener once it goes inactive.
type trackingHandler struct {
	Handler
	l *Listener
}

func (h *trackingHandler) OnInactive(ch *Channel) {
	defer h.l.wg.Done()
	h.Handler.OnInactive(ch)
	h.l.mu.Lock()
	delete(h.l.channels, ch)
	h.l.mu.Unlock()
}
