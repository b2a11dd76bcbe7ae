package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"binrpc/codec"
	"binrpc/connection"
	"binrpc/host"
	"binrpc/message"
	"binrpc/rpc"
	"binrpc/server"
)

type Args struct {
	A, B int
}

type Arith struct{}

func (a *Arith) Add(ctx context.Context, x, y int) (int, error) { return x + y, nil }

func (a *Arith) Multiply(args Args) (int, error) { return args.A * args.B, nil }

func (a *Arith) Div(x, y int) (int, error) {
	if y == 0 {
		return 0, errors.New("division by zero")
	}
	return x / y, nil
}

type ArithStub struct {
	_ rpc.Service `rpc:"arith,version=1"`

	Add      func(ctx context.Context, x, y int) (int, error)
	Multiply func(args Args) (int, error)
	Div      func(x, y int) (int, error)
	AddAsync func(x, y int, cb func(int)) error `rpc:"Add"`
}

var idNotice = message.MustPack(0x20, 0x01)

// notice is an application message carried next to RPC traffic.
type notice struct{ Text string }

func (*notice) ID() message.ID { return idNotice }

func (m *notice) MarshalBinary() ([]byte, error) {
	w := &message.Writer{}
	w.Str(m.Text)
	return w.Finish()
}

func (m *notice) UnmarshalBinary(data []byte) error {
	r := message.NewReader(data)
	m.Text = r.Str()
	return r.Err()
}

func noticeDecoder() *message.Registry {
	d := message.DefaultDecoder()
	d.MustRegister(func() message.Message { return &notice{} })
	return d
}

type appEvents struct {
	active   chan struct{}
	inactive chan struct{}
	msgs     chan message.Message
}

func newAppEvents() *appEvents {
	return &appEvents{
		active:   make(chan struct{}, 8),
		inactive: make(chan struct{}, 8),
		msgs:     make(chan message.Message, 8),
	}
}

func (e *appEvents) OnChannelActive(*connection.Client)                  { e.active <- struct{}{} }
func (e *appEvents) OnChannelInactive(*connection.Client)                { e.inactive <- struct{}{} }
func (e *appEvents) OnMessage(_ *connection.Client, msg message.Message) { e.msgs <- msg }
func (e *appEvents) OnError(*connection.Client, error)                   {}

func startServer(t *testing.T, opts ...server.Option) *server.Server {
	t.Helper()
	h := host.New(host.WithLogger(zap.NewNop()))
	svr := server.NewServer(h, opts...)
	require.NoError(t, svr.Register("arith", 1, &Arith{}))
	require.NoError(t, svr.Listen("127.0.0.1:0"))
	go svr.Serve()
	t.Cleanup(func() {
		_ = svr.Shutdown(time.Second)
		_ = h.Shutdown()
	})
	return svr
}

func newClient(t *testing.T, b *connection.ConfigBuilder, opts ...Option) (*Client, *host.Host) {
	t.Helper()
	h := host.New(host.WithLogger(zap.NewNop()), host.WithMetrics(prometheus.NewRegistry()))
	cli := New(h, b.MustBuild(), opts...)
	t.Cleanup(func() {
		cli.Disconnect()
		_ = h.Shutdown()
	})
	return cli, h
}

func connect(t *testing.T, cli *Client) {
	t.Helper()
	cli.Connect()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, cli.WaitActive(ctx))
}

func builderFor(svr *server.Server) *connection.ConfigBuilder {
	return connection.NewConfigBuilder().
		Name("test-client").
		Resolver(connection.StaticResolver(svr.Addr().String()))
}

func TestCall(t *testing.T) {
	svr := startServer(t)
	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeGob} {
		t.Run(ct.String(), func(t *testing.T) {
			cli, _ := newClient(t, builderFor(svr).Codec(ct))
			connect(t, cli)
			assert.Equal(t, connection.Active, cli.State())

			add := rpc.ServiceName{Module: "arith", Signature: "Add(int,int)", Version: 1}
			var sum int
			require.NoError(t, cli.Call(context.Background(), add, &sum, 1, 2))
			assert.Equal(t, 3, sum)

			mul := rpc.ServiceName{Module: "arith", Signature: "Multiply(Args)", Version: 1}
			var product int
			require.NoError(t, cli.Call(context.Background(), mul, &product, Args{A: 6, B: 7}))
			assert.Equal(t, 42, product)

			assert.Zero(t, cli.Engine().Pending())
		})
	}
}

func TestCallErrors(t *testing.T) {
	svr := startServer(t)
	cli, _ := newClient(t, builderFor(svr))
	connect(t, cli)

	missing := rpc.ServiceName{Module: "arith", Signature: "Add(int,int)", Version: 2}
	err := cli.Call(context.Background(), missing, nil, 1, 2)
	var remote *rpc.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, message.CodeServiceNotFound, remote.Code)

	div := rpc.ServiceName{Module: "arith", Signature: "Div(int,int)", Version: 1}
	err = cli.Call(context.Background(), div, nil, 1, 0)
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, message.CodeApplication, remote.Code)
	assert.Equal(t, "division by zero", remote.Message)
}

func TestProxies(t *testing.T) {
	svr := startServer(t)
	cli, _ := newClient(t, builderFor(svr))
	stub := &ArithStub{}
	require.NoError(t, cli.Register(stub))
	connect(t, cli)

	sum, err := stub.Add(context.Background(), 20, 22)
	require.NoError(t, err)
	assert.Equal(t, 42, sum)

	product, err := stub.Multiply(Args{A: 3, B: 5})
	require.NoError(t, err)
	assert.Equal(t, 15, product)

	_, err = stub.Div(1, 0)
	assert.ErrorIs(t, err, rpc.ErrRemote)

	got := make(chan int, 1)
	require.NoError(t, stub.AddAsync(2, 3, func(r int) { got <- r }))
	select {
	case r := <-got:
		assert.Equal(t, 5, r)
	case <-time.After(2 * time.Second):
		t.Fatal("async callback not called")
	}

	p, ok := rpc.Proxy[ArithStub](cli.Proxies())
	require.True(t, ok)
	assert.Same(t, stub, p)
}

func TestGoCallback(t *testing.T) {
	svr := startServer(t)
	cli, _ := newClient(t, builderFor(svr))
	connect(t, cli)

	got := make(chan int, 1)
	add := rpc.ServiceName{Module: "arith", Signature: "Add(int,int)", Version: 1}
	_, err := cli.Go(add, func(ret []byte) {
		var sum int
		if err := cli.Codec().Decode(ret, &sum); err == nil {
			got <- sum
		}
	}, 4, 5)
	require.NoError(t, err)

	select {
	case sum := <-got:
		assert.Equal(t, 9, sum)
	case <-time.After(2 * time.Second):
		t.Fatal("callback not called")
	}
}

func TestCallWhenDisconnected(t *testing.T) {
	svr := startServer(t)
	cli, _ := newClient(t, builderFor(svr))

	add := rpc.ServiceName{Module: "arith", Signature: "Add(int,int)", Version: 1}
	err := cli.Call(context.Background(), add, nil, 1, 2)
	assert.ErrorIs(t, err, connection.ErrNotConnected)
	assert.Zero(t, cli.Engine().Pending())
}

func TestMaxPending(t *testing.T) {
	svr := startServer(t)
	cli, h := newClient(t, builderFor(svr), WithMaxPending(1))
	connect(t, cli)

	add := rpc.ServiceName{Module: "arith", Signature: "Add(int,int)", Version: 1}
	// A call without callback stays in the table until awaited.
	call, err := cli.Engine().Go(add, mustArgs(t, cli, 1, 1), nil)
	require.NoError(t, err)

	_, err = cli.Go(add, nil, 2, 2)
	assert.ErrorIs(t, err, rpc.ErrOverloaded)
	assert.Equal(t, uint64(1), cli.Engine().Drops())

	_, err = cli.Engine().Await(context.Background(), call)
	require.NoError(t, err)

	// The engine exported its collectors to the host registry.
	n, err := testutil.GatherAndCount(h.Metrics.(prometheus.Gatherer), "binrpc_rpc_dropped_calls_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func mustArgs(t *testing.T, cli *Client, args ...any) []byte {
	t.Helper()
	payload, err := codec.EncodeArgs(cli.Codec(), args...)
	require.NoError(t, err)
	return payload
}

func TestApplicationMessages(t *testing.T) {
	echoed := make(chan struct{}, 1)
	svr := startServer(t,
		server.WithDecoder(noticeDecoder()),
		server.WithMessageHandler(func(sess *connection.Session, msg message.Message) {
			n := msg.(*notice)
			_ = sess.Send(&notice{Text: "re: " + n.Text})
			echoed <- struct{}{}
		}),
	)
	events := newAppEvents()
	cli, _ := newClient(t, builderFor(svr).Decoder(noticeDecoder()), WithHandler(events))
	connect(t, cli)
	<-events.active

	require.NoError(t, cli.Send(&notice{Text: "hello"}))
	<-echoed
	select {
	case msg := <-events.msgs:
		assert.Equal(t, "re: hello", msg.(*notice).Text)
	case <-time.After(2 * time.Second):
		t.Fatal("reply not delivered to application handler")
	}
}

func TestWaitActiveAfterReconnect(t *testing.T) {
	svr := startServer(t,
		server.WithDecoder(noticeDecoder()),
		server.WithMessageHandler(func(sess *connection.Session, msg message.Message) {
			if msg.(*notice).Text == "bye" {
				_ = sess.Close()
			}
		}),
	)
	events := newAppEvents()
	cli, _ := newClient(t, builderFor(svr).Decoder(noticeDecoder()).AutoReconnect(1), WithHandler(events))
	connect(t, cli)
	<-events.active

	// 服务端关闭会话，客户端应在重连延迟后恢复
	require.NoError(t, cli.Send(&notice{Text: "bye"}))
	select {
	case <-events.inactive:
	case <-time.After(2 * time.Second):
		t.Fatal("inactive not reported")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, cli.WaitActive(ctx))

	add := rpc.ServiceName{Module: "arith", Signature: "Add(int,int)", Version: 1}
	var sum int
	require.NoError(t, cli.Call(context.Background(), add, &sum, 1, 1))
	assert.Equal(t, 2, sum)
}

func TestWaitActiveHonoursContext(t *testing.T) {
	cli, _ := newClient(t, connection.NewConfigBuilder().Resolver(connection.StaticResolver("127.0.0.1:1")))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, cli.WaitActive(ctx), context.DeadlineExceeded)
}

func TestDefaultNamedClientsShareHost(t *testing.T) {
	svr := startServer(t)
	reg := prometheus.NewRegistry()
	h := host.New(host.WithLogger(zap.NewNop()), host.WithMetrics(reg))
	t.Cleanup(func() { _ = h.Shutdown() })

	cfg := connection.NewConfigBuilder().
		Resolver(connection.StaticResolver(svr.Addr().String())).
		MustBuild()
	require.Equal(t, connection.DefaultName, cfg.Name)

	var clients []*Client
	require.NotPanics(t, func() {
		clients = append(clients, New(h, cfg), New(h, cfg))
	})

	add := rpc.ServiceName{Module: "arith", Signature: "Add(int,int)", Version: 1}
	for i, cli := range clients {
		connect(t, cli)
		var sum int
		require.NoError(t, cli.Call(context.Background(), add, &sum, i, 10))
		assert.Equal(t, i+10, sum)
	}

	// 同名客户端共用一组指标
	n, err := testutil.GatherAndCount(reg, "binrpc_rpc_pending_calls")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	clients[0].Disconnect()
	var sum int
	require.NoError(t, clients[1].Call(context.Background(), add, &sum, 1, 1))
	assert.Equal(t, 2, sum)
}
