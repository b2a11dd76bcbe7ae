package client

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"binrpc/connection"
	"binrpc/host"
	"binrpc/rpc"
	"binrpc/server"
)

func setupBench(b *testing.B) *Client {
	h := host.New(host.WithLogger(zap.NewNop()))
	svr := server.NewServer(h)
	if err := svr.Register("arith", 1, &Arith{}); err != nil {
		b.Fatal(err)
	}
	if err := svr.Listen("127.0.0.1:0"); err != nil {
		b.Fatal(err)
	}
	go svr.Serve()

	cfg := connection.NewConfigBuilder().
		Name("bench").
		Resolver(connection.StaticResolver(svr.Addr().String())).
		MustBuild()
	cli := New(h, cfg, WithMaxPending(4096))
	cli.Connect()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := cli.WaitActive(ctx); err != nil {
		b.Fatal(err)
	}

	b.Cleanup(func() {
		cli.Disconnect()
		_ = svr.Shutdown(3 * time.Second)
		_ = h.Shutdown()
	})
	return cli
}

var benchAdd = rpc.ServiceName{Module: "arith", Signature: "Add(int,int)", Version: 1}

// 单 goroutine 串行调用
func BenchmarkSerialCall(b *testing.B) {
	cli := setupBench(b)
	ctx := context.Background()
	var sum int
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if err := cli.Call(ctx, benchAdd, &sum, 1, 2); err != nil {
			b.Fatal(err)
		}
	}
}

// 多 goroutine 共享一条连接
func BenchmarkConcurrentCall(b *testing.B) {
	cli := setupBench(b)
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		ctx := context.Background()
		var sum int
		for pb.Next() {
			if err := cli.Call(ctx, benchAdd, &sum, 1, 2); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

func BenchmarkProxyCall(b *testing.B) {
	cli := setupBench(b)
	stub := &ArithStub{}
	if err := cli.Register(stub); err != nil {
		b.Fatal(err)
	}
	ctx := context.Background()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := stub.Add(ctx, 1, 2); err != nil {
			b.Fatal(err)
		}
	}
}
