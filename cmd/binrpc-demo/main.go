// Command binrpc-demo runs an arith provider and a client calling it.
//
// Usage:
//
//	binrpc-demo -mode both
//	binrpc-demo -mode server -listen :8888 -advertise 10.0.0.5:8888 -etcd 127.0.0.1:2379
//	binrpc-demo -mode client -etcd 127.0.0.1:2379
//
// Without -etcd the provider and the client share an in-process registry,
// which only works with -mode both.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"binrpc/client"
	"binrpc/connection"
	"binrpc/host"
	"binrpc/middleware"
	"binrpc/registry"
	"binrpc/rpc"
	"binrpc/server"
)

type flags struct {
	mode        string
	listen      string
	advertise   string
	etcd        string
	metricsAddr string
	interval    time.Duration
	debug       bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "binrpc-demo: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var f flags
	flag.StringVar(&f.mode, "mode", "both", "server, client or both")
	flag.StringVar(&f.listen, "listen", "127.0.0.1:8888", "provider listen address")
	flag.StringVar(&f.advertise, "advertise", "127.0.0.1:8888", "provider address published to the registry")
	flag.StringVar(&f.etcd, "etcd", "", "comma-separated etcd endpoints; empty uses an in-process registry")
	flag.StringVar(&f.metricsAddr, "metrics", "", "address serving /metrics; empty disables it")
	flag.DurationVar(&f.interval, "interval", 2*time.Second, "client call interval")
	flag.BoolVar(&f.debug, "debug", false, "debug logging")
	flag.Parse()

	var runServer, runClient bool
	switch f.mode {
	case "server":
		runServer = true
	case "client":
		runClient = true
	case "both":
		runServer, runClient = true, true
	default:
		return fmt.Errorf("unknown mode %q", f.mode)
	}
	if f.etcd == "" && f.mode != "both" {
		return errors.New("-etcd is required unless -mode both")
	}

	opts := []fx.Option{
		fx.Supply(f),
		fx.Provide(newLogger, newMetrics, newHost, newRegistry),
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Named("fx")}
		}),
		fx.Invoke(serveMetrics),
	}
	if runServer {
		opts = append(opts, fx.Provide(newServer), fx.Invoke(startServer))
	}
	if runClient {
		opts = append(opts, fx.Provide(newClient), fx.Invoke(startClient))
	}

	app := fx.New(opts...)
	if err := app.Err(); err != nil {
		return err
	}
	app.Run()
	return nil
}

func newLogger(f flags) (*zap.Logger, error) {
	if f.debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func newMetrics() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newHost(lc fx.Lifecycle, logger *zap.Logger, reg *prometheus.Registry) *host.Host {
	h := host.New(host.WithLogger(logger), host.WithMetrics(reg))
	lc.Append(fx.StopHook(h.Shutdown))
	return h
}

func newRegistry(lc fx.Lifecycle, f flags, logger *zap.Logger) (registry.Registry, error) {
	if f.etcd == "" {
		return registry.NewMemoryRegistry(), nil
	}
	reg, err := registry.NewEtcdRegistry(strings.Split(f.etcd, ","), logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(reg.Close))
	return reg, nil
}

func serveMetrics(lc fx.Lifecycle, f flags, reg *prometheus.Registry, logger *zap.Logger) {
	if f.metricsAddr == "" {
		return
	}
	srv := &http.Server{
		Addr:              f.metricsAddr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: srv.Shutdown,
	})
}

// Arith is the demo provider.
type Arith struct{}

func (a *Arith) Add(ctx context.Context, x, y int) (int, error) { return x + y, nil }

func (a *Arith) Div(x, y int) (int, error) {
	if y == 0 {
		return 0, errors.New("division by zero")
	}
	return x / y, nil
}

// ArithStub is the client view of Arith.
type ArithStub struct {
	_ rpc.Service `rpc:"arith,version=1"`

	Add func(ctx context.Context, x, y int) (int, error)
	Div func(x, y int) (int, error)
}

func newServer(h *host.Host, reg registry.Registry, f flags) (*server.Server, error) {
	svr := server.NewServer(h, server.WithRegistry(reg, f.advertise))
	svr.Use(middleware.LoggingMiddleware(h.Logger))
	svr.Use(middleware.TimeoutMiddleware(2 * time.Second))
	svr.Use(middleware.RateLimitMiddleware(1000, 100))
	if err := svr.Register("arith", 1, &Arith{}); err != nil {
		return nil, err
	}
	return svr, nil
}

func startServer(lc fx.Lifecycle, svr *server.Server, f flags) {
	var g errgroup.Group
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if err := svr.Listen(f.listen); err != nil {
				return err
			}
			g.Go(svr.Serve)
			return nil
		},
		OnStop: func(context.Context) error {
			err := svr.Shutdown(5 * time.Second)
			return errors.Join(err, g.Wait())
		},
	})
}

func newClient(h *host.Host, reg registry.Registry) (*client.Client, *ArithStub, error) {
	cfg, err := connection.NewConfigBuilder().
		Name("demo-client").
		Resolver(registry.NewResolver(reg, "arith", 1)).
		AutoReconnect(1).
		HeartbeatInterval(5 * time.Second).
		Build()
	if err != nil {
		return nil, nil, err
	}
	cli := client.New(h, cfg)
	stub := &ArithStub{}
	if err := cli.Register(stub); err != nil {
		return nil, nil, err
	}
	return cli, stub, nil
}

func startClient(lc fx.Lifecycle, cli *client.Client, stub *ArithStub, f flags, logger *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	var g errgroup.Group
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			cli.Connect()
			g.Go(func() error {
				callLoop(ctx, stub, f.interval, logger.Named("demo"))
				return nil
			})
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			cli.Disconnect()
			return g.Wait()
		},
	})
}

func callLoop(ctx context.Context, stub *ArithStub, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		sum, err := stub.Add(ctx, i, i+1)
		if err != nil {
			logger.Warn("add failed", zap.Error(err))
			continue
		}
		logger.Info("add", zap.Int("x", i), zap.Int("y", i+1), zap.Int("sum", sum))

		if _, err := stub.Div(i, i%3); err != nil {
			logger.Info("div rejected", zap.Error(err))
		}
	}
}
