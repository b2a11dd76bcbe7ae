package connection

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"binrpc/codec"
	"binrpc/message"
	"binrpc/transport"
)

// Defaults applied by NewConfigBuilder.
const (
	DefaultName             = "Binary-Client"
	DefaultHost             = "127.0.0.1"
	DefaultPort             = 8888
	DefaultSecret           = "limitart-core"
	DefaultDialTimeout      = 5 * time.Second
	DefaultHandshakeTimeout = 5 * time.Second
)

// Resolver yields the address to dial on each connection attempt.
type Resolver interface {
	Resolve(ctx context.Context) (string, error)
}

// StaticResolver always resolves to the same address.
type StaticResolver string

func (r StaticResolver) Resolve(context.Context) (string, error) { return string(r), nil }

// Config is the immutable configuration of a client connection. Build one
// with NewConfigBuilder; a Config is passed and stored by value.
type Config struct {
	Name       string
	RemoteHost string
	RemotePort int
	// AutoReconnect is the fixed reconnect delay in seconds; 0 disables it.
	AutoReconnect     int
	Secret            string
	Decoder           message.Decoder
	Codec             codec.CodecType
	DialTimeout       time.Duration
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	Dialer            transport.Dialer
	Resolver          Resolver
}

// Addr is the configured remote endpoint.
func (c Config) Addr() string {
	return net.JoinHostPort(c.RemoteHost, strconv.Itoa(c.RemotePort))
}

// ReconnectDelay is AutoReconnect as a duration.
func (c Config) ReconnectDelay() time.Duration {
	return time.Duration(c.AutoReconnect) * time.Second
}

type ConfigBuilder struct {
	cfg Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{cfg: Config{
		Name:             DefaultName,
		RemoteHost:       DefaultHost,
		RemotePort:       DefaultPort,
		Secret:           DefaultSecret,
		Codec:            codec.CodecTypeJSON,
		DialTimeout:      DefaultDialTimeout,
		HandshakeTimeout: DefaultHandshakeTimeout,
	}}
}

func (b *ConfigBuilder) Name(name string) *ConfigBuilder {
	b.cfg.Name = name
	return b
}

func (b *ConfigBuilder) RemoteHost(host string) *ConfigBuilder {
	b.cfg.RemoteHost = host
	return b
}

func (b *ConfigBuilder) RemotePort(port int) *ConfigBuilder {
	b.cfg.RemotePort = port
	return b
}

// AutoReconnect sets the reconnect delay in seconds. 0 disables reconnect.
func (b *ConfigBuilder) AutoReconnect(seconds int) *ConfigBuilder {
	b.cfg.AutoReconnect = seconds
	return b
}

func (b *ConfigBuilder) Secret(secret string) *ConfigBuilder {
	b.cfg.Secret = secret
	return b
}

func (b *ConfigBuilder) Decoder(d message.Decoder) *ConfigBuilder {
	b.cfg.Decoder = d
	return b
}

func (b *ConfigBuilder) Codec(t codec.CodecType) *ConfigBuilder {
	b.cfg.Codec = t
	return b
}

func (b *ConfigBuilder) DialTimeout(d time.Duration) *ConfigBuilder {
	b.cfg.DialTimeout = d
	return b
}

func (b *ConfigBuilder) HandshakeTimeout(d time.Duration) *ConfigBuilder {
	b.cfg.HandshakeTimeout = d
	return b
}

// HeartbeatInterval enables heartbeats once the connection is active.
func (b *ConfigBuilder) HeartbeatInterval(d time.Duration) *ConfigBuilder {
	b.cfg.HeartbeatInterval = d
	return b
}

func (b *ConfigBuilder) Dialer(d transport.Dialer) *ConfigBuilder {
	b.cfg.Dialer = d
	return b
}

// Resolver replaces the static RemoteHost:RemotePort endpoint.
func (b *ConfigBuilder) Resolver(r Resolver) *ConfigBuilder {
	b.cfg.Resolver = r
	return b
}

// Build validates the settings and returns the finished Config.
func (b *ConfigBuilder) Build() (Config, error) {
	cfg := b.cfg
	if cfg.Name == "" {
		return Config{}, errors.New("connection: name is required")
	}
	if cfg.Resolver == nil {
		if cfg.RemotePort <= 0 || cfg.RemotePort > 0xFFFF {
			return Config{}, fmt.Errorf("connection: invalid port %d", cfg.RemotePort)
		}
		cfg.Resolver = StaticResolver(cfg.Addr())
	}
	if cfg.AutoReconnect < 0 {
		return Config{}, fmt.Errorf("connection: negative auto-reconnect %d", cfg.AutoReconnect)
	}
	if !codec.Known(cfg.Codec) {
		return Config{}, fmt.Errorf("connection: unknown codec %d", cfg.Codec)
	}
	if cfg.Decoder == nil {
		cfg.Decoder = message.DefaultDecoder()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &net.Dialer{}
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return cfg, nil
}

// MustBuild is Build that panics on error.
func (b *ConfigBuilder) MustBuild() Config {
	cfg, err := b.Build()
	if err != nil {
		panic(err)
	}
	return cfg
}
