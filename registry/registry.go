// Package registry publishes providers and resolves the endpoint a client
// should dial.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// ErrNoInstance is returned by a Resolver when no matching provider is
// registered.
var ErrNoInstance = errors.New("registry: no instance available")

type ServiceInstance struct {
	Addr     string
	Version  int32
	Metadata map[string]string `json:",omitempty"`
}

type Registry interface {
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}

// Resolver picks the endpoint for one provider and version. It always
// returns the lowest address among matching instances, so a client keeps
// dialing the same endpoint while it stays registered.
type Resolver struct {
	reg      Registry
	provider string
	version  int32
}

func NewResolver(reg Registry, provider string, version int32) *Resolver {
	return &Resolver{reg: reg, provider: provider, version: version}
}

func (r *Resolver) Resolve(ctx context.Context) (string, error) {
	instances, err := r.reg.Discover(ctx, r.provider)
	if err != nil {
		return "", err
	}
	addrs := make([]string, 0, len(instances))
	for _, inst := range instances {
		if inst.Version == r.version {
			addrs = append(addrs, inst.Addr)
		}
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("%w: %s version %d", ErrNoInstance, r.provider, r.version)
	}
	sort.Strings(addrs)
	return addrs[0], nil
}
