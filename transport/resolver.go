package transport

import (
	"context"
	"fmt"

	"ipc-provider/loadbalance"
	"ipc-provider/registry"
)

// Resolver yields the supervisor address to dial.
type Resolver interface {
	Resolve(ctx context.Context) (string, error)
}

// StaticResolver always resolves to the same address.
type StaticResolver string

func (s StaticResolver) Resolve(context.Context) (string, error) {
	return string(s), nil
}

// RegistryResolver discovers the instances of Service and lets Balancer pick
// one. Key is handed to the balancer; the provider passes its process
// identifier so a consistent-hash balancer keeps it on one supervisor.
type RegistryResolver struct {
	Registry registry.Registry
	Balancer loadbalance.Balancer
	Service  string
	Key      string
}

func (r *RegistryResolver) Resolve(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	instances, err := r.Registry.Discover(r.Service)
	if err != nil {
		return "", fmt.Errorf("transport: discover %s: %w", r.Service, err)
	}
	instance, err := r.Balancer.Pick(instances, r.Key)
	if err != nil {
		return "", fmt.Errorf("transport: pick %s instance: %w", r.Service, err)
	}
	return instance.Addr, nil
}
