// Package loadbalance chooses which supervisor instance a provider connects
// to when discovery returns more than one.
//
// Three strategies are implemented:
//   - RoundRobin:      successive picks cycle through the instances
//   - WeightedRandom:  bigger supervisors receive proportionally more providers
//   - ConsistentHash:  a given process identifier always lands on the same supervisor
package loadbalance

import (
	"errors"
	"fmt"

	"ipc-provider/registry"
)

var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer is the interface for selection strategies. key identifies the
// caller (the process identifier); strategies that don't need it ignore it.
type Balancer interface {
	Pick(instances []registry.ServiceInstance, key string) (*registry.ServiceInstance, error)

	// Name returns the strategy name (for logging).
	Name() string
}

// New returns the balancer registered under name.
func New(name string) (Balancer, error) {
	switch name {
	case "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(), nil
	}
	return nil, fmt.Errorf("loadbalance: unknown strategy %q", name)
}
