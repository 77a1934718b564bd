package registry

import (
	"fmt"
	"sync"
)

// ServiceInstance is one reachable supervisor.
type ServiceInstance struct {
	Addr    string
	Weight  int // Weight for load balancing
	Version string
}

// Registry resolves a service name to its live instances.
type Registry interface {
	Discover(serviceName string) ([]ServiceInstance, error)
	Close() error
}

// Static is a fixed, in-memory registry.
type Static struct {
	mu        sync.RWMutex
	instances map[string][]ServiceInstance
}

func NewStatic() *Static {
	return &Static{instances: make(map[string][]ServiceInstance)}
}

// Add appends instances under serviceName.
func (s *Static) Add(serviceName string, instances ...ServiceInstance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[serviceName] = append(s.instances[serviceName], instances...)
}

func (s *Static) Discover(serviceName string) ([]ServiceInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	insts, ok := s.instances[serviceName]
	if !ok {
		return nil, fmt.Errorf("registry: no instances of %q", serviceName)
	}
	return append([]ServiceInstance(nil), insts...), nil
}

func (s *Static) Close() error { return nil }
