// Package loadbalance picks which endpoint serves a call.
//
// Three strategies are implemented:
//   - RoundRobin:      interchangeable endpoints
//   - WeightedRandom:  endpoints of different capacity
//   - ConsistentHash:  stateful endpoints that should see the same keys
package loadbalance

import (
	"errors"
	"fmt"

	"mini-jsonrpc/registry"
)

// ErrNoEndpoints is returned by Pick on an empty endpoint list.
var ErrNoEndpoints = errors.New("no endpoints available")

// Balancer is called before every call and must be goroutine-safe.
type Balancer interface {
	// Pick selects one endpoint. key is the call's balancing key; only
	// key-aware strategies look at it.
	Pick(key string, endpoints []registry.Endpoint) (*registry.Endpoint, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer called name: "roundrobin", "weighted" or "hash".
func New(name string) (Balancer, error) {
	switch name {
	case "", "roundrobin":
		return &RoundRobinBalancer{}, nil
	case "weighted":
		return &WeightedRandomBalancer{}, nil
	case "hash":
		return NewConsistentHashBalancer(), nil
	default:
		return nil, fmt.Errorf("unknown balancer %q", name)
	}
}
