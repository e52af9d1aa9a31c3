// Package registry keeps track of the endpoints serving a named service.
// An endpoint is a command that, once spawned, speaks JSON-RPC on its
// standard streams; clients discover endpoints here and spawn them on
// demand.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidEndpoint is wrapped by Endpoint.Validate failures.
var ErrInvalidEndpoint = errors.New("invalid endpoint")

// Endpoint describes how to spawn one serving subprocess.
type Endpoint struct {
	Name    string   `json:"name"` // Unique within a service
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Weight  int      `json:"weight,omitempty"` // Weight for load balancing
	Version string   `json:"version,omitempty"`
}

// Validate checks the fields every registry relies on.
func (e Endpoint) Validate() error {
	switch {
	case e.Name == "":
		return fmt.Errorf("%w: empty name", ErrInvalidEndpoint)
	case strings.Contains(e.Name, "/"):
		return fmt.Errorf("%w: name %q contains '/'", ErrInvalidEndpoint, e.Name)
	case e.Command == "":
		return fmt.Errorf("%w: %s: empty command", ErrInvalidEndpoint, e.Name)
	case e.Weight < 0:
		return fmt.Errorf("%w: %s: negative weight", ErrInvalidEndpoint, e.Name)
	}
	return nil
}

// Registry stores the endpoints serving each service.
type Registry interface {
	// Register publishes ep under service. ttl is in seconds; registries
	// without expiry ignore it.
	Register(ctx context.Context, service string, ep Endpoint, ttl int64) error
	Deregister(ctx context.Context, service, name string) error
	Discover(ctx context.Context, service string) ([]Endpoint, error)
	// Watch emits the full endpoint list of service, first immediately and
	// then after every change, until ctx ends. Slow readers only see the
	// latest list.
	Watch(ctx context.Context, service string) (<-chan []Endpoint, error)
}

// publish replaces whatever the reader has not consumed yet with list.
func publish(ch chan []Endpoint, list []Endpoint) {
	for {
		select {
		case ch <- list:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
