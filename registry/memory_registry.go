package registry

import (
	"context"
	"sort"
	"sync"
)

// MemoryRegistry is an in-process registry for static endpoint lists and
// tests. Entries never expire.
type MemoryRegistry struct {
	mu       sync.Mutex
	services map[string]map[string]Endpoint
	watchers map[string][]chan []Endpoint
}

// NewMemoryRegistry returns an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		services: make(map[string]map[string]Endpoint),
		watchers: make(map[string][]chan []Endpoint),
	}
}

// Static returns a registry holding eps under service.
func Static(service string, eps ...Endpoint) (*MemoryRegistry, error) {
	r := NewMemoryRegistry()
	for _, ep := range eps {
		if err := r.Register(context.Background(), service, ep, 0); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *MemoryRegistry) Register(ctx context.Context, service string, ep Endpoint, ttl int64) error {
	if err := ep.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.services[service] == nil {
		r.services[service] = make(map[string]Endpoint)
	}
	r.services[service][ep.Name] = ep
	r.notifyLocked(service)
	return nil
}

func (r *MemoryRegistry) Deregister(ctx context.Context, service, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[service][name]; !ok {
		return nil
	}
	delete(r.services[service], name)
	r.notifyLocked(service)
	return nil
}

func (r *MemoryRegistry) Discover(ctx context.Context, service string) ([]Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked(service), nil
}

func (r *MemoryRegistry) Watch(ctx context.Context, service string) (<-chan []Endpoint, error) {
	ch := make(chan []Endpoint, 1)
	r.mu.Lock()
	r.watchers[service] = append(r.watchers[service], ch)
	publish(ch, r.listLocked(service))
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		ws := r.watchers[service]
		for i, w := range ws {
			if w == ch {
				r.watchers[service] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

// listLocked returns the endpoints of service sorted by name, so balancers
// see a stable order.
func (r *MemoryRegistry) listLocked(service string) []Endpoint {
	list := make([]Endpoint, 0, len(r.services[service]))
	for _, ep := range r.services[service] {
		list = append(list, ep)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

func (r *MemoryRegistry) notifyLocked(service string) {
	for _, ch := range r.watchers[service] {
		publish(ch, r.listLocked(service))
	}
}
