package client

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"mini-jsonrpc/loadbalance"
	"mini-jsonrpc/logging"
	"mini-jsonrpc/registry"
	"mini-jsonrpc/transport"
)

// ErrPoolClosed is returned by calls on a closed Pool.
var ErrPoolClosed = errors.New("client pool closed")

// Dialer creates the transport for an endpoint.
type Dialer func(ep registry.Endpoint) (transport.Transport, error)

// SubprocessDialer spawns ep.Command with ep.Args and talks to it over its
// standard streams.
func SubprocessDialer(opts ...transport.Option) Dialer {
	return func(ep registry.Endpoint) (transport.Transport, error) {
		p, err := transport.NewSubprocess(ep.Command, ep.Args, append([]transport.Option{transport.WithName(ep.Name)}, opts...)...)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithDialer replaces SubprocessDialer.
func WithDialer(d Dialer) PoolOption {
	return func(p *Pool) { p.dial = d }
}

// WithClientOptions applies opts to every client the pool creates.
func WithClientOptions(opts ...Option) PoolOption {
	return func(p *Pool) { p.clientOpts = append(p.clientOpts, opts...) }
}

// WithPoolLogger sets the pool's logger.
func WithPoolLogger(l zerolog.Logger) PoolOption {
	return func(p *Pool) { p.logger = l }
}

// Pool spreads calls for one service over the endpoints a registry knows
// about. A client is spawned the first time its endpoint is picked and is
// reused until its transport closes or the endpoint leaves the registry.
type Pool struct {
	reg        registry.Registry
	bal        loadbalance.Balancer
	service    string
	dial       Dialer
	clientOpts []Option
	logger     zerolog.Logger

	mu      sync.Mutex
	clients map[string]*Client // endpoint name → live client
	closed  bool
	stop    context.CancelFunc // ends the registry watch
}

// NewPool returns a pool for service. Nothing is spawned until the first call.
func NewPool(reg registry.Registry, bal loadbalance.Balancer, service string, opts ...PoolOption) *Pool {
	p := &Pool{
		reg:     reg,
		bal:     bal,
		service: service,
		dial:    SubprocessDialer(),
		logger:  logging.Component("pool"),
		clients: make(map[string]*Client),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With().Str("service", service).Logger()
	return p
}

// Watch follows registry changes in the background and closes clients of
// endpoints that were removed. It stops with ctx or Close.
func (p *Pool) Watch(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	updates, err := p.reg.Watch(ctx, p.service)
	if err != nil {
		cancel()
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		cancel()
		return ErrPoolClosed
	}
	if p.stop != nil {
		p.stop()
	}
	p.stop = cancel
	p.mu.Unlock()

	go func() {
		for eps := range updates {
			p.retain(eps)
		}
	}()
	return nil
}

// retain closes clients whose endpoint is not in eps.
func (p *Pool) retain(eps []registry.Endpoint) {
	keep := make(map[string]bool, len(eps))
	for _, ep := range eps {
		keep[ep.Name] = true
	}

	var gone []*Client
	p.mu.Lock()
	for name, c := range p.clients {
		if !keep[name] {
			gone = append(gone, c)
			delete(p.clients, name)
			p.logger.Info().Str("endpoint", name).Msg("endpoint removed, closing client")
		}
	}
	p.mu.Unlock()

	for _, c := range gone {
		c.Close()
	}
}

// Call picks an endpoint using method as the balancing key.
func (p *Pool) Call(ctx context.Context, method string, params, reply any) error {
	return p.CallKey(ctx, method, method, params, reply)
}

// CallKey picks an endpoint for key and calls method on it.
func (p *Pool) CallKey(ctx context.Context, key, method string, params, reply any) error {
	eps, err := p.reg.Discover(ctx, p.service)
	if err != nil {
		return err
	}
	ep, err := p.bal.Pick(key, eps)
	if err != nil {
		return err
	}
	c, err := p.client(*ep)
	if err != nil {
		return err
	}
	return c.Call(ctx, method, params, reply)
}

// client returns the live client for ep, spawning one if needed.
func (p *Pool) client(ep registry.Endpoint) (*Client, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if c, ok := p.clients[ep.Name]; ok {
		select {
		case <-c.Done():
		default:
			p.mu.Unlock()
			return c, nil
		}
	}

	t, err := p.dial(ep)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	c := NewClient(t, p.clientOpts...)
	if err := c.Start(); err != nil {
		p.mu.Unlock()
		c.Close()
		return nil, err
	}
	p.clients[ep.Name] = c
	p.mu.Unlock()
	p.logger.Debug().Str("endpoint", ep.Name).Msg("client started")

	// Registered unlocked: on an already closed transport the hook runs
	// right away.
	t.OnClose(func(cause error) {
		p.mu.Lock()
		if p.clients[ep.Name] == c {
			delete(p.clients, ep.Name)
		}
		p.mu.Unlock()
	})
	return c, nil
}

// Size returns the number of live clients.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// Close stops the watch and closes every client.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.stop != nil {
		p.stop()
	}
	clients := p.clients
	p.clients = make(map[string]*Client)
	p.mu.Unlock()

	var errs []error
	for _, c := range clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
