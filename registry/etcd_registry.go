package registry

// etcd is used as a "distributed phonebook" for endpoints:
//
//	Key:   /mini-jsonrpc/{service}/{name}
//	Value: JSON-encoded Endpoint
//
// Registration uses TTL-based leases: if the registering process dies, the
// lease expires and the entry disappears with it.

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	clientv3 "go.etcd.io/etcd/client/v3"

	"mini-jsonrpc/logging"
)

// KeyPrefix is the root of every key this registry writes.
const KeyPrefix = "/mini-jsonrpc/"

func servicePrefix(service string) string { return KeyPrefix + service + "/" }

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	logger zerolog.Logger

	mu     sync.Mutex
	leases map[string]registration // key → lease kept alive by this process
}

type registration struct {
	lease  clientv3.LeaseID
	cancel context.CancelFunc
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd connect: %w", err)
	}
	return &EtcdRegistry{
		client: c,
		logger: logging.Component("registry"),
		leases: make(map[string]registration),
	}, nil
}

// Register stores ep with a TTL lease and keeps the lease alive until
// Deregister or Close:
//  1. Grant a lease with the given TTL
//  2. Put the key with the lease attached
//  3. KeepAlive renews the lease in the background
//
// The keepalive runs on its own context, not ctx, so it outlives the call.
func (r *EtcdRegistry) Register(ctx context.Context, service string, ep Endpoint, ttl int64) error {
	if err := ep.Validate(); err != nil {
		return err
	}
	val, err := json.Marshal(ep)
	if err != nil {
		return err
	}

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("etcd grant: %w", err)
	}
	key := servicePrefix(service) + ep.Name
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("etcd put %s: %w", key, err)
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return fmt.Errorf("etcd keepalive: %w", err)
	}
	go func() {
		// Drain responses so the channel never fills up.
		for range ch {
		}
		r.logger.Debug().Str("key", key).Msg("lease keepalive stopped")
	}()

	r.mu.Lock()
	old, had := r.leases[key]
	r.leases[key] = registration{lease: lease.ID, cancel: cancel}
	r.mu.Unlock()
	if had {
		old.cancel()
		r.client.Revoke(ctx, old.lease)
	}
	r.logger.Info().Str("key", key).Int64("ttl", ttl).Msg("endpoint registered")
	return nil
}

// Deregister removes the endpoint and revokes its lease if this process
// holds it.
func (r *EtcdRegistry) Deregister(ctx context.Context, service, name string) error {
	key := servicePrefix(service) + name

	r.mu.Lock()
	reg, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if ok {
		reg.cancel()
		if _, err := r.client.Revoke(ctx, reg.lease); err != nil {
			return fmt.Errorf("etcd revoke: %w", err)
		}
		return nil
	}
	if _, err := r.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("etcd delete %s: %w", key, err)
	}
	return nil
}

// Discover returns every endpoint stored under the service prefix.
func (r *EtcdRegistry) Discover(ctx context.Context, service string) ([]Endpoint, error) {
	resp, err := r.client.Get(ctx, servicePrefix(service), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("etcd get: %w", err)
	}

	eps := make([]Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var ep Endpoint
		if err := json.Unmarshal(kv.Value, &ep); err != nil {
			r.logger.Warn().Err(err).Str("key", string(kv.Key)).Msg("skipping malformed endpoint")
			continue
		}
		eps = append(eps, ep)
	}
	sort.Slice(eps, func(i, j int) bool { return eps[i].Name < eps[j].Name })
	return eps, nil
}

// Watch uses etcd's server-push Watch on the service prefix. On any event
// the full list is re-fetched, which is simpler than replaying individual
// events.
func (r *EtcdRegistry) Watch(ctx context.Context, service string) (<-chan []Endpoint, error) {
	initial, err := r.Discover(ctx, service)
	if err != nil {
		return nil, err
	}
	ch := make(chan []Endpoint, 1)
	ch <- initial

	go func() {
		defer close(ch)
		events := r.client.Watch(clientv3.WithRequireLeader(ctx), servicePrefix(service), clientv3.WithPrefix())
		for resp := range events {
			if err := resp.Err(); err != nil {
				r.logger.Warn().Err(err).Str("service", service).Msg("watch error")
				continue
			}
			eps, err := r.Discover(ctx, service)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				r.logger.Warn().Err(err).Str("service", service).Msg("watch refresh failed")
				continue
			}
			publish(ch, eps)
		}
	}()
	return ch, nil
}

// Close revokes every lease held by this process and closes the client.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	regs := r.leases
	r.leases = make(map[string]registration)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for _, reg := range regs {
		reg.cancel()
		r.client.Revoke(ctx, reg.lease)
	}
	return r.client.Close()
}
