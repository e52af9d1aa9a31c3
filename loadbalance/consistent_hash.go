package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"mini-jsonrpc/registry"
)

// ConsistentHashBalancer maps keys to endpoints using a hash ring. The
// same key lands on the same endpoint for as long as the endpoint set does
// not change, and a change only moves the keys of the affected endpoints.
//
// Each endpoint owns replicas virtual nodes, hashed from "{name}#{i}", so
// a handful of endpoints still spread evenly around the ring.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int

	mu    sync.Mutex
	set   string   // names of the endpoints the ring was built from
	ring  []uint32 // sorted virtual node hashes
	nodes map[uint32]string
}

// NewConsistentHashBalancer creates a ring with 100 virtual nodes per
// endpoint.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{replicas: 100}
}

// Pick hashes key and walks clockwise to the first virtual node, wrapping
// around past the largest hash.
func (b *ConsistentHashBalancer) Pick(key string, endpoints []registry.Endpoint) (*registry.Endpoint, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}

	b.mu.Lock()
	b.rebuild(endpoints)
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	name := b.nodes[b.ring[idx]]
	b.mu.Unlock()

	for i := range endpoints {
		if endpoints[i].Name == name {
			return &endpoints[i], nil
		}
	}
	return nil, fmt.Errorf("hash ring out of sync: %s", name)
}

// rebuild recomputes the ring when the endpoint set differs from the one
// it was built from.
func (b *ConsistentHashBalancer) rebuild(endpoints []registry.Endpoint) {
	names := make([]string, len(endpoints))
	for i, ep := range endpoints {
		names[i] = ep.Name
	}
	sort.Strings(names)
	set := strings.Join(names, "\x00")
	if set == b.set && b.ring != nil {
		return
	}

	b.set = set
	b.ring = make([]uint32, 0, len(names)*b.replicas)
	b.nodes = make(map[uint32]string, len(names)*b.replicas)
	for _, name := range names {
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", name, i)))
			b.ring = append(b.ring, hash)
			b.nodes[hash] = name
		}
	}
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
