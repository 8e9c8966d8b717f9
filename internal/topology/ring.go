// Package topology realizes collab.Topology and collab.Snitch with a
// consistent-hash ring, the same technique the teacher's sibling
// coordinator package used for partition ownership
// (coordinator/internal/model/hashring.go) and the same hashing the
// teacher's StorageService used to keep its own key-hash computation
// consistent with that ring (internal/service/storage_service.go,
// computeKeyHash).
package topology

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/shardkv/hintedhandoff/internal/model"
)

const defaultVirtualNodes = 150

type vnode struct {
	hash uint64
	ep   model.EndpointID
}

// Ring is a consistent-hash ring mapping partitions to natural endpoints.
// It doubles as a Snitch by keeping a datacenter label per endpoint.
type Ring struct {
	mu              sync.RWMutex
	virtualNodes    int
	replicationFac  int
	vnodes          []vnode
	datacenterOf    map[model.EndpointID]string
}

// New creates an empty ring with the given per-node virtual node count and
// replication factor (number of natural endpoints returned per key).
func New(virtualNodes, replicationFactor int) *Ring {
	if virtualNodes <= 0 {
		virtualNodes = defaultVirtualNodes
	}
	if replicationFactor <= 0 {
		replicationFactor = 3
	}
	return &Ring{
		virtualNodes:   virtualNodes,
		replicationFac: replicationFactor,
		datacenterOf:   make(map[model.EndpointID]string),
	}
}

// AddEndpoint inserts ep into the ring with virtualNodes tokens, recording
// its datacenter for Snitch queries.
func (r *Ring) AddEndpoint(ep model.EndpointID, datacenter string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.datacenterOf[ep] = datacenter
	for i := 0; i < r.virtualNodes; i++ {
		r.vnodes = append(r.vnodes, vnode{hash: hashToken(ep, i), ep: ep})
	}
	sort.Slice(r.vnodes, func(i, j int) bool { return r.vnodes[i].hash < r.vnodes[j].hash })
}

// RemoveEndpoint drops every token owned by ep, e.g. on decommission.
func (r *Ring) RemoveEndpoint(ep model.EndpointID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.datacenterOf, ep)
	filtered := r.vnodes[:0]
	for _, v := range r.vnodes {
		if v.ep != ep {
			filtered = append(filtered, v)
		}
	}
	r.vnodes = filtered
}

func hashToken(ep model.EndpointID, i int) uint64 {
	h := sha256.New()
	fmt.Fprintf(h, "%s#%d", ep, i)
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

func partitionHash(table string, mutation []byte) uint64 {
	h := sha256.New()
	h.Write([]byte(table))
	h.Write(mutation)
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

// NaturalEndpoints implements collab.Topology: it walks the ring clockwise
// from the partition's hash, returning up to the replication factor worth
// of distinct endpoints.
func (r *Ring) NaturalEndpoints(table string, mutation []byte) []model.EndpointID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.vnodes) == 0 {
		return nil
	}

	target := partitionHash(table, mutation)
	start := sort.Search(len(r.vnodes), func(i int) bool { return r.vnodes[i].hash >= target })

	seen := make(map[model.EndpointID]bool, r.replicationFac)
	result := make([]model.EndpointID, 0, r.replicationFac)
	for i := 0; i < len(r.vnodes) && len(result) < r.replicationFac; i++ {
		v := r.vnodes[(start+i)%len(r.vnodes)]
		if seen[v.ep] {
			continue
		}
		seen[v.ep] = true
		result = append(result, v.ep)
	}
	return result
}

// Datacenter implements collab.Snitch.
func (r *Ring) Datacenter(ep model.EndpointID) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.datacenterOf[ep]
}
