package server

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/sushant-115/gojowal/core/partition"
	"github.com/sushant-115/gojowal/core/transaction"
)

// Registry holds the partitions this server currently owns. Entries are
// added on ownership grant and removed on revocation.
type Registry struct {
	mu         sync.RWMutex
	partitions map[int32]*partition.Partition
}

func NewRegistry() *Registry {
	return &Registry{partitions: make(map[int32]*partition.Partition)}
}

// Put registers p and returns the partition it replaced, if any.
func (r *Registry) Put(p *partition.Partition) *partition.Partition {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.partitions[p.ID()]
	r.partitions[p.ID()] = p
	return prev
}

func (r *Registry) Remove(id int32) (*partition.Partition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.partitions[id]
	delete(r.partitions, id)
	return p, ok
}

// Get returns the owned partition or transaction.ErrNotOwner.
func (r *Registry) Get(id int32) (*partition.Partition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.partitions[id]
	if !ok {
		return nil, fmt.Errorf("partition %d: %w", id, transaction.ErrNotOwner)
	}
	return p, nil
}

// IDs lists owned partitions in ascending order.
func (r *Registry) IDs() []int32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.partitions))
}
