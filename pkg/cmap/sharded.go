package cmap

import (
	"hash/maphash"
	"iter"
	"sync"
)

// DefaultShardCount is the default number of shards.
const DefaultShardCount = 16

// Map is a concurrent map split into independently locked shards.
type Map[K comparable, V any] struct {
	shards []*shard[K, V]
	mask   uint64
	seed   maphash.Seed
}

type shard[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]V
}

// New creates a map with DefaultShardCount shards.
func New[K comparable, V any]() *Map[K, V] {
	return NewWithShards[K, V](DefaultShardCount)
}

// NewWithShards creates a map with n shards. n must be a power of two;
// anything else falls back to DefaultShardCount.
func NewWithShards[K comparable, V any](n int) *Map[K, V] {
	if n <= 0 || n&(n-1) != 0 {
		n = DefaultShardCount
	}
	m := &Map[K, V]{
		shards: make([]*shard[K, V], n),
		mask:   uint64(n - 1),
		seed:   maphash.MakeSeed(),
	}
	for i := range m.shards {
		m.shards[i] = &shard[K, V]{items: make(map[K]V)}
	}
	return m
}

func (m *Map[K, V]) shardFor(key K) *shard[K, V] {
	return m.shards[maphash.Comparable(m.seed, key)&m.mask]
}

// Compute runs fn with the current value of key under the shard's write
// lock. fn returns the new value and whether to keep it; returning false
// deletes the key. Compute reports the stored value and whether the key is
// present afterwards.
//
// fn must not call back into the map.
func (m *Map[K, V]) Compute(key K, fn func(value V, loaded bool) (V, bool)) (V, bool) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	old, loaded := s.items[key]
	value, keep := fn(old, loaded)
	if !keep {
		delete(s.items, key)
		var zero V
		return zero, false
	}
	s.items[key] = value
	return value, true
}

// Sweep visits every entry, one shard at a time under that shard's write
// lock. fn returns the replacement value and whether to keep the entry.
// Sweep returns the number of entries removed. Entries added to a shard
// already visited are not seen.
//
// fn must not call back into the map.
func (m *Map[K, V]) Sweep(fn func(key K, value V) (V, bool)) int {
	removed := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for k, v := range s.items {
			nv, keep := fn(k, v)
			if !keep {
				delete(s.items, k)
				removed++
				continue
			}
			s.items[k] = nv
		}
		s.mu.Unlock()
	}
	return removed
}

// All iterates over the entries, holding each shard's read lock while its
// entries are yielded. The view is not a consistent snapshot across shards.
// The loop body must not write to the map.
func (m *Map[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for _, s := range m.shards {
			s.mu.RLock()
			for k, v := range s.items {
				if !yield(k, v) {
					s.mu.RUnlock()
					return
				}
			}
			s.mu.RUnlock()
		}
	}
}

// Len returns the number of entries.
func (m *Map[K, V]) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.RLock()
		n += len(s.items)
		s.mu.RUnlock()
	}
	return n
}
