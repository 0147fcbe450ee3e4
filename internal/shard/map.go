// Package shard provides a concurrent map split into independently locked shards.
package shard

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const defaultShards = 32

// Map is a string-keyed map whose keys are spread over locked shards.
type Map[V any] struct {
	shards []*bucket[V]
}

type bucket[V any] struct {
	mu    sync.RWMutex
	items map[string]V
}

// New creates a map with n shards (32 when n <= 0).
func New[V any](n int) *Map[V] {
	if n <= 0 {
		n = defaultShards
	}
	m := &Map[V]{shards: make([]*bucket[V], n)}
	for i := range m.shards {
		m.shards[i] = &bucket[V]{items: make(map[string]V)}
	}
	return m
}

func (m *Map[V]) bucketFor(key string) *bucket[V] {
	return m.shards[xxhash.Sum64String(key)%uint64(len(m.shards))]
}

// Get returns the value for key.
func (m *Map[V]) Get(key string) (V, bool) {
	b := m.bucketFor(key)
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.items[key]
	return v, ok
}

// Set stores v under key.
func (m *Map[V]) Set(key string, v V) {
	b := m.bucketFor(key)
	b.mu.Lock()
	b.items[key] = v
	b.mu.Unlock()
}

// GetOrCreate returns the existing value or stores and returns create().
// create runs under the shard lock and must not touch the map.
func (m *Map[V]) GetOrCreate(key string, create func() V) (V, bool) {
	b := m.bucketFor(key)
	b.mu.RLock()
	v, ok := b.items[key]
	b.mu.RUnlock()
	if ok {
		return v, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok := b.items[key]; ok {
		return v, false
	}
	v = create()
	b.items[key] = v
	return v, true
}

// Update applies fn to the current value under the shard write lock and stores the result.
func (m *Map[V]) Update(key string, fn func(current V, exists bool) V) V {
	b := m.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.items[key]
	next := fn(cur, ok)
	b.items[key] = next
	return next
}

// Delete removes key and reports whether it was present.
func (m *Map[V]) Delete(key string) bool {
	b := m.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.items[key]
	delete(b.items, key)
	return ok
}

// Len counts entries across shards.
func (m *Map[V]) Len() int {
	n := 0
	for _, b := range m.shards {
		b.mu.RLock()
		n += len(b.items)
		b.mu.RUnlock()
	}
	return n
}

// Range calls fn for every entry until fn returns false. Each shard is
// snapshotted before fn runs, so fn may call back into the map.
func (m *Map[V]) Range(fn func(key string, v V) bool) {
	for _, b := range m.shards {
		b.mu.RLock()
		keys := make([]string, 0, len(b.items))
		vals := make([]V, 0, len(b.items))
		for k, v := range b.items {
			keys = append(keys, k)
			vals = append(vals, v)
		}
		b.mu.RUnlock()
		for i := range keys {
			if !fn(keys[i], vals[i]) {
				return
			}
		}
	}
}
