package ratelimit

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const numShards = 32

type shard[V any] struct {
	mu    sync.RWMutex
	items map[string]V
}

// shardedMap splits keys over fixed shards so that routes do not contend on
// a single lock.
type shardedMap[V any] struct {
	shards [numShards]shard[V]
}

func newShardedMap[V any]() *shardedMap[V] {
	var m shardedMap[V]
	for i := range m.shards {
		m.shards[i].items = make(map[string]V)
	}
	return &m
}

func (m *shardedMap[V]) shardFor(key string) *shard[V] {
	return &m.shards[xxhash.Sum64String(key)%numShards]
}

// with runs fn on the value for key while holding the shard's read lock,
// creating the value with init first if it is absent. Entries cannot be
// removed while fn runs.
func (m *shardedMap[V]) with(key string, init func() V, fn func(V) bool) bool {
	s := m.shardFor(key)

	s.mu.RLock()
	v, ok := s.items[key]
	if ok {
		res := fn(v)
		s.mu.RUnlock()
		return res
	}
	s.mu.RUnlock()

	s.mu.Lock()
	// Double-check after acquiring write lock
	if v, ok = s.items[key]; !ok {
		v = init()
		s.items[key] = v
	}
	res := fn(v)
	s.mu.Unlock()
	return res
}

func (m *shardedMap[V]) get(key string) (V, bool) {
	s := m.shardFor(key)
	s.mu.RLock()
	v, ok := s.items[key]
	s.mu.RUnlock()
	return v, ok
}

// deleteFunc removes every entry for which fn returns true.
func (m *shardedMap[V]) deleteFunc(fn func(key string, v V) bool) int {
	removed := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for k, v := range s.items {
			if fn(k, v) {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

func (m *shardedMap[V]) len() int {
	n := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.RLock()
		n += len(s.items)
		s.mu.RUnlock()
	}
	return n
}
