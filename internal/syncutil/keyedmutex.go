// Package syncutil provides locking helpers shared by the engine and its
// stores.
package syncutil

import (
	"context"
	"hash/fnv"
)

// DefaultShards is the shard count used by NewKeyedMutex when given zero.
const DefaultShards = 256

// KeyedMutex serializes work per string key over a bounded pool of
// channel-based locks. Keys that hash to the same shard share a lock. Waiters
// can give up when their context is done.
type KeyedMutex struct {
	shards []chan struct{}
}

// NewKeyedMutex creates a KeyedMutex with n shards.
func NewKeyedMutex(n int) *KeyedMutex {
	if n <= 0 {
		n = DefaultShards
	}
	m := &KeyedMutex{shards: make([]chan struct{}, n)}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{}
	}
	return m
}

// Lock acquires the lock for key. On success the caller must call the
// returned unlock function exactly once. If ctx is done first, Lock returns
// ctx.Err() and holds nothing.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	ch := m.shards[m.shard(key)]

	// Prefer the lock over a context that is already done but raced it.
	select {
	case <-ch:
		return func() { ch <- struct{}{} }, nil
	default:
	}

	select {
	case <-ch:
		return func() { ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *KeyedMutex) shard(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % uint32(len(m.shards))
}
