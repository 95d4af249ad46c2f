// Package syncutil provides in-process keyed locking.
package syncutil

import (
	"context"
	"hash/fnv"
)

const shardCount = 256

// KeyedMutex serializes work per string key using a fixed pool of
// channel-backed locks. Memory is bounded regardless of how many keys are
// seen; keys hashing to the same shard occasionally wait on each other.
// The zero value is not usable; call NewKeyedMutex.
type KeyedMutex struct {
	shards [shardCount]chan struct{}
}

// NewKeyedMutex creates a KeyedMutex with every shard unlocked.
func NewKeyedMutex() *KeyedMutex {
	m := &KeyedMutex{}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{}
	}
	return m
}

// Lock blocks until key's shard is free and returns its unlock function.
func (m *KeyedMutex) Lock(key string) func() {
	ch := m.shard(key)
	<-ch
	return func() { ch <- struct{}{} }
}

// LockContext is Lock but gives up when ctx is done. The unlock function is
// nil whenever err is non-nil.
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	ch := m.shard(key)
	select {
	case <-ch:
		return func() { ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *KeyedMutex) shard(key string) chan struct{} {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return m.shards[h.Sum32()%shardCount]
}
