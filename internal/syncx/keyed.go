// Package syncx holds small concurrency helpers shared by the services.
package syncx

import (
	"hash/fnv"
	"sync"
)

const defaultShards = 64

// KeyedMutex serializes work per key using a fixed set of striped mutexes.
// Two keys may share a stripe; that only costs throughput, never safety.
type KeyedMutex struct {
	shards []sync.Mutex
}

func NewKeyedMutex(shards int) *KeyedMutex {
	if shards <= 0 {
		shards = defaultShards
	}
	return &KeyedMutex{shards: make([]sync.Mutex, shards)}
}

// Lock acquires the stripe for key and returns its unlock func.
func (k *KeyedMutex) Lock(key string) func() {
	m := &k.shards[k.index(key)]
	m.Lock()
	return m.Unlock
}

func (k *KeyedMutex) index(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(k.shards)))
}
