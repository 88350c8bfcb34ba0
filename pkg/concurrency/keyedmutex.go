package concurrency

import (
	"hash/fnv"
	"sync"
)

const defaultStripes = 256

// KeyedMutex provides striped locking by string key. Distinct keys may share
// a stripe and contend; correctness only requires that identical keys
// serialize.
type KeyedMutex struct {
	stripes []sync.Mutex
}

// NewKeyedMutex creates a keyed mutex with the given stripe count. The
// stripe count is fixed for the lifetime of the set.
func NewKeyedMutex(stripes int) *KeyedMutex {
	if stripes <= 0 {
		stripes = defaultStripes
	}
	return &KeyedMutex{stripes: make([]sync.Mutex, stripes)}
}

// Lock acquires the stripe for key and returns its unlock function.
func (k *KeyedMutex) Lock(key string) func() {
	m := &k.stripes[k.stripeFor(key)]
	m.Lock()
	return m.Unlock
}

func (k *KeyedMutex) stripeFor(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % uint32(len(k.stripes))
}

// ShardFor maps a key onto one of n shards. Deterministic across processes
// so horizontally scaled workers can partition tenants without coordination.
func ShardFor(key string, shards int) int {
	if shards <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(shards))
}
