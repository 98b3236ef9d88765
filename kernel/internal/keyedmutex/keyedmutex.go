// Package keyedmutex provides striped per-key locking. Writers for the same
// instance serialize on one stripe; writers for different instances proceed
// in parallel (modulo stripe collisions).
package keyedmutex

import (
	"hash/fnv"
	"sync"
)

const defaultStripes = 64

// KeyedMutex maps string keys onto a fixed set of mutex stripes.
// The zero value is not usable; call New.
type KeyedMutex struct {
	stripes []sync.Mutex
}

// New creates a KeyedMutex with the default stripe count.
func New() *KeyedMutex {
	return &KeyedMutex{stripes: make([]sync.Mutex, defaultStripes)}
}

func (k *KeyedMutex) stripe(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &k.stripes[h.Sum32()%uint32(len(k.stripes))]
}

// Lock acquires the stripe for key.
func (k *KeyedMutex) Lock(key string) {
	k.stripe(key).Lock()
}

// Unlock releases the stripe for key.
func (k *KeyedMutex) Unlock(key string) {
	k.stripe(key).Unlock()
}
