// Package sync holds concurrency helpers shared by in-process backends.
package sync

import (
	"hash/maphash"
	"sync"
)

// Striped serializes work per key without a mutex for every key. Keys are
// hashed onto a fixed set of stripes, so unrelated keys may share one.
type Striped struct {
	seed    maphash.Seed
	stripes []sync.Mutex
}

// NewStriped returns a Striped with n stripes rounded up to a power of two.
// n below 1 selects 64.
func NewStriped(n int) *Striped {
	if n < 1 {
		n = 64
	}
	size := 1
	for size < n {
		size <<= 1
	}
	return &Striped{seed: maphash.MakeSeed(), stripes: make([]sync.Mutex, size)}
}

func (s *Striped) stripe(key string) *sync.Mutex {
	h := maphash.String(s.seed, key)
	return &s.stripes[h&uint64(len(s.stripes)-1)]
}

// Lock locks key's stripe.
func (s *Striped) Lock(key string) { s.stripe(key).Lock() }

// Unlock unlocks key's stripe.
func (s *Striped) Unlock(key string) { s.stripe(key).Unlock() }

// Do runs fn while holding key's stripe.
func (s *Striped) Do(key string, fn func()) {
	m := s.stripe(key)
	m.Lock()
	defer m.Unlock()
	fn()
}

// Len is the number of stripes.
func (s *Striped) Len() int { return len(s.stripes) }
