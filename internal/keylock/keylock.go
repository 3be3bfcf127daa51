// Package keylock provides striped per-key mutexes. Unrelated keys rarely
// share a stripe, so mutations of different files or upload sessions do not
// serialize behind one global lock.
package keylock

import (
	"hash/fnv"
	"sync"
)

const defaultStripes = 256

// Striped maps keys onto a fixed set of mutexes.
type Striped struct {
	stripes []sync.Mutex
}

// New creates a Striped lock with n stripes (256 when n <= 0).
func New(n int) *Striped {
	if n <= 0 {
		n = defaultStripes
	}
	return &Striped{stripes: make([]sync.Mutex, n)}
}

// Index returns the stripe number of key among n stripes.
func Index(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

func (s *Striped) stripe(key string) *sync.Mutex {
	return &s.stripes[Index(key, len(s.stripes))]
}

// Lock acquires the stripe guarding key and returns its unlock function.
func (s *Striped) Lock(key string) func() {
	m := s.stripe(key)
	m.Lock()
	return m.Unlock
}

// With runs fn while holding the stripe for key.
func (s *Striped) With(key string, fn func() error) error {
	unlock := s.Lock(key)
	defer unlock()
	return fn()
}
