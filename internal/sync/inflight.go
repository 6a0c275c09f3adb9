package sync

import (
	"sync"

	"github.com/shelfbridge/shelfbridge/internal/models"
)

// inflightSet guards against two workers syncing the same identity at once.
// Keys are typed (identifier, type) pairs, so an ISBN and an ASIN that happen
// to share characters never collide.
type inflightSet struct {
	mu   sync.Mutex
	keys map[models.CacheKey]struct{}
}

func newInflightSet() *inflightSet {
	return &inflightSet{keys: make(map[models.CacheKey]struct{})}
}

// tryAcquire reserves the key, returning false if another worker holds it
func (s *inflightSet) tryAcquire(key models.CacheKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, held := s.keys[key]; held {
		return false
	}
	s.keys[key] = struct{}{}
	return true
}

func (s *inflightSet) release(key models.CacheKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, key)
}
