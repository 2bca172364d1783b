package forensics

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// LRUSet is a bounded set with recency ordering. Membership checks re-mark
// the element as most recent; inserting beyond capacity evicts the least
// recently touched element.
type LRUSet struct {
	cache *lru.Cache[string, struct{}]
}

// NewLRUSet creates a set bounded to maxSize elements. It panics if maxSize
// is not positive; sizes come from validated configuration.
func NewLRUSet(maxSize int) *LRUSet {
	cache, err := lru.New[string, struct{}](maxSize)
	if err != nil {
		panic(err)
	}
	return &LRUSet{cache: cache}
}

// Contains reports whether key is present and, if so, marks it most recent.
func (s *LRUSet) Contains(key string) bool {
	_, ok := s.cache.Get(key)
	return ok
}

// Add inserts key, or re-marks it as most recent if already present.
func (s *LRUSet) Add(key string) {
	s.cache.Add(key, struct{}{})
}

// Len returns the number of keys currently held.
func (s *LRUSet) Len() int {
	return s.cache.Len()
}
