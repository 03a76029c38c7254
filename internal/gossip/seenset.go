package gossip

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/tendermint/chainsync/types"
)

// SeenSet is a bounded set of hashes. Once full, adding a hash evicts the
// oldest insertion. Membership checks never refresh an entry, so eviction
// follows insertion order. It is safe for concurrent use.
type SeenSet struct {
	cache *lru.Cache
}

// NewSeenSet returns a SeenSet holding up to size hashes. size must be
// positive.
func NewSeenSet(size int) (*SeenSet, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &SeenSet{cache: cache}, nil
}

// Add inserts hash and reports whether it was absent.
func (s *SeenSet) Add(hash types.Hash) bool {
	found, _ := s.cache.ContainsOrAdd(hash, struct{}{})
	return !found
}

// Contains reports whether hash is in the set.
func (s *SeenSet) Contains(hash types.Hash) bool {
	return s.cache.Contains(hash)
}

// Len returns the number of hashes held.
func (s *SeenSet) Len() int {
	return s.cache.Len()
}
