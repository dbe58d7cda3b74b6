// Package routing maps super-stream routing keys to partition streams.
package routing

import (
	"github.com/zeebo/xxh3"
)

// HashRouter routes a key to partitions[xxh3(key) mod len(partitions)].
//
// The mapping is stable for a fixed partition list; adding partitions moves
// most keys. Use Ring when partitions change over the super stream's life.
type HashRouter struct {
	partitions []string
	seed       uint64
}

// NewHash creates a modulo hash router.
//
// Parameters:
//   - partitions: Partition stream names in broker order
//   - seed: Hash seed (0 for the unseeded hash)
//
// Returns:
//   - *HashRouter: Router over a copy of partitions
func NewHash(partitions []string, seed uint64) *HashRouter {
	return &HashRouter{partitions: append([]string(nil), partitions...), seed: seed}
}

// Route returns the partition for key, or "" when there are no partitions.
func (h *HashRouter) Route(key string) string {
	if len(h.partitions) == 0 {
		return ""
	}

	return h.partitions[hashKey(key, h.seed)%uint64(len(h.partitions))]
}

// Partitions returns the routed partitions.
func (h *HashRouter) Partitions() []string {
	return append([]string(nil), h.partitions...)
}

func hashKey(key string, seed uint64) uint64 {
	if seed != 0 {
		return xxh3.HashStringSeed(key, seed)
	}

	return xxh3.HashString(key)
}
