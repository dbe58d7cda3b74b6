package routing

import (
	"encoding/binary"
	"slices"

	"github.com/zeebo/xxh3"
)

// DefaultVirtualNodes is the number of ring positions per partition.
const DefaultVirtualNodes = 150

// Ring implements a consistent hash ring over partition streams.
//
// Keys map to the first virtual node clockwise of their hash, so adding a
// partition only moves the keys that land on its new virtual nodes.
type Ring struct {
	// nodes contains all virtual nodes on the ring, sorted by hash
	nodes []virtualNode

	partitions []string
	seed       uint64
}

type virtualNode struct {
	hash      uint64
	partition string
}

// NewRing creates a consistent hash ring.
//
// Parameters:
//   - partitions: Partition stream names; duplicates are ignored
//   - virtualNodes: Virtual nodes per partition (<= 0 uses DefaultVirtualNodes)
//   - seed: Hash seed (0 for the unseeded hash)
//
// Returns:
//   - *Ring: Initialized ring
//
// Example:
//
//	ring := routing.NewRing([]string{"orders-0", "orders-1"}, 0, 0)
//	stream := ring.Route(customerID)
func NewRing(partitions []string, virtualNodes int, seed uint64) *Ring {
	if virtualNodes <= 0 {
		virtualNodes = DefaultVirtualNodes
	}
	r := &Ring{seed: seed}

	seen := make(map[string]struct{}, len(partitions))
	for _, p := range partitions {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		r.partitions = append(r.partitions, p)
	}

	r.nodes = make([]virtualNode, 0, len(r.partitions)*virtualNodes)
	for _, p := range r.partitions {
		base := hashKey(p, seed)
		for i := range virtualNodes {
			// fold the vnode index into the partition hash without building a string
			var ib [8]byte
			binary.LittleEndian.PutUint64(ib[:], uint64(i)) //nolint:gosec
			r.nodes = append(r.nodes, virtualNode{hash: xxh3.HashSeed(ib[:], base), partition: p})
		}
	}

	slices.SortFunc(r.nodes, func(a, b virtualNode) int {
		if a.hash < b.hash {
			return -1
		}
		if a.hash > b.hash {
			return 1
		}

		return 0
	})

	return r
}

// Route returns the partition responsible for key, or "" for an empty ring.
func (r *Ring) Route(key string) string {
	if len(r.nodes) == 0 {
		return ""
	}

	target := hashKey(key, r.seed)
	idx, _ := slices.BinarySearchFunc(r.nodes, target, func(node virtualNode, t uint64) int {
		if node.hash < t {
			return -1
		}
		if node.hash > t {
			return 1
		}

		return 0
	})
	if idx >= len(r.nodes) {
		idx = 0
	}

	return r.nodes[idx].partition
}

// Partitions returns the unique partitions on the ring.
func (r *Ring) Partitions() []string {
	return append([]string(nil), r.partitions...)
}

// Size returns the total number of virtual nodes on the ring.
func (r *Ring) Size() int {
	return len(r.nodes)
}
