// Package nodeselect picks the broker a new connection should target.
package nodeselect

import (
	rand "math/rand/v2"

	"github.com/arloliu/rstream/types"
)

// ChooseNode selects a broker from stream metadata.
//
// Publishers must write to the leader; consumers may read from any replica, so
// they are spread uniformly across the replica set and fall back to the leader
// when no replica exists.
//
// Parameters:
//   - md: Stream metadata returned by the broker
//   - wantLeader: true to target the leader
//   - rng: Random source; nil uses the package-level PRNG
//
// Returns:
//   - *types.Broker: Selected broker, or nil when the topology has none
func ChooseNode(md types.StreamMetadata, wantLeader bool, rng *rand.Rand) *types.Broker {
	if wantLeader {
		return md.Leader
	}

	if n := len(md.Replicas); n > 0 {
		var idx int
		if rng != nil {
			idx = rng.IntN(n)
		} else {
			idx = rand.IntN(n) //nolint:gosec // load spreading, not security
		}
		replica := md.Replicas[idx]

		return &replica
	}

	return md.Leader
}

// MaxAttempts returns the address-resolver dial budget for a stream:
// (2 + 1 if a leader exists + replica count) squared.
//
// Behind a load balancer the node answering a dial is not chosen by the client,
// so the budget grows with cluster fan-out.
func MaxAttempts(md types.StreamMetadata) int {
	n := 2 + len(md.Replicas)
	if md.HasLeader() {
		n++
	}

	return n * n
}
