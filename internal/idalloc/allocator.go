// Package idalloc issues publisher and consumer ids from the protocol's single-byte id space.
package idalloc

import (
	"sync"

	"github.com/arloliu/rstream/types"
)

// Allocator hands out ids 0-254 and moves to the next connection shard when a
// shard's id space is exhausted.
//
// The allocator is a small state machine of (counter, modulus, shard):
//   - Next returns the current counter on the current shard
//   - the counter then advances; reaching the modulus resets it to 0 and bumps the shard
//
// The shard index grows monotonically and never wraps. Ids within a shard are
// reused only after every shard before them has been exhausted.
//
// Allocator is safe for concurrent use.
type Allocator struct {
	mu      sync.Mutex
	counter uint32
	modulus uint32
	shard   uint32
}

// New creates an allocator over the protocol id space (255 ids per shard).
//
// Returns:
//   - *Allocator: Allocator positioned at shard 0, id 0
func New() *Allocator {
	return NewWithModulus(types.HandleIDSpace)
}

// NewWithModulus creates an allocator with a custom per-shard id space.
//
// Parameters:
//   - modulus: Ids per shard, clamped to [1, 255]
//
// Returns:
//   - *Allocator: Allocator positioned at shard 0, id 0
func NewWithModulus(modulus uint32) *Allocator {
	if modulus == 0 || modulus > types.HandleIDSpace {
		modulus = types.HandleIDSpace
	}

	return &Allocator{modulus: modulus}
}

// Next returns the next id and advances the allocator.
//
// Returns:
//   - types.HandleID: Id carrying both the shard index and the wire id
func (a *Allocator) Next() types.HandleID {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := types.NewHandleID(a.shard, uint8(a.counter)) //nolint:gosec // counter < modulus <= 255

	a.counter++
	if a.counter >= a.modulus {
		a.counter = 0
		a.shard++
	}

	return id
}

// Shard returns the shard new ids are currently allocated on.
func (a *Allocator) Shard() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.shard
}
