// Package backoff computes jittered pauses between connection attempts.
package backoff

import (
	"context"
	rand "math/rand/v2"
	"time"
)

// Default backoff parameters.
const (
	DefaultBase       = 50 * time.Millisecond
	DefaultMax        = 2 * time.Second
	DefaultMultiplier = 1.6
)

// Jitter implements decorrelated jitter backoff ("Full Jitter" variant) with a cap.
// See: https://aws.amazon.com/blogs/architecture/exponential-backoff-and-jitter/
//
// Given previous delay (prev), computes next delay as:
//
//	next = min(cap, base + rand.Int64N(prev*multiplier-base)) with guards
//
// Behavior:
//   - If prev <= 0, start from base
//   - Multiplier <= 1.0 falls back to 1.0 (no growth)
//   - Cap <= base returns cap
//
// A nil rng uses the package-level PRNG.
func Jitter(prev, base time.Duration, mult float64, capDur time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		base = DefaultBase
	}
	if mult < 1.0 {
		mult = 1.0
	}
	if capDur > 0 && capDur < base {
		return capDur
	}

	if prev <= 0 {
		return base
	}
	maxDuration := time.Duration(float64(prev)*mult) - base
	if maxDuration <= 0 {
		maxDuration = base
	}
	var jitter int64
	if rng != nil {
		jitter = rng.Int64N(int64(maxDuration))
	} else {
		jitter = rand.Int64N(int64(maxDuration)) //nolint:gosec // non-crypto backoff jitter
	}
	next := base + time.Duration(jitter)
	if capDur > 0 && next > capDur {
		return capDur
	}

	return next
}

// Backoff tracks the delay sequence of one retry loop. It is not safe for
// concurrent use.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	RNG        *rand.Rand

	prev time.Duration
}

// Next returns the next delay and advances the sequence.
func (b *Backoff) Next() time.Duration {
	mult := b.Multiplier
	if mult == 0 {
		mult = DefaultMultiplier
	}
	b.prev = Jitter(b.prev, b.Base, mult, b.Max, b.RNG)

	return b.prev
}

// Reset restarts the sequence from Base.
func (b *Backoff) Reset() {
	b.prev = 0
}

// Wait sleeps for the next delay or until ctx is done.
//
// Returns:
//   - error: ctx.Err() if the context ended first, nil otherwise
func (b *Backoff) Wait(ctx context.Context) error {
	d := b.Next()
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
