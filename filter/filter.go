// Package filter provides client-side post-filter predicates for consumers.
//
// Server-side filtering works on a set of filter values and is coarse: a chunk
// may still carry messages whose value is not in the set. A post-filter runs on
// every message of a filtered delivery and decides whether the handler sees it.
package filter

import "github.com/arloliu/rstream/types"

// Predicate decides whether a delivered message reaches the handler.
//
// Implementations must be safe for concurrent use; a predicate may be shared by
// consumers dispatched from different connections.
type Predicate interface {
	Match(msg types.Message) bool
}

// Func adapts a function to Predicate.
type Func func(msg types.Message) bool

// Match implements Predicate.
func (f Func) Match(msg types.Message) bool { return f(msg) }

// Values matches messages whose FilterValue is one of values.
func Values(values ...string) Predicate {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}

	return Func(func(msg types.Message) bool {
		_, ok := set[msg.FilterValue]

		return ok
	})
}

// All matches a message only when every predicate matches it.
func All(preds ...Predicate) Predicate {
	return Func(func(msg types.Message) bool {
		for _, p := range preds {
			if !p.Match(msg) {
				return false
			}
		}

		return true
	})
}
