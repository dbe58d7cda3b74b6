// Package pool caches broker connections so publishers and consumers targeting the
// same broker, stream and shard share one physical connection.
package pool

import (
	"fmt"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/arloliu/rstream/types"
)

// Key identifies a cached connection.
type Key struct {
	// Leader is true for publisher connections (leader role) and false for consumers.
	Leader bool

	Stream string
	Host   string

	// Shard is the id-allocator shard the connection serves.
	Shard uint32
}

// String renders the key for logs.
func (k Key) String() string {
	role := "replica"
	if k.Leader {
		role = "leader"
	}

	return fmt.Sprintf("%s/%s@%s#%d", role, k.Stream, k.Host, k.Shard)
}

// Pool maps keys to shared connections.
//
// The pool does not manage reference counts; callers increment on acquire and
// remove the connection once its count drops to zero.
//
// Pool is safe for concurrent use.
type Pool struct {
	conns *xsync.Map[Key, types.Connection]
}

var global = New()

// Global returns the process-wide pool.
func Global() *Pool { return global }

// New creates an empty pool.
func New() *Pool {
	return &Pool{conns: xsync.NewMap[Key, types.Connection]()}
}

// Get returns the usable connection cached under key.
//
// A cached connection that is no longer open is evicted and reported as a miss.
//
// Parameters:
//   - key: Pool key
//
// Returns:
//   - types.Connection: Cached connection (nil on miss)
//   - bool: true on hit
func (p *Pool) Get(key Key) (types.Connection, bool) {
	conn, ok := p.conns.Load(key)
	if !ok {
		return nil, false
	}
	if !conn.IsOpen() {
		p.conns.Delete(key)

		return nil, false
	}

	return conn, true
}

// Put caches conn under key unless a usable connection was stored concurrently.
//
// Parameters:
//   - key: Pool key
//   - conn: Freshly opened connection
//
// Returns:
//   - types.Connection: The connection now cached under key. When it differs from
//     conn the caller lost the race and should close conn.
func (p *Pool) Put(key Key, conn types.Connection) types.Connection {
	for {
		actual, loaded := p.conns.LoadOrStore(key, conn)
		if !loaded || actual == conn {
			return conn
		}
		if actual.IsOpen() {
			return actual
		}
		p.conns.Delete(key)
	}
}

// Remove evicts every key that maps to conn.
//
// Returns:
//   - int: Number of evicted keys
func (p *Pool) Remove(conn types.Connection) int {
	removed := 0
	p.conns.Range(func(key Key, value types.Connection) bool {
		if value == conn {
			p.conns.Delete(key)
			removed++
		}

		return true
	})

	return removed
}

// Len returns the number of cached keys.
func (p *Pool) Len() int {
	return p.conns.Size()
}
