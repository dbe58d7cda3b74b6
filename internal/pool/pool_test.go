package pool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	rstesting "github.com/arloliu/rstream/testing"
	"github.com/arloliu/rstream/types"
)

func newConn() *rstesting.FakeConn {
	return rstesting.NewFakeConn(rstesting.FakeConnConfig{Host: "node-0", Port: 5552})
}

func TestPool_GetPut(t *testing.T) {
	t.Run("same key reuses the same connection", func(t *testing.T) {
		p := New()
		key := Key{Leader: true, Stream: "orders", Host: "node-0", Shard: 0}
		conn := newConn()

		require.Same(t, conn, p.Put(key, conn))

		got, ok := p.Get(key)
		require.True(t, ok)
		require.Same(t, conn, got)

		got, ok = p.Get(Key{Leader: true, Stream: "orders", Host: "node-0", Shard: 0})
		require.True(t, ok)
		require.Same(t, conn, got)
	})

	t.Run("different shard never reuses", func(t *testing.T) {
		p := New()
		p.Put(Key{Stream: "orders", Host: "node-0", Shard: 0}, newConn())

		_, ok := p.Get(Key{Stream: "orders", Host: "node-0", Shard: 1})
		require.False(t, ok)
	})

	t.Run("different role, stream or host never reuses", func(t *testing.T) {
		p := New()
		base := Key{Leader: true, Stream: "orders", Host: "node-0"}
		p.Put(base, newConn())

		for _, key := range []Key{
			{Leader: false, Stream: "orders", Host: "node-0"},
			{Leader: true, Stream: "payments", Host: "node-0"},
			{Leader: true, Stream: "orders", Host: "node-1"},
		} {
			_, ok := p.Get(key)
			require.False(t, ok, key.String())
		}
	})

	t.Run("stale connection is evicted", func(t *testing.T) {
		p := New()
		key := Key{Stream: "orders", Host: "node-0"}
		conn := newConn()
		p.Put(key, conn)
		require.NoError(t, conn.Close(t.Context(), types.CloseParams{}))

		_, ok := p.Get(key)
		require.False(t, ok)
		require.Equal(t, 0, p.Len())
	})

	t.Run("put keeps a usable connection that raced in", func(t *testing.T) {
		p := New()
		key := Key{Stream: "orders", Host: "node-0"}
		first, second := newConn(), newConn()

		require.Same(t, first, p.Put(key, first))
		require.Same(t, first, p.Put(key, second))
	})

	t.Run("put replaces a stale connection", func(t *testing.T) {
		p := New()
		key := Key{Stream: "orders", Host: "node-0"}
		stale, fresh := newConn(), newConn()
		p.Put(key, stale)
		stale.Drop("gone")

		require.Same(t, fresh, p.Put(key, fresh))
	})
}

func TestPool_ConcurrentPut(t *testing.T) {
	p := New()
	key := Key{Stream: "orders", Host: "node-0"}

	const n = 32
	winners := make([]types.Connection, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			winners[i] = p.Put(key, newConn())
		}()
	}
	wg.Wait()

	for _, w := range winners {
		require.Same(t, winners[0], w)
	}
	require.Equal(t, 1, p.Len())
}

func TestPool_Remove(t *testing.T) {
	p := New()
	shared, other := newConn(), newConn()
	p.Put(Key{Stream: "a", Host: "node-0"}, shared)
	p.Put(Key{Stream: "b", Host: "node-0"}, shared)
	p.Put(Key{Stream: "c", Host: "node-0"}, other)

	require.Equal(t, 2, p.Remove(shared))
	require.Equal(t, 1, p.Len())
	require.Equal(t, 0, p.Remove(shared))

	got, ok := p.Get(Key{Stream: "c", Host: "node-0"})
	require.True(t, ok)
	require.Same(t, other, got)
}

func TestKey_String(t *testing.T) {
	require.Equal(t, "leader/orders@node-0#2", Key{Leader: true, Stream: "orders", Host: "node-0", Shard: 2}.String())
	require.Equal(t, "replica/orders@node-1#0", Key{Stream: "orders", Host: "node-1"}.String())
}

func TestGlobal(t *testing.T) {
	require.Same(t, Global(), Global())
}
