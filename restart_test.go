package rstream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	rstesting "github.com/arloliu/rstream/testing"
	"github.com/arloliu/rstream/types"
)

func TestClient_Restart(t *testing.T) {
	cluster := newTestCluster()
	cluster.AddStream("orders", &node0, node1)
	m := newCountingMetrics()

	restarted := make(chan error, 1)
	hooks := &Hooks{OnRestart: func(_ context.Context, err error) error {
		restarted <- err
		return nil
	}}
	client := connectTest(t, cluster, WithMetrics(m), WithHooks(hooks))
	ctx := t.Context()

	first := &recorder{}
	cons1, err := client.DeclareConsumer(ctx, ConsumerParams{Stream: "orders", Reference: "a"}, first)
	require.NoError(t, err)
	cons2, err := client.DeclareConsumer(ctx, ConsumerParams{Stream: "orders", Offset: OffsetFirst()}, &recorder{})
	require.NoError(t, err)
	pub, err := client.DeclarePublisher(ctx, PublisherParams{Stream: "orders", Reference: "p"})
	require.NoError(t, err)

	consConn := rstesting.AsFake(cons1.conn)
	require.Same(t, consConn, rstesting.AsFake(cons2.conn))
	pubConn := rstesting.AsFake(pub.conn)

	consConn.Push(types.DeliveryEvent{SubscriptionID: cons1.ID().Wire(), Messages: chunk(0, 5)})
	require.Eventually(t, func() bool { return first.count() == 5 }, waitFor, 5*time.Millisecond)

	require.NoError(t, client.Restart(ctx))

	require.Equal(t, 1, locatorOf(client).Restarts())
	require.Equal(t, 1, consConn.Restarts(), "shared connection restarted once")
	require.Equal(t, 1, pubConn.Restarts())

	subs := rstesting.RequestsOf[types.SubscribeRequest](consConn)
	require.Len(t, subs, 4)
	require.Equal(t, cons1.ID().Wire(), subs[2].SubscriptionID)
	require.Equal(t, OffsetAt(5), subs[2].Offset, "resumes after the last examined message")
	require.Equal(t, cons2.ID().Wire(), subs[3].SubscriptionID)
	require.Equal(t, OffsetFirst(), subs[3].Offset, "nothing consumed yet")

	decls := rstesting.RequestsOf[types.DeclarePublisherRequest](pubConn)
	require.Len(t, decls, 2)
	require.Equal(t, decls[0], decls[1])

	require.NoError(t, <-restarted)
	require.Equal(t, []bool{true}, m.snapshot().restarts)

	// handles keep working on the restarted links
	consConn.Push(types.DeliveryEvent{SubscriptionID: cons1.ID().Wire(), Messages: chunk(5, 2)})
	require.Eventually(t, func() bool { return first.count() == 7 }, waitFor, 5*time.Millisecond)

	ids, err := pub.Send(ctx, Message{Body: []byte("after")})
	require.NoError(t, err)
	require.Equal(t, []uint64{1}, ids)
	require.Len(t, cluster.Log("orders"), 1)
}

func TestClient_RestartPartialFailure(t *testing.T) {
	cluster := newTestCluster()
	cluster.AddStream("orders", &node0, node1)
	m := newCountingMetrics()

	restarted := make(chan error, 1)
	hooks := &Hooks{OnRestart: func(_ context.Context, err error) error {
		restarted <- err
		return nil
	}}
	client := connectTest(t, cluster, WithMetrics(m), WithHooks(hooks))
	ctx := t.Context()

	cons, err := client.DeclareConsumer(ctx, ConsumerParams{Stream: "orders"}, &recorder{})
	require.NoError(t, err)
	pub, err := client.DeclarePublisher(ctx, PublisherParams{Stream: "orders"})
	require.NoError(t, err)

	errLinkDown := errors.New("link down")
	rstesting.AsFake(cons.conn).FailRestart(errLinkDown)

	err = client.Restart(ctx)
	require.ErrorIs(t, err, errLinkDown)
	require.ErrorIs(t, <-restarted, errLinkDown)
	require.Equal(t, []bool{false}, m.snapshot().restarts)

	require.Len(t, rstesting.RequestsOf[types.DeclarePublisherRequest](rstesting.AsFake(pub.conn)), 2,
		"publishers are restored even when a consumer connection fails")

	rstesting.AsFake(cons.conn).FailRestart(nil)
}

func TestClient_RestartLocatorFailure(t *testing.T) {
	cluster := newTestCluster()
	client := connectTest(t, cluster)

	errLinkDown := errors.New("link down")
	locatorOf(client).FailRestart(errLinkDown)

	err := client.Restart(t.Context())
	require.ErrorIs(t, err, errLinkDown)
	require.Contains(t, err.Error(), "restart locator")
}

func TestClient_RestartSettleCancelled(t *testing.T) {
	cluster := newTestCluster()
	cfg := TestConfig()
	cfg.Host = node0.Host
	cfg.RestartSettleDelay = time.Hour
	client := connectWithConfig(t, cluster, cfg)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	require.ErrorIs(t, client.Restart(ctx), context.Canceled)
	require.Zero(t, locatorOf(client).Restarts())
}

func TestClient_RestartFromConnectionClosedHook(t *testing.T) {
	cluster := newTestCluster()
	cluster.AddStream("orders", &node0, node1)

	var client *Client
	done := make(chan error, 1)
	hooks := &Hooks{OnConnectionClosed: func(_ context.Context, _ ConnectionInfo, _ string) error {
		go func() { done <- client.Restart(context.Background()) }()
		return nil
	}}
	client = connectTest(t, cluster, WithHooks(hooks))

	rec := &recorder{}
	cons, err := client.DeclareConsumer(t.Context(), ConsumerParams{Stream: "orders"}, rec)
	require.NoError(t, err)
	conn := rstesting.AsFake(cons.conn)

	conn.Drop("node restarting")

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("restart not triggered")
	}
	require.True(t, conn.IsOpen())
	require.Equal(t, 1, conn.Restarts())

	conn.Push(types.DeliveryEvent{SubscriptionID: cons.ID().Wire(), Messages: chunk(0, 1)})
	require.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, 5*time.Millisecond)
}

func TestClient_RestartAfterClose(t *testing.T) {
	cluster := newTestCluster()
	client := connectTest(t, cluster)

	require.NoError(t, client.Close(t.Context()))
	require.ErrorIs(t, client.Restart(t.Context()), ErrClientClosed)
}

func TestGroupByConn(t *testing.T) {
	a := rstesting.NewFakeConn(rstesting.FakeConnConfig{ID: "a"})
	b := rstesting.NewFakeConn(rstesting.FakeConnConfig{ID: "b"})

	type handle struct {
		id   HandleID
		conn Connection
	}
	handles := []handle{
		{id: types.NewHandleID(1, 0), conn: b},
		{id: types.NewHandleID(0, 3), conn: a},
		{id: types.NewHandleID(0, 1), conn: a},
		{id: types.NewHandleID(0, 2), conn: b},
	}

	groups := groupByConn(handles, func(h handle) (HandleID, Connection) { return h.id, h.conn })
	require.Len(t, groups, 2)

	require.Equal(t, a, groups[0].conn)
	require.Equal(t, []HandleID{types.NewHandleID(0, 1), types.NewHandleID(0, 3)},
		[]HandleID{groups[0].handles[0].id, groups[0].handles[1].id})

	require.Equal(t, b, groups[1].conn)
	require.Equal(t, []HandleID{types.NewHandleID(0, 2), types.NewHandleID(1, 0)},
		[]HandleID{groups[1].handles[0].id, groups[1].handles[1].id})

	require.Empty(t, groupByConn[handle](nil, func(h handle) (HandleID, Connection) { return h.id, h.conn }))
}
