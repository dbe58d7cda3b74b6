package natsconn_test

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/rstream"
	rstesting "github.com/arloliu/rstream/testing"
	"github.com/arloliu/rstream/transport/natsconn"
	"github.com/arloliu/rstream/types"
)

var (
	nodes = []types.Broker{
		{Host: "node-0", Port: 5552},
		{Host: "node-1", Port: 5552},
		{Host: "node-2", Port: 5552},
	}
	loadBalancer = types.Broker{Host: "lb", Port: 5551}
)

type env struct {
	url      string
	cluster  *rstesting.Cluster
	gateways []*natsconn.Gateway
	dialer   *natsconn.Dialer
}

// setup starts an embedded NATS server with one gateway per cluster node.
func setup(t *testing.T, opts ...rstesting.ClusterOption) *env {
	t.Helper()

	ns, nc := rstesting.StartEmbeddedNATS(t)
	e := &env{url: ns.ClientURL(), cluster: rstesting.NewCluster(nodes, opts...)}

	for _, node := range nodes {
		gw := natsconn.NewGateway(nc, natsconn.GatewayConfig{
			Node:            node,
			SharedAddresses: []types.Broker{loadBalancer},
			Logger:          rstesting.NewTestLogger(t),
		}, e.cluster.Dialer())
		require.NoError(t, gw.Start(t.Context()))
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = gw.Stop(ctx)
		})
		e.gateways = append(e.gateways, gw)
	}
	e.dialer = natsconn.NewDialer(e.url, natsconn.WithRequestTimeout(2*time.Second))

	return e
}

func (e *env) dial(t *testing.T, addr types.Broker) types.Connection {
	t.Helper()

	conn, err := e.dialer.Dial(t.Context(), types.DialParams{Host: addr.Host, Port: addr.Port, Username: "guest"})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close(context.Background(), types.CloseParams{Code: types.ResponseCodeOK, Reason: "test done"})
	})

	return conn
}

func nextEvent(t *testing.T, conn types.Connection) types.Event {
	t.Helper()

	select {
	case ev, ok := <-conn.Events():
		require.True(t, ok, "event channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return nil
	}
}

func TestDial_Handshake(t *testing.T) {
	e := setup(t, rstesting.WithManagementVersion("3.13.2"))

	conn := e.dial(t, nodes[1])
	require.True(t, conn.IsOpen())
	require.NotEmpty(t, conn.ID())

	info := conn.ConnectionInfo()
	require.Equal(t, "node-1", info.Host)
	require.Equal(t, 5552, info.Port)
	require.Equal(t, conn.ID(), info.ID)
	require.True(t, conn.IsFilteringEnabled())
	require.Equal(t, uint32(1<<20), conn.MaxFrameSize())
	require.Equal(t, []string{"1", "2"}, conn.ServerVersions())
	require.Equal(t, "3.13.2", conn.ManagementVersion())

	backends := e.cluster.ConnsTo("node-1")
	require.Len(t, backends, 1)
	require.Equal(t, 1, e.gateways[1].Sessions())
}

func TestDial_SharedAddress(t *testing.T) {
	e := setup(t)

	conn := e.dial(t, loadBalancer)
	require.Contains(t, []string{"node-0", "node-1", "node-2"}, conn.ConnectionInfo().Host,
		"reports the node that served the handshake")
}

func TestDial_Errors(t *testing.T) {
	e := setup(t)

	_, err := e.dialer.Dial(t.Context(), types.DialParams{Host: "nowhere", Port: 5552})
	require.ErrorIs(t, err, natsconn.ErrNoGateway)

	e.cluster.FailDial(errors.New("authentication failure"))
	_, err = e.dialer.Dial(t.Context(), types.DialParams{Host: "node-0", Port: 5552})
	require.ErrorContains(t, err, "authentication failure")

	_, err = natsconn.NewDialer("nats://127.0.0.1:1").Dial(t.Context(), types.DialParams{Host: "node-0", Port: 5552})
	require.Error(t, err)
}

func TestConn_SendAndWait(t *testing.T) {
	e := setup(t)
	conn := e.dial(t, nodes[0])
	ctx := t.Context()

	resp, err := conn.SendAndWait(ctx, types.CreateStreamRequest{Stream: "orders"})
	require.NoError(t, err)
	require.True(t, resp.OK())

	resp, err = conn.SendAndWait(ctx, types.CreateStreamRequest{Stream: "orders"})
	require.NoError(t, err, "broker rejections are responses, not errors")
	require.Equal(t, types.ResponseCodeStreamAlreadyExists, resp.Code)

	resp, err = conn.SendAndWait(ctx, types.MetadataRequest{Streams: []string{"orders"}})
	require.NoError(t, err)
	require.Len(t, resp.Metadata, 1)
	require.Equal(t, nodes[0], *resp.Metadata[0].Leader)
	require.Equal(t, nodes[1:], resp.Metadata[0].Replicas)
}

func TestConn_SendAndEvents(t *testing.T) {
	e := setup(t)
	e.cluster.AddStream("orders", &nodes[0])
	conn := e.dial(t, nodes[0])
	ctx := t.Context()

	resp, err := conn.SendAndWait(ctx, types.DeclarePublisherRequest{PublisherID: 4, Stream: "orders"})
	require.NoError(t, err)
	require.True(t, resp.OK())

	msgs := []types.Message{
		{PublishingID: 1, Body: []byte("a")},
		{PublishingID: 2, Body: []byte("b")},
	}
	require.NoError(t, conn.Send(ctx, types.PublishRequest{PublisherID: 4, Messages: msgs}))

	ev := nextEvent(t, conn)
	require.Equal(t, types.PublishConfirmEvent{PublisherID: 4, PublishingIDs: []uint64{1, 2}}, ev)

	log := e.cluster.Log("orders")
	require.Len(t, log, 2)
	require.Equal(t, []byte("b"), log[1].Body)

	// events injected at the broker side arrive in order
	backend := e.cluster.ConnsTo("node-0")[0]
	backend.Push(types.DeliveryEvent{SubscriptionID: 1, Messages: []types.Message{{Offset: 0}}})
	backend.Push(types.ConsumerUpdateEvent{SubscriptionID: 1, CorrelationID: 5, Active: true})
	require.IsType(t, types.DeliveryEvent{}, nextEvent(t, conn))
	require.Equal(t, types.ConsumerUpdateEvent{SubscriptionID: 1, CorrelationID: 5, Active: true}, nextEvent(t, conn))
}

func TestConn_DropAndRestart(t *testing.T) {
	e := setup(t)
	conn := e.dial(t, nodes[2])
	ctx := t.Context()

	backend := e.cluster.ConnsTo("node-2")[0]
	backend.Drop("node maintenance")

	ev := nextEvent(t, conn)
	require.Equal(t, types.ConnectionClosedEvent{Code: types.ResponseCodeOK, Reason: "node maintenance"}, ev)
	require.False(t, conn.IsOpen())

	_, err := conn.SendAndWait(ctx, types.MetadataRequest{})
	require.ErrorIs(t, err, types.ErrConnectionClosed)

	require.NoError(t, conn.Restart(ctx))
	require.True(t, conn.IsOpen())
	require.Equal(t, 1, backend.Restarts())
	require.Len(t, e.cluster.ConnsTo("node-2"), 1, "restart reuses the gateway session")

	resp, err := conn.SendAndWait(ctx, types.MetadataRequest{})
	require.NoError(t, err)
	require.True(t, resp.OK())
}

func TestConn_Close(t *testing.T) {
	e := setup(t)
	conn := e.dial(t, nodes[0])
	backend := e.cluster.ConnsTo("node-0")[0]

	require.NoError(t, conn.Close(t.Context(), types.CloseParams{Code: types.ResponseCodeOK, Reason: "done"}))
	require.False(t, conn.IsOpen())

	_, ok := <-conn.Events()
	require.False(t, ok, "event channel closed")

	require.Eventually(t, func() bool {
		return e.gateways[0].Sessions() == 0 && backend.Closes() == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err := conn.SendAndWait(t.Context(), types.MetadataRequest{})
	require.ErrorIs(t, err, types.ErrConnectionClosed)
	require.ErrorIs(t, conn.Restart(t.Context()), types.ErrConnectionClosed)
	require.NoError(t, conn.Close(t.Context(), types.CloseParams{}), "second close is a no-op")
}

func TestConn_CloseWithFullEventBuffer(t *testing.T) {
	e := setup(t)
	dialer := natsconn.NewDialer(e.url, natsconn.WithEventBuffer(1))
	conn, err := dialer.Dial(t.Context(), types.DialParams{Host: "node-0", Port: 5552})
	require.NoError(t, err)
	backend := e.cluster.ConnsTo("node-0")[0]

	// nobody reads events: the first fills the buffer, the second blocks delivery
	backend.Push(types.ConsumerUpdateEvent{SubscriptionID: 1, CorrelationID: 1})
	backend.Push(types.ConsumerUpdateEvent{SubscriptionID: 1, CorrelationID: 2})
	require.Eventually(t, func() bool { return len(conn.Events()) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- conn.Close(context.Background(), types.CloseParams{Code: types.ResponseCodeOK}) }()

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked behind a full event buffer")
	}

	ev, ok := <-conn.Events()
	require.True(t, ok)
	require.Equal(t, types.ConsumerUpdateEvent{SubscriptionID: 1, CorrelationID: 1}, ev)
	_, ok = <-conn.Events()
	require.False(t, ok, "event channel closed")
}

func TestGateway_Lifecycle(t *testing.T) {
	_, nc := rstesting.StartEmbeddedNATS(t)
	cluster := rstesting.NewCluster(nodes)
	gw := natsconn.NewGateway(nc, natsconn.GatewayConfig{Node: nodes[0]}, cluster.Dialer())

	require.ErrorIs(t, gw.Stop(t.Context()), natsconn.ErrGatewayNotStarted)
	require.NoError(t, gw.Start(t.Context()))
	require.ErrorIs(t, gw.Start(t.Context()), natsconn.ErrGatewayStarted)

	conn, err := natsconn.NewDialer(nc.ConnectedUrl()).Dial(t.Context(), types.DialParams{Host: "node-0", Port: 5552})
	require.NoError(t, err)
	require.Equal(t, 1, gw.Sessions())

	require.NoError(t, gw.Stop(t.Context()))
	require.Zero(t, gw.Sessions())
	require.Equal(t, 1, cluster.Conns()[0].Closes())

	start := time.Now()
	_, err = conn.SendAndWait(t.Context(), types.MetadataRequest{})
	require.ErrorIs(t, err, types.ErrConnectionClosed, "session is gone")
	require.Less(t, time.Since(start), time.Second, "fails fast instead of waiting out the request timeout")
	require.NoError(t, conn.Close(t.Context(), types.CloseParams{}))
}

func TestClient_OverNATS(t *testing.T) {
	e := setup(t)
	ctx := t.Context()

	cfg := rstream.TestConfig()
	cfg.Host = "node-0"
	client, err := rstream.Connect(ctx, &cfg, e.dialer, rstream.WithIsolatedPool())
	require.NoError(t, err)
	defer func() { require.NoError(t, client.Close(context.Background())) }()

	require.NoError(t, client.CreateStream(ctx, "orders", nil))

	confirmed := make(chan []uint64, 1)
	pub, err := client.DeclarePublisher(ctx, rstream.PublisherParams{
		Stream:    "orders",
		OnConfirm: func(ids []uint64) { confirmed <- ids },
	})
	require.NoError(t, err)

	ids, err := pub.Send(ctx, rstream.Message{Body: []byte("hello")}, rstream.Message{Body: []byte("world")})
	require.NoError(t, err)

	select {
	case got := <-confirmed:
		require.Equal(t, ids, got)
	case <-time.After(2 * time.Second):
		t.Fatal("publish not confirmed")
	}
	require.Len(t, e.cluster.Log("orders"), 2)

	cons, err := client.DeclareConsumer(ctx, rstream.ConsumerParams{Stream: "orders", Offset: rstream.OffsetFirst()},
		rstream.MessageHandlerFunc(func(context.Context, *rstream.Consumer, rstream.Message) error { return nil }))
	require.NoError(t, err)
	require.True(t, slices.Contains([]string{"node-1", "node-2"}, e.cluster.Conns()[len(e.cluster.Conns())-1].ConnectionInfo().Host))
	require.NoError(t, cons.Close(ctx))
}
