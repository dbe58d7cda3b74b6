package rstream

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	rstesting "github.com/arloliu/rstream/testing"
	"github.com/arloliu/rstream/types"
)

func TestDeclarePublisher(t *testing.T) {
	cluster := newTestCluster()
	cluster.AddStream("orders", &node0, node1, node2)
	client := connectTest(t, cluster)

	p, err := client.DeclarePublisher(t.Context(), PublisherParams{Stream: "orders", Reference: "svc"})
	require.NoError(t, err)
	require.Equal(t, "orders", p.Stream())
	require.Equal(t, "svc", p.Reference())
	require.Equal(t, node0.Host, p.conn.ConnectionInfo().Host, "publishers use the leader")

	reqs := rstesting.RequestsOf[types.DeclarePublisherRequest](rstesting.AsFake(p.conn))
	require.Equal(t, []types.DeclarePublisherRequest{{PublisherID: 0, Reference: "svc", Stream: "orders"}}, reqs)

	got, ok := client.publishers.Load(p.ID())
	require.True(t, ok)
	require.Same(t, p, got)
}

func TestDeclarePublisher_BrokerRejects(t *testing.T) {
	cluster := newTestCluster()
	cluster.AddStream("orders", &node0)
	client := connectTest(t, cluster)

	cluster.FailNext(types.CommandDeclarePublisher, types.ResponseCodeAccessRefused)
	_, err := client.DeclarePublisher(t.Context(), PublisherParams{Stream: "orders"})
	require.True(t, IsResponseCode(err, ResponseCodeAccessRefused))
	require.Contains(t, err.Error(), "declare publisher")

	leader := cluster.ConnsTo(node0.Host)
	require.Len(t, leader, 2)
	require.Equal(t, 1, leader[1].Closes(), "connection released after failed declare")
	require.Zero(t, client.publishers.Size())
}

func TestDeclarePublisher_FilteringUnsupported(t *testing.T) {
	cluster := newTestCluster(rstesting.WithFiltering(false))
	cluster.AddStream("orders", &node0)
	client := connectTest(t, cluster)

	_, err := client.DeclarePublisher(t.Context(), PublisherParams{
		Stream: "orders",
		Filter: func(msg Message) string { return msg.ApplicationProperties["region"] },
	})
	require.ErrorIs(t, err, ErrFilteringUnsupported)

	conn := cluster.ConnsTo(node0.Host)[1]
	require.Len(t, rstesting.RequestsOf[types.DeclarePublisherRequest](conn), 1)
	require.Len(t, rstesting.RequestsOf[types.DeletePublisherRequest](conn), 1, "declared publisher is deleted again")
	require.Equal(t, 1, conn.Closes())
}

func TestPublisher_Send(t *testing.T) {
	cluster := newTestCluster()
	cluster.AddStream("orders", &node0)
	client := connectTest(t, cluster)

	var mu sync.Mutex
	var confirmed []uint64
	p, err := client.DeclarePublisher(t.Context(), PublisherParams{
		Stream:         "orders",
		MaxChunkLength: 2,
		Filter:         func(msg Message) string { return strings.ToUpper(string(msg.Body)) },
		OnConfirm: func(ids []uint64) {
			mu.Lock()
			confirmed = append(confirmed, ids...)
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	msgs := []Message{{Body: []byte("a")}, {Body: []byte("b")}, {Body: []byte("c")}, {Body: []byte("d")}, {Body: []byte("e")}}
	ids, err := p.Send(t.Context(), msgs...)
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2, 3, 4, 5}, ids)

	batches := rstesting.RequestsOf[types.PublishRequest](rstesting.AsFake(p.conn))
	require.Len(t, batches, 3)
	require.Len(t, batches[0].Messages, 2)
	require.Len(t, batches[2].Messages, 1)

	log := cluster.Log("orders")
	require.Len(t, log, 5)
	require.Equal(t, "C", log[2].FilterValue)
	require.Equal(t, uint64(3), log[2].PublishingID)
	require.Zero(t, msgs[0].PublishingID, "caller messages are not modified")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(confirmed) == 5
	}, time.Second, 5*time.Millisecond)

	ids, err = p.Send(t.Context(), Message{Body: []byte("f")})
	require.NoError(t, err)
	require.Equal(t, []uint64{6}, ids)
}

func TestPublisher_SendTooLarge(t *testing.T) {
	cluster := newTestCluster(rstesting.WithMaxFrameSize(8))
	cluster.AddStream("orders", &node0)
	client := connectTest(t, cluster)

	p, err := client.DeclarePublisher(t.Context(), PublisherParams{Stream: "orders"})
	require.NoError(t, err)

	_, err = p.Send(t.Context(), Message{Body: []byte("ok")}, Message{Body: []byte("too large!")})
	require.ErrorIs(t, err, ErrMessageTooLarge)
	require.Empty(t, rstesting.RequestsOf[types.PublishRequest](rstesting.AsFake(p.conn)))
}

func TestPublisher_PublishErrors(t *testing.T) {
	cluster := newTestCluster()
	cluster.AddStream("orders", &node0)
	client := connectTest(t, cluster)

	rejected := make(chan []PublishingError, 1)
	p, err := client.DeclarePublisher(t.Context(), PublisherParams{
		Stream:  "orders",
		OnError: func(errs []PublishingError) { rejected <- errs },
	})
	require.NoError(t, err)

	want := []PublishingError{{PublishingID: 4, Code: types.ResponseCodeInternalError}}
	rstesting.AsFake(p.conn).Push(types.PublishErrorEvent{PublisherID: p.ID().Wire(), Errors: want})

	select {
	case got := <-rejected:
		require.Equal(t, want, got)
	case <-time.After(time.Second):
		t.Fatal("OnError not called")
	}
}

func TestPublisher_BootResumesSequence(t *testing.T) {
	cluster := newTestCluster()
	cluster.AddStream("orders", &node0)
	client := connectTest(t, cluster)
	ctx := t.Context()

	first, err := client.DeclarePublisher(ctx, PublisherParams{Stream: "orders", Reference: "svc"})
	require.NoError(t, err)
	_, err = first.Send(ctx, Message{Body: []byte("1")}, Message{Body: []byte("2")}, Message{Body: []byte("3")})
	require.NoError(t, err)

	seq, err := first.QuerySequence(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(3), seq)
	require.NoError(t, first.Close(ctx))

	second, err := client.DeclarePublisher(ctx, PublisherParams{Stream: "orders", Reference: "svc", Boot: true})
	require.NoError(t, err)
	ids, err := second.Send(ctx, Message{Body: []byte("4")})
	require.NoError(t, err)
	require.Equal(t, []uint64{4}, ids)

	seq, err = client.QueryPublisherSequence(ctx, "svc", "orders")
	require.NoError(t, err)
	require.Equal(t, uint64(4), seq)

	_, err = client.QueryPublisherSequence(ctx, "", "orders")
	require.ErrorIs(t, err, ErrReferenceRequired)
}

func TestDeletePublisher(t *testing.T) {
	cluster := newTestCluster()
	cluster.AddStream("orders", &node0)
	client := connectTest(t, cluster)
	ctx := t.Context()

	p, err := client.DeclarePublisher(ctx, PublisherParams{Stream: "orders"})
	require.NoError(t, err)
	conn := rstesting.AsFake(p.conn)

	require.NoError(t, client.DeletePublisher(ctx, p.ID()))
	require.Zero(t, client.publishers.Size())
	require.Equal(t, 1, conn.Closes(), "last holder closes the connection")
	require.NoError(t, p.Close(ctx), "closing a deleted publisher is a no-op")

	t.Run("unknown id falls back to the locator", func(t *testing.T) {
		err := client.DeletePublisher(ctx, types.NewHandleID(0, 42))
		require.True(t, IsResponseCode(err, types.ResponseCodePublisherDoesNotExist))

		reqs := rstesting.RequestsOf[types.DeletePublisherRequest](locatorOf(client))
		require.Equal(t, []types.DeletePublisherRequest{{PublisherID: 42}}, reqs)
	})

	t.Run("broker failure keeps the publisher", func(t *testing.T) {
		p, err := client.DeclarePublisher(ctx, PublisherParams{Stream: "orders"})
		require.NoError(t, err)

		cluster.FailNext(types.CommandDeletePublisher, types.ResponseCodeInternalError)
		require.Error(t, p.Close(ctx))
		_, ok := client.publishers.Load(p.ID())
		require.True(t, ok)
		require.True(t, p.conn.IsOpen())
	})
}
