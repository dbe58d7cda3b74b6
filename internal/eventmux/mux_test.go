package eventmux

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	rstesting "github.com/arloliu/rstream/testing"
	"github.com/arloliu/rstream/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingSink struct {
	mu     sync.Mutex
	events []types.Event
}

func (s *recordingSink) HandleEvent(ev types.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *recordingSink) Events() []types.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]types.Event(nil), s.events...)
}

type recordingWatcher struct {
	mu     sync.Mutex
	closed []string
	misses []string
}

func (w *recordingWatcher) ConnectionClosed(_ types.Connection, ev types.ConnectionClosedEvent) {
	w.mu.Lock()
	w.closed = append(w.closed, ev.Reason)
	w.mu.Unlock()
}

func (w *recordingWatcher) DispatchMiss(_ types.Connection, event string, _ uint8) {
	w.mu.Lock()
	w.misses = append(w.misses, event)
	w.mu.Unlock()
}

func (w *recordingWatcher) snapshot() ([]string, []string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	return append([]string(nil), w.closed...), append([]string(nil), w.misses...)
}

// drain closes the connection and waits for the dispatch goroutine.
func drain(t *testing.T, conn *rstesting.FakeConn, m *Mux) {
	t.Helper()
	require.NoError(t, conn.Close(t.Context(), types.CloseParams{}))
	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("dispatch goroutine did not exit")
	}
}

func TestAttach_OneMuxPerConnection(t *testing.T) {
	conn := rstesting.NewFakeConn(rstesting.FakeConnConfig{})
	m1 := Attach(conn)
	m2 := Attach(conn)
	require.Same(t, m1, m2)

	got, ok := Lookup(conn)
	require.True(t, ok)
	require.Same(t, m1, got)

	drain(t, conn, m1)
	_, ok = Lookup(conn)
	require.False(t, ok)
}

func TestMux_RoutesByRoleAndWire(t *testing.T) {
	conn := rstesting.NewFakeConn(rstesting.FakeConnConfig{})
	m := Attach(conn)

	consumer0, consumer1, publisher0 := &recordingSink{}, &recordingSink{}, &recordingSink{}
	require.NoError(t, m.Register(RoleConsumer, 0, consumer0))
	require.NoError(t, m.Register(RoleConsumer, 1, consumer1))
	require.NoError(t, m.Register(RolePublisher, 0, publisher0))

	conn.Push(types.DeliveryEvent{SubscriptionID: 1})
	conn.Push(types.FilteredDeliveryEvent{SubscriptionID: 0})
	conn.Push(types.ConsumerUpdateEvent{SubscriptionID: 0, CorrelationID: 9})
	conn.Push(types.PublishConfirmEvent{PublisherID: 0, PublishingIDs: []uint64{1}})
	conn.Push(types.PublishErrorEvent{PublisherID: 0})

	drain(t, conn, m)

	require.Len(t, consumer0.Events(), 2)
	require.IsType(t, types.FilteredDeliveryEvent{}, consumer0.Events()[0])
	require.IsType(t, types.ConsumerUpdateEvent{}, consumer0.Events()[1])
	require.Len(t, consumer1.Events(), 1)
	require.Len(t, publisher0.Events(), 2)
}

func TestMux_MissesAndClosedGoToWatchers(t *testing.T) {
	conn := rstesting.NewFakeConn(rstesting.FakeConnConfig{})
	m := Attach(conn)

	a, b := &recordingWatcher{}, &recordingWatcher{}
	m.Watch("a", a)
	m.Watch("b", b)
	m.Unwatch("b")

	conn.Push(types.DeliveryEvent{SubscriptionID: 7})
	conn.Push(types.PublishConfirmEvent{PublisherID: 3})
	conn.Drop("heartbeat timeout")

	drain(t, conn, m)

	closed, misses := a.snapshot()
	require.Equal(t, []string{"heartbeat timeout"}, closed)
	require.Equal(t, []string{"delivery", "publish_confirm"}, misses)

	closed, misses = b.snapshot()
	require.Empty(t, closed)
	require.Empty(t, misses)
}

func TestMux_RegisterConflicts(t *testing.T) {
	conn := rstesting.NewFakeConn(rstesting.FakeConnConfig{})
	m := Attach(conn)
	defer drain(t, conn, m)

	first, second := &recordingSink{}, &recordingSink{}
	require.NoError(t, m.Register(RoleConsumer, 4, first))
	require.NoError(t, m.Register(RoleConsumer, 4, first), "re-registering the same sink is allowed")
	require.ErrorIs(t, m.Register(RoleConsumer, 4, second), ErrIDInUse)

	// the publisher id space is separate
	require.NoError(t, m.Register(RolePublisher, 4, second))

	// unregistering with the wrong sink keeps the binding
	m.Unregister(RoleConsumer, 4, second)
	require.Equal(t, 1, m.table(RoleConsumer).Size())

	m.Unregister(RoleConsumer, 4, first)
	require.Equal(t, 0, m.table(RoleConsumer).Size())
	require.NoError(t, m.Register(RoleConsumer, 4, second))
}

func TestRole_String(t *testing.T) {
	require.Equal(t, "consumer", RoleConsumer.String())
	require.Equal(t, "publisher", RolePublisher.String())
}
