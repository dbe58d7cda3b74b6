// Package eventmux reads a connection's event stream and routes each event to
// the publisher or consumer registered under its wire id.
//
// A connection has exactly one Mux no matter how many clients share it through
// the pool, so the single ordered event stream is consumed by one goroutine and
// per-subscription ordering is preserved.
package eventmux

import (
	"errors"
	"fmt"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/arloliu/rstream/types"
)

// ErrIDInUse is returned by Register when another sink holds the wire id.
var ErrIDInUse = errors.New("id already in use")

// Role selects the id space a sink is registered in.
type Role uint8

const (
	// RoleConsumer receives deliveries and consumer updates by subscription id.
	RoleConsumer Role = iota
	// RolePublisher receives confirms and publish errors by publisher id.
	RolePublisher
)

// String returns the role name.
func (r Role) String() string {
	if r == RolePublisher {
		return "publisher"
	}

	return "consumer"
}

// Sink handles events addressed to one publisher or consumer.
type Sink interface {
	HandleEvent(ev types.Event)
}

// Watcher observes connection-wide events. Every client using a connection
// registers one.
type Watcher interface {
	// ConnectionClosed is called when the broker or transport closes the connection.
	ConnectionClosed(conn types.Connection, ev types.ConnectionClosedEvent)

	// DispatchMiss is called for an event whose id has no registered sink.
	DispatchMiss(conn types.Connection, event string, wire uint8)
}

// Mux routes the events of a single connection.
type Mux struct {
	conn      types.Connection
	consumers *xsync.Map[uint8, Sink]
	producers *xsync.Map[uint8, Sink]
	watchers  *xsync.Map[string, Watcher]
	done      chan struct{}
}

var muxes = xsync.NewMap[types.Connection, *Mux]()

// Attach returns the Mux of conn, starting its dispatch goroutine on first use.
//
// The goroutine runs until the connection's event channel is closed.
func Attach(conn types.Connection) *Mux {
	if m, ok := muxes.Load(conn); ok {
		return m
	}

	m := &Mux{
		conn:      conn,
		consumers: xsync.NewMap[uint8, Sink](),
		producers: xsync.NewMap[uint8, Sink](),
		watchers:  xsync.NewMap[string, Watcher](),
		done:      make(chan struct{}),
	}
	actual, loaded := muxes.LoadOrStore(conn, m)
	if loaded {
		return actual
	}
	go m.run()

	return m
}

// Lookup returns the Mux of conn if one is attached.
func Lookup(conn types.Connection) (*Mux, bool) {
	return muxes.Load(conn)
}

// Register binds sink to a wire id.
//
// Returns:
//   - error: when another sink already holds the id on this connection
func (m *Mux) Register(role Role, wire uint8, sink Sink) error {
	actual, loaded := m.table(role).LoadOrStore(wire, sink)
	if loaded && actual != sink {
		return fmt.Errorf("%s %w: %d on connection %s", role, ErrIDInUse, wire, m.conn.ID())
	}

	return nil
}

// Unregister releases a wire id if it is still bound to sink.
func (m *Mux) Unregister(role Role, wire uint8, sink Sink) {
	table := m.table(role)
	if current, ok := table.Load(wire); ok && current == sink {
		table.Delete(wire)
	}
}

// Watch adds a watcher under key, replacing any previous one.
func (m *Mux) Watch(key string, w Watcher) {
	m.watchers.Store(key, w)
}

// Unwatch removes the watcher under key.
func (m *Mux) Unwatch(key string) {
	m.watchers.Delete(key)
}

// Done is closed when the dispatch goroutine has exited.
func (m *Mux) Done() <-chan struct{} {
	return m.done
}

func (m *Mux) table(role Role) *xsync.Map[uint8, Sink] {
	if role == RolePublisher {
		return m.producers
	}

	return m.consumers
}

func (m *Mux) run() {
	defer func() {
		if current, ok := muxes.Load(m.conn); ok && current == m {
			muxes.Delete(m.conn)
		}
		close(m.done)
	}()

	for ev := range m.conn.Events() {
		m.dispatch(ev)
	}
}

func (m *Mux) dispatch(ev types.Event) {
	switch e := ev.(type) {
	case types.DeliveryEvent:
		m.route(RoleConsumer, e.SubscriptionID, "delivery", ev)
	case types.FilteredDeliveryEvent:
		m.route(RoleConsumer, e.SubscriptionID, "delivery", ev)
	case types.ConsumerUpdateEvent:
		m.route(RoleConsumer, e.SubscriptionID, "consumer_update", ev)
	case types.PublishConfirmEvent:
		m.route(RolePublisher, e.PublisherID, "publish_confirm", ev)
	case types.PublishErrorEvent:
		m.route(RolePublisher, e.PublisherID, "publish_error", ev)
	case types.ConnectionClosedEvent:
		m.watchers.Range(func(_ string, w Watcher) bool {
			w.ConnectionClosed(m.conn, e)
			return true
		})
	}
}

func (m *Mux) route(role Role, wire uint8, event string, ev types.Event) {
	if sink, ok := m.table(role).Load(wire); ok {
		sink.HandleEvent(ev)
		return
	}
	m.watchers.Range(func(_ string, w Watcher) bool {
		w.DispatchMiss(m.conn, event, wire)
		return true
	})
}
