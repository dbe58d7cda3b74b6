package testing

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/arloliu/rstream/types"
)

// Responder answers requests sent over a FakeConn.
type Responder func(conn *FakeConn, req types.Request) *types.Response

// FakeConn is an in-memory types.Connection.
//
// Every request is recorded; SendAndWait answers through the Responder. Events
// are injected with Push and delivered in order through Events().
//
// FakeConn starts no goroutines.
type FakeConn struct {
	id   string
	info types.ConnectionInfo

	filtering    bool
	maxFrameSize uint32
	versions     []string
	mgmtVersion  string
	responder    Responder

	refs     atomic.Int32
	open     atomic.Bool
	restarts atomic.Int32
	closes   atomic.Int32

	mu         sync.Mutex
	requests   []types.Request
	restartErr error

	events    chan types.Event
	closeOnce sync.Once
}

// FakeConnConfig configures a standalone FakeConn.
type FakeConnConfig struct {
	ID                string
	Host              string
	Port              int
	Filtering         bool
	MaxFrameSize      uint32
	ServerVersions    []string
	ManagementVersion string
	Responder         Responder

	// EventBuffer is the capacity of the event channel (default 1024).
	EventBuffer int
}

var fakeConnSeq atomic.Int64

// NewFakeConn creates an open FakeConn. A nil Responder answers every request with OK.
func NewFakeConn(cfg FakeConnConfig) *FakeConn {
	if cfg.ID == "" {
		cfg.ID = fmt.Sprintf("fake-%d", fakeConnSeq.Add(1))
	}
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = 1 << 20
	}
	if cfg.EventBuffer == 0 {
		cfg.EventBuffer = 1024
	}
	if cfg.ManagementVersion == "" {
		cfg.ManagementVersion = "3.13.0"
	}
	if cfg.Responder == nil {
		cfg.Responder = func(*FakeConn, types.Request) *types.Response {
			return &types.Response{Code: types.ResponseCodeOK}
		}
	}

	c := &FakeConn{
		id:           cfg.ID,
		info:         types.ConnectionInfo{ID: cfg.ID, Host: cfg.Host, Port: cfg.Port, Readable: true, Writable: true},
		filtering:    cfg.Filtering,
		maxFrameSize: cfg.MaxFrameSize,
		versions:     cfg.ServerVersions,
		mgmtVersion:  cfg.ManagementVersion,
		responder:    cfg.Responder,
		events:       make(chan types.Event, cfg.EventBuffer),
	}
	c.open.Store(true)

	return c
}

var _ types.Connection = (*FakeConn)(nil)

// ID implements types.Connection.
func (c *FakeConn) ID() string { return c.id }

// Send records req.
func (c *FakeConn) Send(_ context.Context, req types.Request) error {
	if !c.open.Load() {
		return types.ErrConnectionClosed
	}
	c.record(req)
	c.responder(c, req)

	return nil
}

// SendAndWait records req and returns the responder's answer.
func (c *FakeConn) SendAndWait(ctx context.Context, req types.Request) (*types.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.open.Load() {
		return nil, types.ErrConnectionClosed
	}
	c.record(req)

	return c.responder(c, req), nil
}

func (c *FakeConn) record(req types.Request) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()
}

// IncrRefCount implements types.Connection.
func (c *FakeConn) IncrRefCount() { c.refs.Add(1) }

// DecrRefCount implements types.Connection.
func (c *FakeConn) DecrRefCount() int { return int(c.refs.Add(-1)) }

// RefCount implements types.Connection.
func (c *FakeConn) RefCount() int { return int(c.refs.Load()) }

// Restart counts the restart; it fails with the error set by FailRestart.
func (c *FakeConn) Restart(_ context.Context) error {
	c.mu.Lock()
	err := c.restartErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.restarts.Add(1)
	c.open.Store(true)

	return nil
}

// Close marks the connection closed and closes the event stream.
func (c *FakeConn) Close(_ context.Context, _ types.CloseParams) error {
	c.closes.Add(1)
	c.open.Store(false)
	c.closeOnce.Do(func() { close(c.events) })

	return nil
}

// IsOpen implements types.Connection.
func (c *FakeConn) IsOpen() bool { return c.open.Load() }

// ConnectionInfo implements types.Connection.
func (c *FakeConn) ConnectionInfo() types.ConnectionInfo { return c.info }

// IsFilteringEnabled implements types.Connection.
func (c *FakeConn) IsFilteringEnabled() bool { return c.filtering }

// MaxFrameSize implements types.Connection.
func (c *FakeConn) MaxFrameSize() uint32 { return c.maxFrameSize }

// ServerVersions implements types.Connection.
func (c *FakeConn) ServerVersions() []string { return c.versions }

// ManagementVersion implements types.Connection.
func (c *FakeConn) ManagementVersion() string { return c.mgmtVersion }

// Events implements types.Connection.
func (c *FakeConn) Events() <-chan types.Event { return c.events }

// Push injects an event as if it arrived from the broker.
func (c *FakeConn) Push(ev types.Event) {
	c.events <- ev
}

// Drop simulates the broker closing the connection: it emits a
// ConnectionClosedEvent and marks the connection unusable without closing the
// event stream, mirroring a transport that can still be restarted.
func (c *FakeConn) Drop(reason string) {
	c.open.Store(false)
	c.events <- types.ConnectionClosedEvent{Code: types.ResponseCodeOK, Reason: reason}
}

// FailRestart makes subsequent Restart calls return err (nil clears it).
func (c *FakeConn) FailRestart(err error) {
	c.mu.Lock()
	c.restartErr = err
	c.mu.Unlock()
}

// Requests returns a copy of every recorded request.
func (c *FakeConn) Requests() []types.Request {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]types.Request(nil), c.requests...)
}

// Restarts returns how many times Restart succeeded.
func (c *FakeConn) Restarts() int { return int(c.restarts.Load()) }

// Closes returns how many times Close was called.
func (c *FakeConn) Closes() int { return int(c.closes.Load()) }

// RequestsOf returns the recorded requests of type T in send order.
//
// Example:
//
//	credits := rstesting.RequestsOf[types.CreditRequest](conn)
func RequestsOf[T types.Request](c *FakeConn) []T {
	var out []T
	for _, req := range c.Requests() {
		if typed, ok := req.(T); ok {
			out = append(out, typed)
		}
	}

	return out
}
