package natsconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nuid"

	"github.com/arloliu/rstream/internal/logging"
	"github.com/arloliu/rstream/types"
)

const (
	// DefaultPrefix is the subject prefix shared by dialers and gateways.
	DefaultPrefix = "rstream"

	// DefaultRequestTimeout bounds a round trip whose context has no deadline.
	DefaultRequestTimeout = 5 * time.Second

	defaultEventBuffer = 1024
)

// ErrNoGateway is returned when no gateway answers for the dialed address.
var ErrNoGateway = errors.New("natsconn: no gateway for address")

// Option configures a Dialer.
type Option func(*dialerOptions)

type dialerOptions struct {
	prefix      string
	timeout     time.Duration
	eventBuffer int
	natsOptions []nats.Option
	logger      types.Logger
}

// WithPrefix sets the subject prefix. It must match the gateways' prefix.
func WithPrefix(prefix string) Option {
	return func(o *dialerOptions) { o.prefix = prefix }
}

// WithRequestTimeout sets the timeout used when a context has no deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *dialerOptions) { o.timeout = d }
}

// WithEventBuffer sets the capacity of each connection's event channel.
func WithEventBuffer(n int) Option {
	return func(o *dialerOptions) { o.eventBuffer = n }
}

// WithNATSOptions appends options passed to nats.Connect for every connection.
func WithNATSOptions(opts ...nats.Option) Option {
	return func(o *dialerOptions) { o.natsOptions = append(o.natsOptions, opts...) }
}

// WithLogger sets the logger for transport warnings.
func WithLogger(logger types.Logger) Option {
	return func(o *dialerOptions) { o.logger = logger }
}

// Dialer opens Conns through a NATS server.
//
// Every Dial creates its own NATS connection, so closing one broker
// connection never affects another.
type Dialer struct {
	url  string
	opts dialerOptions
}

var _ types.Dialer = (*Dialer)(nil)

// NewDialer creates a dialer for the NATS server(s) at url.
//
// Parameters:
//   - url: NATS server URL, comma separated for a cluster
//   - opts: Optional configuration
//
// Returns:
//   - *Dialer: Dialer usable with rstream.Connect
//
// Example:
//
//	dialer := natsconn.NewDialer(nats.DefaultURL, natsconn.WithRequestTimeout(2*time.Second))
//	client, err := rstream.Connect(ctx, &cfg, dialer)
func NewDialer(url string, opts ...Option) *Dialer {
	o := dialerOptions{
		prefix:      DefaultPrefix,
		timeout:     DefaultRequestTimeout,
		eventBuffer: defaultEventBuffer,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.NewNop()
	}

	return &Dialer{url: url, opts: o}
}

// Dial connects to NATS and performs the open handshake with the gateway
// serving params.Host:params.Port.
func (d *Dialer) Dial(ctx context.Context, params types.DialParams) (types.Connection, error) {
	c := &Conn{
		id:     nuid.Next(),
		url:    d.url,
		opts:   d.opts,
		params: params,
		events: make(chan types.Event, d.opts.eventBuffer),
		done:   make(chan struct{}),
	}

	if err := c.connectNATS(); err != nil {
		return nil, err
	}
	if err := c.handshake(ctx, false); err != nil {
		c.shutdownNATS()
		return nil, err
	}
	c.open.Store(true)

	d.opts.logger.Debug("natsconn connection opened",
		"connectionID", c.id,
		"dialed", fmt.Sprintf("%s:%d", params.Host, params.Port),
		"broker", fmt.Sprintf("%s:%d", c.info.Host, c.info.Port),
	)

	return c, nil
}

// Conn is a types.Connection carried over NATS request/reply.
//
// Requests go to the session's request subject; SendAndWait uses NATS
// request/reply and Send a plain publish, so both stay ordered. Broker events
// arrive on the session's event subject.
type Conn struct {
	id     string
	url    string
	opts   dialerOptions
	params types.DialParams

	mu                sync.RWMutex
	nc                *nats.Conn
	sub               *nats.Subscription
	info              types.ConnectionInfo
	filtering         bool
	maxFrameSize      uint32
	serverVersions    []string
	managementVersion string

	refs    atomic.Int32
	open    atomic.Bool
	closing atomic.Bool

	emitMu       sync.Mutex
	events       chan types.Event
	eventsClosed bool
	done         chan struct{} // closed when Close starts; unblocks emit
}

var _ types.Connection = (*Conn)(nil)

func (c *Conn) connectNATS() error {
	opts := make([]nats.Option, 0, len(c.opts.natsOptions)+3)
	opts = append(opts,
		nats.Name("rstream-"+c.id),
		nats.ClosedHandler(c.onNATSClosed),
	)
	if c.params.TLS != nil {
		opts = append(opts, nats.Secure(c.params.TLS))
	}
	opts = append(opts, c.opts.natsOptions...)

	nc, err := nats.Connect(c.url, opts...)
	if err != nil {
		return fmt.Errorf("natsconn: connect %s: %w", c.url, err)
	}
	sub, err := nc.Subscribe(connSubject(c.opts.prefix, c.id, suffixEvents), c.onEvent)
	if err != nil {
		nc.Close()
		return fmt.Errorf("natsconn: subscribe events: %w", err)
	}

	c.mu.Lock()
	c.nc, c.sub = nc, sub
	c.mu.Unlock()

	return nil
}

// shutdownNATS closes the NATS connection without reporting a broker close.
func (c *Conn) shutdownNATS() {
	c.closing.Store(true)
	c.mu.RLock()
	nc := c.nc
	c.mu.RUnlock()
	if nc != nil {
		nc.Close()
	}
}

func (c *Conn) handshake(ctx context.Context, restart bool) error {
	req := openRequest{
		ConnectionID:   c.id,
		Restart:        restart,
		Username:       c.params.Username,
		Password:       c.params.Password,
		VHost:          c.params.VHost,
		ConnectionName: c.params.ConnectionName,
		FrameMax:       c.params.FrameMax,
		HeartbeatMs:    c.params.Heartbeat.Milliseconds(),
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("natsconn: encode open: %w", err)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	msg, err := c.natsConn().RequestWithContext(ctx, nodeSubject(c.opts.prefix, c.params.Host, c.params.Port), data)
	if errors.Is(err, nats.ErrNoResponders) {
		return fmt.Errorf("%w: %s:%d", ErrNoGateway, c.params.Host, c.params.Port)
	}
	if err != nil {
		return fmt.Errorf("natsconn: open %s:%d: %w", c.params.Host, c.params.Port, err)
	}

	var resp openResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return fmt.Errorf("natsconn: decode open response: %w", err)
	}
	if resp.Error != "" {
		return fmt.Errorf("natsconn: open %s:%d: %s", c.params.Host, c.params.Port, resp.Error)
	}

	c.mu.Lock()
	c.info = types.ConnectionInfo{ID: c.id, Host: resp.Host, Port: resp.Port, Readable: true, Writable: true}
	c.filtering = resp.Filtering
	c.maxFrameSize = resp.MaxFrameSize
	c.serverVersions = resp.ServerVersions
	c.managementVersion = resp.ManagementVersion
	c.mu.Unlock()

	return nil
}

func (c *Conn) natsConn() *nats.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.nc
}

func (c *Conn) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, c.opts.timeout)
}

// ID implements types.Connection.
func (c *Conn) ID() string { return c.id }

// Send publishes req without waiting for the gateway.
func (c *Conn) Send(_ context.Context, req types.Request) error {
	if !c.open.Load() {
		return types.ErrConnectionClosed
	}
	data, err := encodeRequest(req)
	if err != nil {
		return err
	}
	if err := c.natsConn().Publish(connSubject(c.opts.prefix, c.id, suffixRequest), data); err != nil {
		return c.transportError(req.Command(), err)
	}

	return nil
}

// SendAndWait sends req and waits for the broker's response.
func (c *Conn) SendAndWait(ctx context.Context, req types.Request) (*types.Response, error) {
	if !c.open.Load() {
		return nil, types.ErrConnectionClosed
	}
	data, err := encodeRequest(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	msg, err := c.natsConn().RequestWithContext(ctx, connSubject(c.opts.prefix, c.id, suffixRequest), data)
	if err != nil {
		return nil, c.transportError(req.Command(), err)
	}

	var reply replyEnvelope
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("natsconn: decode %s response: %w", req.Command(), err)
	}
	switch {
	case reply.Closed:
		c.open.Store(false)
		return nil, types.ErrConnectionClosed
	case reply.Error != "":
		return nil, fmt.Errorf("natsconn: %s: %s", req.Command(), reply.Error)
	case reply.Response == nil:
		return nil, fmt.Errorf("natsconn: %s: empty response", req.Command())
	}

	return reply.Response, nil
}

func (c *Conn) transportError(cmd types.Command, err error) error {
	switch {
	case errors.Is(err, nats.ErrNoResponders):
		// the gateway dropped the session
		c.open.Store(false)
		return fmt.Errorf("%w: %s: no session on gateway", types.ErrConnectionClosed, cmd)
	case errors.Is(err, nats.ErrConnectionClosed):
		c.open.Store(false)
		return fmt.Errorf("%w: %s", types.ErrConnectionClosed, cmd)
	default:
		return fmt.Errorf("natsconn: %s: %w", cmd, err)
	}
}

// IncrRefCount implements types.Connection.
func (c *Conn) IncrRefCount() { c.refs.Add(1) }

// DecrRefCount implements types.Connection.
func (c *Conn) DecrRefCount() int { return int(c.refs.Add(-1)) }

// RefCount implements types.Connection.
func (c *Conn) RefCount() int { return int(c.refs.Load()) }

// Restart re-attaches the session to a fresh broker link. A NATS connection
// that has been closed is re-established first; the connection id and event
// channel stay the same.
func (c *Conn) Restart(ctx context.Context) error {
	if c.closing.Load() {
		return types.ErrConnectionClosed
	}
	if nc := c.natsConn(); nc == nil || nc.IsClosed() {
		if err := c.connectNATS(); err != nil {
			return err
		}
	}
	if err := c.handshake(ctx, true); err != nil {
		return err
	}
	c.open.Store(true)

	return nil
}

// Close ends the gateway session, closes the NATS connection and closes the
// event channel.
func (c *Conn) Close(_ context.Context, params types.CloseParams) error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}
	c.open.Store(false)
	close(c.done)

	c.mu.RLock()
	nc, sub := c.nc, c.sub
	c.mu.RUnlock()

	var errs []error
	if nc != nil && !nc.IsClosed() {
		data, err := json.Marshal(params)
		if err == nil {
			err = nc.Publish(connSubject(c.opts.prefix, c.id, suffixClose), data)
		}
		if err == nil {
			err = nc.FlushTimeout(c.opts.timeout)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("natsconn: close session: %w", err))
		}
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
		nc.Close()
	}

	c.emitMu.Lock()
	c.eventsClosed = true
	close(c.events)
	c.emitMu.Unlock()

	return errors.Join(errs...)
}

// IsOpen implements types.Connection.
func (c *Conn) IsOpen() bool { return c.open.Load() }

// ConnectionInfo returns the broker address reported by the gateway.
func (c *Conn) ConnectionInfo() types.ConnectionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.info
}

// IsFilteringEnabled implements types.Connection.
func (c *Conn) IsFilteringEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.filtering
}

// MaxFrameSize implements types.Connection.
func (c *Conn) MaxFrameSize() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.maxFrameSize
}

// ServerVersions implements types.Connection.
func (c *Conn) ServerVersions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return append([]string(nil), c.serverVersions...)
}

// ManagementVersion implements types.Connection.
func (c *Conn) ManagementVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.managementVersion
}

// Events implements types.Connection.
func (c *Conn) Events() <-chan types.Event { return c.events }

func (c *Conn) onEvent(msg *nats.Msg) {
	ev, err := decodeEvent(msg.Data)
	if err != nil {
		c.opts.logger.Warn("dropping undecodable event", "connectionID", c.id, "error", err)
		return
	}
	if _, ok := ev.(types.ConnectionClosedEvent); ok {
		c.open.Store(false)
	}
	c.emit(ev)
}

func (c *Conn) onNATSClosed(nc *nats.Conn) {
	if c.closing.Load() || nc != c.natsConn() {
		return
	}
	c.open.Store(false)
	c.emit(types.ConnectionClosedEvent{Code: types.ResponseCodeInternalError, Reason: "nats connection closed"})
}

func (c *Conn) emit(ev types.Event) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	if c.eventsClosed {
		return
	}
	// a full buffer must not block a Close issued by the event consumer itself
	select {
	case c.events <- ev:
	case <-c.done:
	}
}
