package rstream

import (
	"context"
	"errors"
	"fmt"
	rand "math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/errgroup"

	"github.com/arloliu/rstream/internal/eventmux"
	"github.com/arloliu/rstream/internal/hooks"
	"github.com/arloliu/rstream/internal/idalloc"
	"github.com/arloliu/rstream/internal/logging"
	"github.com/arloliu/rstream/internal/metrics"
	"github.com/arloliu/rstream/internal/pool"
	"github.com/arloliu/rstream/types"
)

// Client is a session with a stream broker cluster.
//
// Client owns one dedicated locator connection used for metadata, administration
// and queries, and multiplexes publishers and consumers over pooled connections
// to the brokers that host their streams. Publishers always live on a stream
// leader; consumers prefer a replica.
//
// Thread Safety:
//   - All public methods are safe for concurrent use
//   - Message handlers and publish callbacks run on the dispatch goroutine of
//     the connection that delivered the event, one goroutine per connection
//
// Lifecycle:
//   - Create with Connect()
//   - Declare publishers and consumers
//   - Call Restart() after the broker drops connections (see Hooks.OnConnectionClosed)
//   - Call Close() to release every handle and connection
//
// Testing:
// The testing package provides an in-memory Cluster whose Dialer can be passed
// to Connect:
//
//	cluster := rstesting.NewCluster(nil)
//	cluster.AddStream("orders", &cluster.Nodes()[0])
//	client, err := rstream.Connect(ctx, &cfg, cluster.Dialer(), rstream.WithIsolatedPool())
type Client struct {
	id     string
	cfg    Config
	dialer Dialer

	// Optional dependencies
	hooks   *Hooks
	metrics MetricsCollector
	logger  Logger

	pool    *pool.Pool
	locator Connection

	// Handle id allocation
	allocMu      sync.Mutex
	publisherIDs *idalloc.Allocator
	consumerIDs  *idalloc.Allocator

	publishers *xsync.Map[HandleID, *Publisher]
	consumers  *xsync.Map[HandleID, *Consumer]

	// connUse counts this client's holds per connection; the client watches a
	// connection's dispatcher while it holds it.
	connMu   sync.Mutex
	connUse  map[Connection]int
	released []*eventmux.Mux

	rngMu sync.Mutex
	rng   *rand.Rand

	restartMu sync.Mutex
	closed    atomic.Bool

	// ctx lives until Close and is handed to handlers and hooks.
	ctx    context.Context
	cancel context.CancelFunc
}

var _ eventmux.Watcher = (*Client)(nil)

// Connect opens the locator connection and returns a ready Client.
//
// Parameters:
//   - ctx: Context bounding the locator dial
//   - cfg: Client configuration; missing values are filled with defaults
//   - dialer: Opens broker connections (e.g. natsconn.NewDialer or a test cluster)
//   - opts: Optional configuration (hooks, metrics, logger, pool, random source)
//
// Returns:
//   - *Client: Connected client
//   - error: Validation error or locator dial failure
//
// Example:
//
//	cfg := rstream.DefaultConfig()
//	cfg.Host = "broker-0"
//	client, err := rstream.Connect(ctx, &cfg, natsconn.NewDialer(natsURL))
//	if err != nil {
//	    return err
//	}
//	defer client.Close(context.Background())
func Connect(ctx context.Context, cfg *Config, dialer Dialer, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, ErrInvalidConfig
	}
	if dialer == nil {
		return nil, ErrDialerRequired
	}

	SetDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	options := &clientOptions{}
	for _, opt := range opts {
		opt(options)
	}

	metricsCollector := options.metrics
	if metricsCollector == nil {
		metricsCollector = metrics.NewNop()
	}

	loggerInstance := options.logger
	if loggerInstance == nil {
		loggerInstance = logging.NewNop()
	}

	cfg.ValidateWithWarnings(loggerInstance)

	connPool := options.pool
	if connPool == nil {
		connPool = pool.Global()
	}

	var rng *rand.Rand
	if options.rand != nil {
		rng = rand.New(options.rand) //nolint:gosec // load spreading and jitter
	}

	c := &Client{
		id:           uuid.NewString(),
		cfg:          *cfg,
		dialer:       dialer,
		hooks:        hooks.Fill(options.hooks),
		metrics:      metricsCollector,
		logger:       loggerInstance,
		pool:         connPool,
		publisherIDs: idalloc.New(),
		consumerIDs:  idalloc.New(),
		publishers:   xsync.NewMap[HandleID, *Publisher](),
		consumers:    xsync.NewMap[HandleID, *Consumer](),
		connUse:      make(map[Connection]int),
		rng:          rng,
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	locator, err := c.dialLocator(ctx)
	if err != nil {
		c.cancel()

		return nil, fmt.Errorf("failed to open locator connection: %w", err)
	}
	locator.IncrRefCount()
	c.locator = locator
	c.track(locator)

	c.logger.Info("client connected",
		"clientID", c.id,
		"connectionID", locator.ID(),
		"broker", locator.ConnectionInfo().Host,
	)

	return c, nil
}

// ID returns the client identity, a random UUID used for logging and generated references.
func (c *Client) ID() string {
	return c.id
}

// MaxFrameSize returns the frame size negotiated on the locator connection.
func (c *Client) MaxFrameSize() uint32 {
	return c.locator.MaxFrameSize()
}

// ServerVersions returns the protocol versions advertised by the locator's broker.
func (c *Client) ServerVersions() []string {
	return c.locator.ServerVersions()
}

// ManagementVersion returns the management-plane version of the locator's broker.
func (c *Client) ManagementVersion() string {
	return c.locator.ManagementVersion()
}

// ConnectionInfo returns the broker the locator connection is attached to.
func (c *Client) ConnectionInfo() ConnectionInfo {
	return c.locator.ConnectionInfo()
}

// Close releases every publisher and consumer, then the locator connection.
//
// Publishers are closed first, then consumers; each group closes concurrently.
// Connections are closed only when their reference count drops to zero, so a
// connection shared with another client stays open. Close waits for the
// dispatch goroutines of closed connections to exit, bounded by ctx.
//
// Close must not be called from a message handler or publish callback: it
// waits for the dispatch goroutine that runs them.
//
// Parameters:
//   - ctx: Context bounding the shutdown
//
// Returns:
//   - error: Joined close errors, or ctx.Err() if dispatchers did not exit in time
func (c *Client) Close(ctx context.Context) error {
	return c.CloseWithParams(ctx, CloseParams{Code: ResponseCodeOK, Reason: "client closed"})
}

// CloseWithParams is Close with an explicit close code and reason forwarded to
// the broker when the locator connection is closed.
func (c *Client) CloseWithParams(ctx context.Context, params CloseParams) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	defer c.cancel()

	c.logger.Info("closing client", "clientID", c.id)

	var errs []error
	if err := c.closeAllPublishers(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := c.closeAllConsumers(ctx); err != nil {
		errs = append(errs, err)
	}

	if err := c.release(ctx, c.locator, params); err != nil {
		errs = append(errs, fmt.Errorf("release locator: %w", err))
	}

	c.connMu.Lock()
	released := c.released
	c.released = nil
	c.connMu.Unlock()

	for _, mux := range released {
		select {
		case <-mux.Done():
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("waiting for dispatchers: %w", ctx.Err()))

			return errors.Join(errs...)
		}
	}

	c.logger.Info("client closed", "clientID", c.id)

	return errors.Join(errs...)
}

// closeAllPublishers force-closes every publisher concurrently and clears the table.
func (c *Client) closeAllPublishers(ctx context.Context) error {
	var g errgroup.Group
	c.publishers.Range(func(_ HandleID, p *Publisher) bool {
		g.Go(func() error { return c.forceClosePublisher(ctx, p) })
		return true
	})
	err := g.Wait()
	c.publishers.Range(func(id HandleID, _ *Publisher) bool {
		c.publishers.Delete(id)
		return true
	})
	c.metrics.SetActiveHandles(kindPublisher, 0)

	return err
}

// closeAllConsumers force-closes every consumer concurrently and clears the table.
func (c *Client) closeAllConsumers(ctx context.Context) error {
	var g errgroup.Group
	c.consumers.Range(func(_ HandleID, cons *Consumer) bool {
		g.Go(func() error { return c.forceCloseConsumer(ctx, cons) })
		return true
	})
	err := g.Wait()
	c.consumers.Range(func(id HandleID, _ *Consumer) bool {
		c.consumers.Delete(id)
		return true
	})
	c.metrics.SetActiveHandles(kindConsumer, 0)

	return err
}

// ConnectionClosed implements eventmux.Watcher.
func (c *Client) ConnectionClosed(conn types.Connection, ev types.ConnectionClosedEvent) {
	info := conn.ConnectionInfo()
	c.logger.Warn("connection closed by broker",
		"clientID", c.id,
		"connectionID", conn.ID(),
		"broker", info.Host,
		"code", ev.Code.String(),
		"reason", ev.Reason,
	)
	if err := c.hooks.OnConnectionClosed(c.ctx, info, ev.Reason); err != nil {
		c.logger.Error("OnConnectionClosed hook failed", "error", err)
	}
}

// DispatchMiss implements eventmux.Watcher.
func (c *Client) DispatchMiss(conn types.Connection, event string, wire uint8) {
	c.logger.Warn("dropping event for unknown id",
		"clientID", c.id,
		"connectionID", conn.ID(),
		"event", event,
		"id", wire,
	)
	c.metrics.RecordDispatchMiss(event)
}

// reportError logs a background failure and forwards it to Hooks.OnError.
func (c *Client) reportError(msg string, err error, keysAndValues ...any) {
	c.logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
	if hookErr := c.hooks.OnError(c.ctx, err); hookErr != nil {
		c.logger.Error("OnError hook failed", "error", hookErr)
	}
}

func (c *Client) nextPublisherID() HandleID {
	c.allocMu.Lock()
	defer c.allocMu.Unlock()

	return c.publisherIDs.Next()
}

func (c *Client) nextConsumerID() HandleID {
	c.allocMu.Lock()
	defer c.allocMu.Unlock()

	return c.consumerIDs.Next()
}

func (c *Client) checkOpen() error {
	if c.closed.Load() {
		return ErrClientClosed
	}

	return nil
}

// sendAndCheck sends req and converts a non-OK response into a ProtocolError.
func sendAndCheck(ctx context.Context, conn Connection, req types.Request) (*types.Response, error) {
	resp, err := conn.SendAndWait(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", req.Command(), err)
	}
	if !resp.OK() {
		return resp, types.NewProtocolError(req.Command(), resp.Code)
	}

	return resp, nil
}
