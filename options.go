package rstream

import (
	rand "math/rand/v2"

	"github.com/arloliu/rstream/internal/pool"
)

// Option configures a Client with optional dependencies.
type Option func(*clientOptions)

// clientOptions holds optional Client configuration.
type clientOptions struct {
	hooks   *Hooks
	metrics MetricsCollector
	logger  Logger
	pool    *pool.Pool
	rand    rand.Source
}

// WithHooks sets lifecycle event hooks.
//
// Parameters:
//   - hooks: Hooks structure with callback functions
//
// Returns:
//   - Option: Functional option for Connect
//
// Example:
//
//	hooks := &rstream.Hooks{
//	    OnConnectionClosed: func(ctx context.Context, info rstream.ConnectionInfo, reason string) error {
//	        go func() { _ = client.Restart(context.Background()) }()
//	        return nil
//	    },
//	}
//	client, err := rstream.Connect(ctx, &cfg, dialer, rstream.WithHooks(hooks))
func WithHooks(hooks *Hooks) Option {
	return func(o *clientOptions) {
		o.hooks = hooks
	}
}

// WithMetrics sets a metrics collector.
//
// Parameters:
//   - metrics: MetricsCollector implementation
//
// Returns:
//   - Option: Functional option for Connect
//
// Example:
//
//	collector := rstream.NewPrometheusMetrics(prometheus.DefaultRegisterer, "billing")
//	client, err := rstream.Connect(ctx, &cfg, dialer, rstream.WithMetrics(collector))
func WithMetrics(metrics MetricsCollector) Option {
	return func(o *clientOptions) {
		o.metrics = metrics
	}
}

// WithLogger sets a logger.
//
// Parameters:
//   - logger: Logger implementation (compatible with zap.SugaredLogger)
//
// Returns:
//   - Option: Functional option for Connect
//
// Example:
//
//	logger := zap.NewExample().Sugar()
//	client, err := rstream.Connect(ctx, &cfg, dialer, rstream.WithLogger(logger))
func WithLogger(logger Logger) Option {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// WithIsolatedPool gives the client a private connection pool instead of the
// process-wide one.
//
// Clients sharing a pooled connection skip handle ids another client already
// holds on it, so sharing is safe; isolation keeps each client's ids dense
// and its connections private.
//
// Returns:
//   - Option: Functional option for Connect
func WithIsolatedPool() Option {
	return func(o *clientOptions) {
		o.pool = pool.New()
	}
}

// WithRandSource sets the random source used for replica selection and
// resolver backoff jitter. Useful for deterministic tests.
//
// Parameters:
//   - src: Random source; the client serializes access to it
//
// Returns:
//   - Option: Functional option for Connect
//
// Example:
//
//	client, err := rstream.Connect(ctx, &cfg, dialer, rstream.WithRandSource(rand.NewPCG(1, 2)))
func WithRandSource(src rand.Source) Option {
	return func(o *clientOptions) {
		o.rand = src
	}
}
