package metrics

import "github.com/arloliu/rstream/types"

// NopMetrics implements a no-op metrics collector.
//
// All metrics are discarded. Useful for testing or when external
// metrics collection is used.
type NopMetrics struct{}

// Compile-time assertion that NopMetrics implements MetricsCollector.
var _ types.MetricsCollector = (*NopMetrics)(nil)

// NewNop creates a new no-op metrics collector.
//
// Returns:
//   - *NopMetrics: A new no-op metrics collector instance
//
// Example:
//
//	metrics := metrics.NewNop()
//	client, err := rstream.Connect(ctx, &cfg, dialer, rstream.WithMetrics(metrics))
func NewNop() *NopMetrics {
	return &NopMetrics{}
}

// HandleMetrics implementation

// RecordDeclare discards the declare metric.
func (n *NopMetrics) RecordDeclare(_ /* kind */ string, _ /* success */ bool) {
	// No-op
}

// SetActiveHandles discards the active handles gauge.
func (n *NopMetrics) SetActiveHandles(_ /* kind */ string, _ /* count */ int) {
	// No-op
}

// DeliveryMetrics implementation

// RecordDelivery discards the delivery metric.
func (n *NopMetrics) RecordDelivery(_ /* messages */, _ /* filtered */ int) {
	// No-op
}

// RecordCredit discards the credit metric.
func (n *NopMetrics) RecordCredit(_ /* credit */ int) {
	// No-op
}

// RecordDispatchMiss discards the dispatch miss metric.
func (n *NopMetrics) RecordDispatchMiss(_ /* event */ string) {
	// No-op
}

// ConnectionMetrics implementation

// RecordPoolLookup discards the pool lookup metric.
func (n *NopMetrics) RecordPoolLookup(_ /* hit */ bool) {
	// No-op
}

// RecordResolverAttempts discards the resolver attempts metric.
func (n *NopMetrics) RecordResolverAttempts(_ /* attempts */ int, _ /* success */ bool) {
	// No-op
}

// RecordRestart discards the restart metric.
func (n *NopMetrics) RecordRestart(_ /* duration */ float64, _ /* success */ bool) {
	// No-op
}
