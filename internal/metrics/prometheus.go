package metrics

import (
	"sync"

	"github.com/arloliu/rstream/types"
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements types.MetricsCollector backed by Prometheus.
//
// Collectors are created and registered on first use, so constructing a
// PrometheusCollector that is never exercised leaves the registry untouched.
type PrometheusCollector struct {
	*NopMetrics

	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	// handle metrics
	declares      *prometheus.CounterVec
	activeHandles *prometheus.GaugeVec

	// delivery metrics
	chunks         prometheus.Counter
	messages       prometheus.Counter
	filtered       prometheus.Counter
	chunkSize      prometheus.Histogram
	credits        prometheus.Counter
	dispatchMisses *prometheus.CounterVec

	// connection metrics
	poolLookups      *prometheus.CounterVec
	resolverAttempts *prometheus.HistogramVec
	restarts         *prometheus.CounterVec
	restartDuration  prometheus.Histogram
}

// Compile-time assertion that PrometheusCollector implements MetricsCollector.
var _ types.MetricsCollector = (*PrometheusCollector)(nil)

// NewPrometheus creates a new Prometheus-backed metrics collector.
//
// Parameters:
//   - reg: Prometheus registerer interface (uses prometheus.DefaultRegisterer if nil)
//   - namespace: Prometheus metrics namespace (defaults to "rstream" if empty)
//
// Returns:
//   - *PrometheusCollector: A MetricsCollector implementation using Prometheus
func NewPrometheus(reg prometheus.Registerer, namespace string) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "rstream"
	}

	return &PrometheusCollector{NopMetrics: NewNop(), reg: reg, namespace: namespace}
}

func (p *PrometheusCollector) ensureRegistered() {
	p.once.Do(func() {
		p.declares = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "client",
			Name:      "declares_total",
			Help:      "Total publisher and consumer declarations by kind and result.",
		}, []string{"kind", "result"})

		p.activeHandles = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "client",
			Name:      "active_handles",
			Help:      "Current number of live publishers and consumers by kind.",
		}, []string{"kind"})

		p.chunks = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "delivery",
			Name:      "chunks_total",
			Help:      "Total delivered chunks.",
		})

		p.messages = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "delivery",
			Name:      "messages_total",
			Help:      "Total messages received in delivered chunks.",
		})

		p.filtered = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "delivery",
			Name:      "filtered_messages_total",
			Help:      "Total messages dropped by client-side post-filters.",
		})

		p.chunkSize = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "delivery",
			Name:      "chunk_messages",
			Help:      "Number of messages per delivered chunk.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1 .. 2048
		})

		p.credits = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "delivery",
			Name:      "credits_total",
			Help:      "Total credit units granted to the broker.",
		})

		p.dispatchMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "delivery",
			Name:      "dispatch_misses_total",
			Help:      "Events dropped because their subscription or publisher id was unknown.",
		}, []string{"event"})

		p.poolLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "connection",
			Name:      "pool_lookups_total",
			Help:      "Connection pool lookups by result (hit,miss).",
		}, []string{"result"})

		p.resolverAttempts = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "connection",
			Name:      "resolver_attempts",
			Help:      "Dials needed to reach the chosen broker through the address resolver.",
			Buckets:   []float64{1, 2, 3, 5, 8, 16, 25, 36},
		}, []string{"result"})

		p.restarts = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "connection",
			Name:      "restarts_total",
			Help:      "Client restarts by result (success,failure).",
		}, []string{"result"})

		p.restartDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "connection",
			Name:      "restart_duration_seconds",
			Help:      "Duration in seconds of client restarts, settle delay included.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30},
		})

		p.reg.MustRegister(p.declares)
		p.reg.MustRegister(p.activeHandles)
		p.reg.MustRegister(p.chunks)
		p.reg.MustRegister(p.messages)
		p.reg.MustRegister(p.filtered)
		p.reg.MustRegister(p.chunkSize)
		p.reg.MustRegister(p.credits)
		p.reg.MustRegister(p.dispatchMisses)
		p.reg.MustRegister(p.poolLookups)
		p.reg.MustRegister(p.resolverAttempts)
		p.reg.MustRegister(p.restarts)
		p.reg.MustRegister(p.restartDuration)
	})
}

func result(success bool) string {
	if success {
		return "success"
	}

	return "failure"
}

// HandleMetrics implementation

// RecordDeclare counts a declaration by kind and result.
func (p *PrometheusCollector) RecordDeclare(kind string, success bool) {
	p.ensureRegistered()
	p.declares.WithLabelValues(kind, result(success)).Inc()
}

// SetActiveHandles sets the live handle gauge for kind.
func (p *PrometheusCollector) SetActiveHandles(kind string, count int) {
	p.ensureRegistered()
	p.activeHandles.WithLabelValues(kind).Set(float64(count))
}

// DeliveryMetrics implementation

// RecordDelivery records one chunk and its message counts.
func (p *PrometheusCollector) RecordDelivery(messages, filtered int) {
	p.ensureRegistered()
	p.chunks.Inc()
	p.messages.Add(float64(messages))
	p.filtered.Add(float64(filtered))
	p.chunkSize.Observe(float64(messages))
}

// RecordCredit adds granted credit units.
func (p *PrometheusCollector) RecordCredit(credit int) {
	p.ensureRegistered()
	p.credits.Add(float64(credit))
}

// RecordDispatchMiss counts a dropped event.
func (p *PrometheusCollector) RecordDispatchMiss(event string) {
	p.ensureRegistered()
	p.dispatchMisses.WithLabelValues(event).Inc()
}

// ConnectionMetrics implementation

// RecordPoolLookup counts a pool hit or miss.
func (p *PrometheusCollector) RecordPoolLookup(hit bool) {
	p.ensureRegistered()
	if hit {
		p.poolLookups.WithLabelValues("hit").Inc()
	} else {
		p.poolLookups.WithLabelValues("miss").Inc()
	}
}

// RecordResolverAttempts observes the dial count of an address-resolved connection.
func (p *PrometheusCollector) RecordResolverAttempts(attempts int, success bool) {
	p.ensureRegistered()
	p.resolverAttempts.WithLabelValues(result(success)).Observe(float64(attempts))
}

// RecordRestart records a restart outcome and its duration.
func (p *PrometheusCollector) RecordRestart(duration float64, success bool) {
	p.ensureRegistered()
	p.restarts.WithLabelValues(result(success)).Inc()
	p.restartDuration.Observe(duration)
}
