package rstream

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arloliu/rstream/internal/logging"
	"github.com/arloliu/rstream/internal/metrics"
)

// NewSlogLogger adapts logger to Logger. A nil logger uses slog.Default().
func NewSlogLogger(logger *slog.Logger) Logger {
	if logger == nil {
		return logging.NewSlogDefault()
	}

	return logging.NewSlog(logger)
}

// NewPrometheusMetrics returns a MetricsCollector that registers its
// collectors with reg on first use.
//
// Parameters:
//   - reg: Registerer for the collectors (prometheus.DefaultRegisterer if nil)
//   - namespace: Metric namespace (defaults to "rstream" if empty)
//
// Example:
//
//	collector := rstream.NewPrometheusMetrics(prometheus.DefaultRegisterer, "billing")
//	client, err := rstream.Connect(ctx, &cfg, dialer, rstream.WithMetrics(collector))
func NewPrometheusMetrics(reg prometheus.Registerer, namespace string) MetricsCollector {
	return metrics.NewPrometheus(reg, namespace)
}
