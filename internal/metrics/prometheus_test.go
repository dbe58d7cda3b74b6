package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNewPrometheus_Defaults(t *testing.T) {
	p := NewPrometheus(nil, "")
	require.Equal(t, "rstream", p.namespace)
	require.Equal(t, prometheus.DefaultRegisterer, p.reg)
}

func TestPrometheusCollector_LazyRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg, "test")

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Empty(t, families, "nothing registered before first use")

	p.RecordCredit(1)

	families, err = reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestPrometheusCollector_Records(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg, "test")

	p.RecordDeclare("consumer", true)
	p.RecordDeclare("consumer", true)
	p.RecordDeclare("publisher", false)
	require.InDelta(t, 2.0, testutil.ToFloat64(p.declares.WithLabelValues("consumer", "success")), 0)
	require.InDelta(t, 1.0, testutil.ToFloat64(p.declares.WithLabelValues("publisher", "failure")), 0)

	p.SetActiveHandles("consumer", 3)
	require.InDelta(t, 3.0, testutil.ToFloat64(p.activeHandles.WithLabelValues("consumer")), 0)

	p.RecordDelivery(50, 10)
	p.RecordDelivery(5, 0)
	require.InDelta(t, 2.0, testutil.ToFloat64(p.chunks), 0)
	require.InDelta(t, 55.0, testutil.ToFloat64(p.messages), 0)
	require.InDelta(t, 10.0, testutil.ToFloat64(p.filtered), 0)

	p.RecordCredit(1)
	p.RecordCredit(1)
	require.InDelta(t, 2.0, testutil.ToFloat64(p.credits), 0)

	p.RecordDispatchMiss("delivery")
	require.InDelta(t, 1.0, testutil.ToFloat64(p.dispatchMisses.WithLabelValues("delivery")), 0)

	p.RecordPoolLookup(true)
	p.RecordPoolLookup(false)
	p.RecordPoolLookup(false)
	require.InDelta(t, 1.0, testutil.ToFloat64(p.poolLookups.WithLabelValues("hit")), 0)
	require.InDelta(t, 2.0, testutil.ToFloat64(p.poolLookups.WithLabelValues("miss")), 0)

	p.RecordRestart(0.5, true)
	require.InDelta(t, 1.0, testutil.ToFloat64(p.restarts.WithLabelValues("success")), 0)

	p.RecordResolverAttempts(3, true)
	require.Equal(t, 1, testutil.CollectAndCount(p.resolverAttempts))
}
