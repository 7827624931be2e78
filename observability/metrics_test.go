package observability

import (
	"ephemeral-lab/domain"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics_CountsLifecycleTransitions(t *testing.T) {
	req := require.New(t)
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry, "test")

	metrics.IncCreated(domain.KindMessage)
	metrics.IncCreated(domain.KindMessage)
	metrics.IncCreated(domain.KindEvent)
	metrics.ObserveDeletion(TriggerTimer, true)
	metrics.ObserveDeletion(TriggerExplicit, false)
	metrics.IncFaults()
	metrics.IncArmFailures()
	metrics.SetPending(3)
	metrics.ObserveLag(15 * time.Millisecond)
	metrics.AddRecovered(4)

	req.Equal(2.0, testutil.ToFloat64(metrics.created.WithLabelValues("message")))
	req.Equal(1.0, testutil.ToFloat64(metrics.created.WithLabelValues("event")))
	req.Equal(1.0, testutil.ToFloat64(metrics.deletions.WithLabelValues("timer", "true")))
	req.Equal(1.0, testutil.ToFloat64(metrics.deletions.WithLabelValues("explicit", "false")))
	req.Equal(1.0, testutil.ToFloat64(metrics.faults))
	req.Equal(1.0, testutil.ToFloat64(metrics.armFailures))
	req.Equal(3.0, testutil.ToFloat64(metrics.pending))
	req.Equal(4.0, testutil.ToFloat64(metrics.recoveredNum))
	req.Equal(1, testutil.CollectAndCount(metrics.expiryLag))
}

func TestMetrics_PrivateRegistries_DoNotCollide(t *testing.T) {
	require.NotPanics(t, func() {
		NewMetrics(prometheus.NewRegistry(), "test")
		NewMetrics(prometheus.NewRegistry(), "test")
	})
}
