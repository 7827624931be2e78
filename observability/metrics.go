package observability

import (
	"ephemeral-lab/domain"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Trigger string

const (
	TriggerTimer    Trigger = "timer"
	TriggerExplicit Trigger = "explicit"
)

// Metrics counts record lifecycle transitions.
// Collectors are registered on the given registerer so tests can use a private registry.
type Metrics struct {
	created      *prometheus.CounterVec
	deletions    *prometheus.CounterVec
	faults       prometheus.Counter
	armFailures  prometheus.Counter
	pending      prometheus.Gauge
	expiryLag    prometheus.Histogram
	recoveredNum prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer, service string) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		created: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: service + "_records_created_total",
				Help: "Total number of records created",
			},
			[]string{"kind"},
		),
		deletions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: service + "_record_deletions_total",
				Help: "Deletion attempts by trigger and whether a record was removed",
			},
			[]string{"trigger", "removed"},
		),
		faults: factory.NewCounter(
			prometheus.CounterOpts{
				Name: service + "_expiry_faults_total",
				Help: "Scheduled deletions that failed and were not retried",
			},
		),
		armFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: service + "_expiry_arm_failures_total",
				Help: "Stored records whose self-destruct could not be armed until the next recovery",
			},
		),
		pending: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: service + "_expiries_pending",
				Help: "Number of armed self-destruct tasks",
			},
		),
		expiryLag: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    service + "_expiry_lag_seconds",
				Help:    "Delay between a record deadline and its scheduled deletion",
				Buckets: prometheus.DefBuckets,
			},
		),
		recoveredNum: factory.NewCounter(
			prometheus.CounterOpts{
				Name: service + "_expiries_recovered_total",
				Help: "Expiries re-armed from storage at startup",
			},
		),
	}
}

func (m *Metrics) IncCreated(kind domain.Kind) {
	m.created.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) ObserveDeletion(trigger Trigger, removed bool) {
	label := "false"
	if removed {
		label = "true"
	}
	m.deletions.WithLabelValues(string(trigger), label).Inc()
}

func (m *Metrics) IncFaults() {
	m.faults.Inc()
}

func (m *Metrics) IncArmFailures() {
	m.armFailures.Inc()
}

func (m *Metrics) SetPending(n int) {
	m.pending.Set(float64(n))
}

func (m *Metrics) ObserveLag(lag time.Duration) {
	m.expiryLag.Observe(lag.Seconds())
}

func (m *Metrics) AddRecovered(n int) {
	m.recoveredNum.Add(float64(n))
}
