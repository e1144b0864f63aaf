package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the service collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	accessQueries       *prometheus.CounterVec
	accessQueryDuration *prometheus.HistogramVec
	viewFallbacks       prometheus.Counter
	commands            *prometheus.CounterVec
	jobsProcessed       *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg. Pass prometheus.NewRegistry()
// in tests so instances stay isolated.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		accessQueries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ekko_access_queries_total",
				Help: "Accessible-users queries by data source.",
			},
			[]string{"data_source"},
		),
		accessQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ekko_access_query_duration_seconds",
				Help:    "Accessible-users query latency in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"data_source"},
		),
		viewFallbacks: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ekko_access_view_fallbacks_total",
				Help: "Precomputed view reads downgraded to the live path after a failure.",
			},
		),
		commands: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ekko_permission_commands_total",
				Help: "Grant/revoke commands by operation and result code.",
			},
			[]string{"operation", "code"},
		),
		jobsProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ekko_jobs_processed_total",
				Help: "Background jobs processed by type and outcome.",
			},
			[]string{"type", "outcome"},
		),
	}
}

func (m *Metrics) ObserveQuery(dataSource string, d time.Duration) {
	if m == nil {
		return
	}
	m.accessQueries.WithLabelValues(dataSource).Inc()
	m.accessQueryDuration.WithLabelValues(dataSource).Observe(d.Seconds())
}

func (m *Metrics) IncViewFallback() {
	if m == nil {
		return
	}
	m.viewFallbacks.Inc()
}

// ObserveCommand counts a pipeline command; code is "OK" on success.
func (m *Metrics) ObserveCommand(operation, code string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(operation, code).Inc()
}

// ObserveJob counts a processed job; outcome is completed, retry or failed.
func (m *Metrics) ObserveJob(jobType, outcome string) {
	if m == nil {
		return
	}
	m.jobsProcessed.WithLabelValues(jobType, outcome).Inc()
}
