package sqlsession

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsConfig configures the Prometheus collectors.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "sqlsession").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for hook latency.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Metrics records lifecycle hook outcomes. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	hooks        *prometheus.CounterVec
	hookDuration *prometheus.HistogramVec
	idCollisions prometheus.Counter
	gcRuns       *prometheus.CounterVec
}

// NewMetrics registers the session collectors with cfg.Registry.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if cfg.Namespace == "" {
		cfg.Namespace = "sqlsession"
	}
	if cfg.Buckets == nil {
		cfg.Buckets = prometheus.DefBuckets
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(cfg.Registry)

	return &Metrics{
		hooks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "hook_calls_total",
			Help:        "Total number of session lifecycle hook calls by outcome",
			ConstLabels: cfg.ConstLabels,
		}, []string{"hook", "result"}),

		hookDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "hook_duration_seconds",
			Help:        "Session lifecycle hook latency in seconds",
			ConstLabels: cfg.ConstLabels,
			Buckets:     cfg.Buckets,
		}, []string{"hook"}),

		idCollisions: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "id_collisions_total",
			Help:        "Generated session ids discarded because they already existed",
			ConstLabels: cfg.ConstLabels,
		}),

		gcRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "gc_runs_total",
			Help:        "Garbage collection sweeps by trigger",
			ConstLabels: cfg.ConstLabels,
		}, []string{"trigger"}),
	}
}

const (
	resultOK    = "ok"
	resultError = "error"
)

func (m *Metrics) observeHook(hook string, start time.Time, err error) {
	if m == nil {
		return
	}
	result := resultOK
	if err != nil {
		result = resultError
	}
	m.hooks.WithLabelValues(hook, result).Inc()
	m.hookDuration.WithLabelValues(hook).Observe(time.Since(start).Seconds())
}

func (m *Metrics) idCollision() {
	if m == nil {
		return
	}
	m.idCollisions.Inc()
}

func (m *Metrics) gcRun(trigger string) {
	if m == nil {
		return
	}
	m.gcRuns.WithLabelValues(trigger).Inc()
}
