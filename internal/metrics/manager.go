package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robalyx/modguard/internal/classifier"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "modguard"

// Manager owns the prometheus collectors of the pipeline.
type Manager struct {
	namespace string
	subsystem string
	registry  *prometheus.Registry
	buckets   []float64

	eventsProcessed      *prometheus.CounterVec
	classifyDuration     prometheus.Histogram
	classifyErrors       *prometheus.CounterVec
	actionsTotal         *prometheus.CounterVec
	flushDuration        prometheus.Histogram
	flushErrors          prometheus.Counter
	thresholdAdjustments *prometheus.CounterVec
}

// NewManager creates a Manager and registers its collectors.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace: DefaultNamespace,
		buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.registry == nil {
		m.registry = prometheus.NewRegistry()
		m.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	m.initializeMetrics()

	return m
}

func (m *Manager) initializeMetrics() {
	factory := promauto.With(m.registry)

	m.eventsProcessed = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "events_processed_total",
		Help:      "Message events processed, by outcome.",
	}, []string{"outcome"})

	m.classifyDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "classification_duration_seconds",
		Help:      "Time spent waiting for the classifier.",
		Buckets:   m.buckets,
	})

	m.classifyErrors = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "classification_errors_total",
		Help:      "Failed classification calls, by reason.",
	}, []string{"reason"})

	m.actionsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "actions_total",
		Help:      "Enforcement actions attempted, by action and status.",
	}, []string{"action", "status"})

	m.flushDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "counter_flush_duration_seconds",
		Help:      "Time spent flushing buffered counters.",
		Buckets:   m.buckets,
	})

	m.flushErrors = factory.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "counter_flush_errors_total",
		Help:      "Counter flushes that failed for at least one scope.",
	})

	m.thresholdAdjustments = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "threshold_votes_total",
		Help:      "Threshold feedback votes, by kind and whether they adjusted.",
	}, []string{"kind", "adjusted"})
}

// EventProcessed counts one finished event.
func (m *Manager) EventProcessed(outcome string) {
	m.eventsProcessed.WithLabelValues(outcome).Inc()
}

// ClassificationObserved records the latency and result of a classifier call.
func (m *Manager) ClassificationObserved(duration time.Duration, err error) {
	m.classifyDuration.Observe(duration.Seconds())

	if err != nil {
		m.classifyErrors.WithLabelValues(errorReason(err)).Inc()
	}
}

// ActionObserved counts one enforcement attempt.
func (m *Manager) ActionObserved(action, status string) {
	m.actionsTotal.WithLabelValues(action, status).Inc()
}

// FlushObserved records the result of a counter flush.
func (m *Manager) FlushObserved(duration time.Duration, err error) {
	m.flushDuration.Observe(duration.Seconds())

	if err != nil {
		m.flushErrors.Inc()
	}
}

// VoteObserved counts a threshold feedback vote.
func (m *Manager) VoteObserved(kind string, adjusted bool) {
	label := "false"
	if adjusted {
		label = "true"
	}

	m.thresholdAdjustments.WithLabelValues(kind, label).Inc()
}

// Registry returns the registry backing the manager.
func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func errorReason(err error) string {
	var transient *classifier.TransientError
	var status *classifier.StatusError

	switch {
	case errors.Is(err, classifier.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, classifier.ErrNoCredential):
		return "no_credential"
	case errors.As(err, &transient):
		return "transient"
	case errors.As(err, &status):
		return "rejected"
	default:
		return "other"
	}
}
