// Package metrics exposes pipeline counters and histograms to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"secureops/internal/schema"
)

const namespace = "secureops"

// Event outcomes.
const (
	OutcomeScored   = "scored"
	OutcomeRejected = "rejected"
)

// Metrics holds the pipeline collectors. It implements pipeline.Observer.
type Metrics struct {
	registry *prometheus.Registry

	eventsProcessed  *prometheus.CounterVec
	lookups          *prometheus.CounterVec
	rulesTriggered   *prometheus.CounterVec
	rulesDegraded    prometheus.Counter
	scoringDegraded  prometheus.Counter
	finalScore       prometheus.Histogram
	pipelineDuration prometheus.Histogram
	queueDepth       prometheus.Gauge
	sinkWrites       *prometheus.CounterVec
}

// New creates and registers the collectors on a dedicated registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		eventsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "events_processed_total", Help: "Events handled by the pipeline by outcome."},
			[]string{"outcome"},
		),
		lookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Subsystem: "enrichment", Name: "lookups_total", Help: "Enrichment lookups by lookup and status."},
			[]string{"lookup", "status"},
		),
		rulesTriggered: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Subsystem: "rules", Name: "triggered_total", Help: "Rule triggers by rule name."},
			[]string{"rule"},
		),
		rulesDegraded: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Subsystem: "rules", Name: "degraded_total", Help: "Rules skipped because they failed to evaluate."},
		),
		scoringDegraded: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Subsystem: "scoring", Name: "degraded_total", Help: "Events scored with neutral model defaults."},
		),
		finalScore: prometheus.NewHistogram(
			prometheus.HistogramOpts{Namespace: namespace, Name: "final_score", Help: "Distribution of final risk scores.", Buckets: prometheus.LinearBuckets(10, 10, 10)},
		),
		pipelineDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{Namespace: namespace, Subsystem: "pipeline", Name: "duration_seconds", Help: "Enrichment and scoring latency per event.", Buckets: prometheus.DefBuckets},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{Namespace: namespace, Subsystem: "queue", Name: "depth", Help: "Events waiting in the in-process queue."},
		),
		sinkWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Subsystem: "sink", Name: "writes_total", Help: "Scored events written per sink and status."},
			[]string{"sink", "status"},
		),
	}

	m.registry.MustRegister(
		m.eventsProcessed,
		m.lookups,
		m.rulesTriggered,
		m.rulesDegraded,
		m.scoringDegraded,
		m.finalScore,
		m.pipelineDuration,
		m.queueDepth,
		m.sinkWrites,
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the collectors in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveScored records a scored event.
func (m *Metrics) ObserveScored(event *schema.ScoredEvent, elapsed time.Duration) {
	m.eventsProcessed.WithLabelValues(OutcomeScored).Inc()
	for _, l := range event.Enrichment.Metadata.Lookups {
		m.lookups.WithLabelValues(l.Lookup, string(l.Status)).Inc()
	}
	for _, rule := range event.Scoring.TriggeredRules {
		m.rulesTriggered.WithLabelValues(rule).Inc()
	}
	if event.Scoring.DegradedRules > 0 {
		m.rulesDegraded.Add(float64(event.Scoring.DegradedRules))
	}
	if event.Scoring.Degraded {
		m.scoringDegraded.Inc()
	}
	m.finalScore.Observe(float64(event.Scoring.FinalScore))
	m.pipelineDuration.Observe(elapsed.Seconds())
}

// ObserveRejected records an event rejected by validation.
func (m *Metrics) ObserveRejected(error) {
	m.eventsProcessed.WithLabelValues(OutcomeRejected).Inc()
}

// SetQueueDepth records the in-process queue depth.
func (m *Metrics) SetQueueDepth(depth int) {
	m.queueDepth.Set(float64(depth))
}

// ObserveSinkWrite records a sink write of n events.
func (m *Metrics) ObserveSinkWrite(sink string, n int, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.sinkWrites.WithLabelValues(sink, status).Add(float64(n))
}
