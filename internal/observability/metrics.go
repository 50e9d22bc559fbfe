package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. Each instance
// owns its registry so several pipelines can coexist in one process.
type Metrics struct {
	Registry            *prometheus.Registry
	TurnsTotal          *prometheus.CounterVec
	RiskScore           prometheus.Histogram
	ActiveSessions      prometheus.Gauge
	SessionEvents       *prometheus.CounterVec
	SinkWrites          *prometheus.CounterVec
	DegradedEvents      *prometheus.CounterVec
	InvariantViolations prometheus.Counter
	StageLatency        *prometheus.HistogramVec

	stages *stageTracker
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		TurnsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Processed turns by mood label.",
		}, []string{"mood"}),
		RiskScore: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "risk_score",
			Help:      "Distribution of smoothed agitation-risk scores.",
			Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
		}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions held in memory.",
		}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		SinkWrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_writes_total",
			Help:      "Analytics mirror writes by sink and result.",
		}, []string{"sink", "result"}),
		DegradedEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degraded_events_total",
			Help:      "Absorbed dependency failures by component.",
		}, []string{"component"}),
		InvariantViolations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invariant_violations_total",
			Help:      "Session ordering or score invariant violations.",
		}),
		StageLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_latency_ms",
			Help:      "Pipeline stage latency in milliseconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}, []string{"stage"}),
		stages: newStageTracker(256, nil),
	}
}

// ObserveStage feeds the Prometheus histogram and the rolling stage window
// from the same sample.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageLatency.WithLabelValues(stage).Observe(float64(d) / float64(time.Millisecond))
	m.stages.observe(stage, d)
}

// SetStageBudgets overrides the default per-stage p95 budgets.
func (m *Metrics) SetStageBudgets(budgets map[string]time.Duration) {
	if m == nil {
		return
	}
	m.stages.setBudgets(budgets)
}

// CountOutcome tallies a per-turn outcome such as the reply source.
func (m *Metrics) CountOutcome(name string) {
	if m == nil {
		return
	}
	m.stages.count(name)
}

func (m *Metrics) StageSnapshot() StageSnapshot {
	if m == nil {
		return newStageTracker(0, nil).snapshot(time.Now())
	}
	return m.stages.snapshot(time.Now())
}

func (m *Metrics) ResetStages() {
	if m == nil {
		return
	}
	m.stages.reset()
}

func (m *Metrics) SinkWrite(sink, result string) {
	if m == nil {
		return
	}
	m.SinkWrites.WithLabelValues(sink, result).Inc()
}

func (m *Metrics) Degraded(component string) {
	if m == nil {
		return
	}
	m.DegradedEvents.WithLabelValues(component).Inc()
}

func (m *Metrics) SessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

// Handler serves this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) ObserveTurn(mood string, risk float64) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(mood).Inc()
	m.RiskScore.Observe(risk)
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) InvariantViolation() {
	if m == nil {
		return
	}
	m.InvariantViolations.Inc()
}
