// Package metrics holds the Prometheus collectors for the orchestrator.
//
// All recording helpers accept a nil *Metrics so components can run without
// instrumentation in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Registry *prometheus.Registry

	// Scheduler
	JoinsFiredTotal  prometheus.Counter
	JoinsMissedTotal prometheus.Counter
	JoinsQueued      prometheus.Gauge

	// Sessions
	SessionsActive        prometheus.Gauge
	SessionsFinishedTotal *prometheus.CounterVec

	// Pipeline
	DecodeFailuresTotal  prometheus.Counter
	SegmentsEmittedTotal *prometheus.CounterVec

	// Tasks
	TasksProcessedTotal *prometheus.CounterVec
	TaskSeconds         *prometheus.HistogramVec
	DeadLettersTotal    *prometheus.CounterVec

	// Calendar
	CalendarReconcilesTotal *prometheus.CounterVec
	CalendarSignalsTotal    *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		JoinsFiredTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "meetscribe_joins_fired_total",
			Help: "Scheduled joins that fired",
		}),
		JoinsMissedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "meetscribe_joins_missed_total",
			Help: "Scheduled joins cancelled because the grace window passed",
		}),
		JoinsQueued: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meetscribe_joins_queued",
			Help: "Fired joins waiting for a free session slot",
		}),

		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meetscribe_sessions_active",
			Help: "Bot sessions currently running",
		}),
		SessionsFinishedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meetscribe_sessions_finished_total",
				Help: "Bot sessions by terminal state",
			},
			[]string{"state"},
		),

		DecodeFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "meetscribe_decode_failures_total",
			Help: "Audio windows skipped after a decode error",
		}),
		SegmentsEmittedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meetscribe_segments_emitted_total",
				Help: "Transcript segments handed to the task queue",
			},
			[]string{"finality"},
		),

		TasksProcessedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meetscribe_tasks_processed_total",
				Help: "Task executions by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		TaskSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "meetscribe_task_seconds",
				Help:    "Task handler latency",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"kind"},
		),
		DeadLettersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meetscribe_dead_letters_total",
				Help: "Tasks moved to the dead-letter set",
			},
			[]string{"kind"},
		),

		CalendarReconcilesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meetscribe_calendar_reconciles_total",
				Help: "Calendar reconciliation passes by result",
			},
			[]string{"result"},
		),
		CalendarSignalsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meetscribe_calendar_signals_total",
				Help: "Signals emitted to the scheduler by kind",
			},
			[]string{"kind"},
		),
	}
}

func (m *Metrics) JoinFired() {
	if m != nil {
		m.JoinsFiredTotal.Inc()
	}
}

func (m *Metrics) JoinMissed() {
	if m != nil {
		m.JoinsMissedTotal.Inc()
	}
}

func (m *Metrics) SetJoinsQueued(n int) {
	if m != nil {
		m.JoinsQueued.Set(float64(n))
	}
}

func (m *Metrics) SessionStarted() {
	if m != nil {
		m.SessionsActive.Inc()
	}
}

func (m *Metrics) SessionFinished(state string) {
	if m != nil {
		m.SessionsActive.Dec()
		m.SessionsFinishedTotal.WithLabelValues(state).Inc()
	}
}

func (m *Metrics) DecodeFailed() {
	if m != nil {
		m.DecodeFailuresTotal.Inc()
	}
}

func (m *Metrics) SegmentEmitted(final bool) {
	if m == nil {
		return
	}
	finality := "partial"
	if final {
		finality = "final"
	}
	m.SegmentsEmittedTotal.WithLabelValues(finality).Inc()
}

func (m *Metrics) TaskProcessed(kind, outcome string, seconds float64) {
	if m != nil {
		m.TasksProcessedTotal.WithLabelValues(kind, outcome).Inc()
		m.TaskSeconds.WithLabelValues(kind).Observe(seconds)
	}
}

func (m *Metrics) DeadLettered(kind string) {
	if m != nil {
		m.DeadLettersTotal.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) CalendarReconciled(result string) {
	if m != nil {
		m.CalendarReconcilesTotal.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) CalendarSignal(kind string) {
	if m != nil {
		m.CalendarSignalsTotal.WithLabelValues(kind).Inc()
	}
}
