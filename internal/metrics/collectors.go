package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"fairwatch/internal/model"
)

type Collectors struct {
	Evaluations        *prometheus.CounterVec
	EvaluationDuration *prometheus.HistogramVec
	Violations         *prometheus.CounterVec
	Alerts             *prometheus.CounterVec
	FairnessScore      *prometheus.GaugeVec
	DuplicateEvents    prometheus.Counter
	PersistenceErrors  prometheus.Counter
	MonitorRuns        prometheus.Counter
}

// NewCollectors registers every collector on reg. Pass a fresh registry in
// tests; production uses prometheus.DefaultRegisterer.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	f := promauto.With(reg)
	return &Collectors{
		Evaluations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fairwatch_evaluations_total",
			Help: "Evaluations run, by mode and compliance status",
		}, []string{"mode", "status"}),
		EvaluationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fairwatch_evaluation_duration_seconds",
			Help:    "Wall time of one evaluation",
			Buckets: prometheus.DefBuckets,
		}, []string{"mode"}),
		Violations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fairwatch_violations_total",
			Help: "Violations detected, by metric family and severity",
		}, []string{"family", "severity"}),
		Alerts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fairwatch_alerts_total",
			Help: "Alert raise outcomes",
		}, []string{"outcome"}),
		FairnessScore: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fairwatch_fairness_score",
			Help: "Latest overall fairness score, by process type",
		}, []string{"process_type"}),
		DuplicateEvents: f.NewCounter(prometheus.CounterOpts{
			Name: "fairwatch_duplicate_events_total",
			Help: "Events answered from the duplicate cache",
		}),
		PersistenceErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "fairwatch_persistence_errors_total",
			Help: "Store writes that failed",
		}),
		MonitorRuns: f.NewCounter(prometheus.CounterOpts{
			Name: "fairwatch_monitor_runs_total",
			Help: "Completed monitoring ticks",
		}),
	}
}

// ObserveEvaluation is nil-safe so callers need not check.
func (c *Collectors) ObserveEvaluation(mode string, ev model.Evaluation, score float64, took time.Duration) {
	if c == nil {
		return
	}
	c.Evaluations.WithLabelValues(mode, string(ev.Status)).Inc()
	c.EvaluationDuration.WithLabelValues(mode).Observe(took.Seconds())
	for _, v := range ev.Violations {
		c.Violations.WithLabelValues(string(v.Family), string(v.Severity)).Inc()
	}
	if ev.ProcessType != "" {
		c.FairnessScore.WithLabelValues(string(ev.ProcessType)).Set(score)
	}
}

func (c *Collectors) ObserveAlert(outcome string) {
	if c != nil {
		c.Alerts.WithLabelValues(outcome).Inc()
	}
}

func (c *Collectors) IncDuplicate() {
	if c != nil {
		c.DuplicateEvents.Inc()
	}
}

func (c *Collectors) IncPersistenceError() {
	if c != nil {
		c.PersistenceErrors.Inc()
	}
}

func (c *Collectors) IncMonitorRun() {
	if c != nil {
		c.MonitorRuns.Inc()
	}
}
