package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"greenaudit/internal/audit"
)

var (
	metricCollectorRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "greenaudit",
		Subsystem: "scheduler",
		Name:      "collector_runs_total",
		Help:      "Collector executions by outcome (ok, absent, failed).",
	}, []string{"collector", "outcome"})
	metricCollectorDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "greenaudit",
		Subsystem: "scheduler",
		Name:      "collector_duration_seconds",
		Help:      "Wall time spent in each collector.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"collector"})
	metricAuditResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "greenaudit",
		Subsystem: "scheduler",
		Name:      "audit_results_total",
		Help:      "Audit evaluations by outcome (pass, fail, skip).",
	}, []string{"audit", "outcome"})
)

func recordCollector(id, outcome string, elapsed time.Duration) {
	metricCollectorRuns.WithLabelValues(id, outcome).Inc()
	metricCollectorDuration.WithLabelValues(id).Observe(elapsed.Seconds())
}

func recordAudit(res audit.Result) {
	outcome := "fail"
	switch {
	case res.IsSkipped():
		outcome = "skip"
	case res.Passed():
		outcome = "pass"
	}
	metricAuditResults.WithLabelValues(res.Meta.ID, outcome).Inc()
}
