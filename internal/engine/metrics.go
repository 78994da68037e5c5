package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "greenaudit",
		Name:      "audit_runs_total",
		Help:      "Audit runs by outcome (ok, error, invalid).",
	}, []string{"outcome"})
	metricGlobalScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "greenaudit",
		Name:      "audit_global_score",
		Help:      "Global score of finished audit runs.",
		Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
	})
)
