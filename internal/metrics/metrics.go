// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "behaviorwatch"

var (
	ActivitiesIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activities_ingested_total",
			Help:      "Activity records applied to profiles.",
		},
		[]string{"kind", "risk"},
	)

	AnomaliesRaised = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_raised_total",
			Help:      "Anomalies stored after deduplication.",
		},
		[]string{"type", "severity"},
	)

	AlertsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_created_total",
			Help:      "Alerts added to the alert store.",
		},
		[]string{"type", "severity"},
	)

	RuleSuppressions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_suppressions_total",
			Help:      "Rule matches skipped because of cooldown.",
		},
		[]string{"rule"},
	)

	Notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Channel deliveries by outcome.",
		},
		[]string{"channel", "type", "status"},
	)

	Escalations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Escalation timer outcomes.",
		},
		[]string{"outcome"},
	)

	AnalysisFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analysis_failures_total",
			Help:      "Subject analyses that panicked.",
		},
	)

	SignalsEvaluated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_evaluated_total",
			Help:      "Raw signals run through the Sigma rules.",
		},
		[]string{"matched"},
	)

	AnalysisDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_pass_duration_seconds",
			Help:      "Duration of a full analysis pass.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)

	Profiles = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "profiles",
			Help:      "Subjects with a behavior profile.",
		},
	)

	UnacknowledgedAlerts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "alerts_unacknowledged",
			Help:      "Retained alerts not yet acknowledged.",
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Items waiting in internal queues.",
		},
		[]string{"queue"},
	)
)

// Registry holds every collector above plus the Go and process collectors.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		ActivitiesIngested,
		AnomaliesRaised,
		AlertsCreated,
		RuleSuppressions,
		Notifications,
		Escalations,
		AnalysisFailures,
		SignalsEvaluated,
		AnalysisDuration,
		Profiles,
		UnacknowledgedAlerts,
		QueueDepth,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}
