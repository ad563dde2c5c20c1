// Package metrics defines Prometheus metrics for alertiq.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "alertiq"

// HTTP metrics.
var (
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})
)

// Ranker metrics.
var (
	NoiseScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "noise_score",
		Help:      "Distribution of computed noise scores.",
		Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
	})

	SuppressionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "suppressions_total",
		Help:      "Suppression decisions by outcome.",
	}, []string{"decision"})

	FalseNegativeRate = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "false_negative_rate",
		Help:      "Most recently observed false-negative rate of noise suppression.",
	})

	VolumeReduction = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "alert_volume_reduction_ratio",
		Help:      "Share of alerts in the last ranked batch that would be suppressed.",
	})

	ScoreCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "score_cache_total",
		Help:      "Noise score cache lookups by result.",
	}, []string{"result"})
)

// Vector search metrics.
var (
	ANNQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ann_query_duration_seconds",
		Help:      "Latency of ANN index queries.",
		Buckets:   []float64{.0005, .001, .0025, .005, .01, .015, .025, .05, .1, .25},
	}, []string{"index_type"})

	ANNIndexSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ann_index_vectors",
		Help:      "Vectors held by the ANN index.",
	}, []string{"state"})
)

// Grouping metrics.
var (
	GroupsOpenedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "groups_opened_total",
		Help:      "Alert groups opened.",
	})

	GroupsMergedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "group_merges_total",
		Help:      "Alerts merged into an existing open group.",
	})

	OpenGroups = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "open_groups",
		Help:      "Currently open alert groups.",
	})
)

// Snooze metrics.
var (
	SnoozesCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "snoozes_created_total",
		Help:      "Snoozes created by duration bucket.",
	}, []string{"bucket"})

	UnsnoozesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "unsnoozes_total",
		Help:      "Explicit unsnoozes by reason class.",
	}, []string{"reason"})
)

// Threshold metrics.
var (
	ThresholdValue = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "threshold_value",
		Help:      "Current threshold configuration values.",
	}, []string{"key"})

	ThresholdSaveErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "threshold_save_errors_total",
		Help:      "Failed attempts to persist the threshold configuration.",
	})
)

// Pipeline metrics.
var (
	PipelineStageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "pipeline_stage_duration_seconds",
		Help:      "Duration of alert pipeline stages.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"stage"})

	PipelineDegradedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pipeline_degraded_total",
		Help:      "Pipeline stages that failed and were skipped (alert surfaced).",
	}, []string{"stage"})

	AlertsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alerts_processed_total",
		Help:      "Alerts processed by final decision.",
	}, []string{"decision"})

	SchedulerJobRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scheduler_job_runs_total",
		Help:      "Scheduled maintenance job runs by job and status.",
	}, []string{"job", "status"})
)
