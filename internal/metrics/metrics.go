// Package metrics provides Prometheus metrics for the ingest worker
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the worker core
type Metrics struct {
	// Limiter
	SlotsAcquired       *prometheus.CounterVec
	SlotsDenied         prometheus.Counter
	SlotsReleased       *prometheus.CounterVec
	LimiterBreakerState prometheus.Gauge

	// Feeder
	FeederLeader     prometheus.Gauge
	JobsEnqueued     prometheus.Counter
	MalformedDropped prometheus.Counter

	// Runner
	JobsCompleted *prometheus.CounterVec
	JobRequeues   *prometheus.CounterVec
	JobsAbandoned prometheus.Counter
	CrawlDuration prometheus.Histogram

	// Persister
	PagesPersisted  prometheus.Counter
	PageFailures    *prometheus.CounterVec
	CommitDuration  prometheus.Histogram
	EmbedDuration   prometheus.Histogram
	ChunksEmbedded  prometheus.Counter
	SessionRecovers prometheus.Counter

	// Subscriptions
	SubscriptionOps *prometheus.CounterVec

	// Cron
	CronRuns     *prometheus.CounterVec
	CronErrors   *prometheus.CounterVec
	CronDuration *prometheus.HistogramVec

	// Exports
	ExportFilesDeleted prometheus.Counter
}

// New creates and registers all worker metrics on the default registry
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith creates the metrics on a caller-supplied registerer; tests pass
// a fresh registry so repeated construction does not collide.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SlotsAcquired: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_slots_acquired_total",
			Help: "Tenant slots granted, by acquisition mode",
		}, []string{"mode"}),
		SlotsDenied: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_slots_denied_total",
			Help: "Tenant slot requests denied for capacity",
		}),
		SlotsReleased: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_slots_released_total",
			Help: "Tenant slots released, by acquisition mode",
		}, []string{"mode"}),
		LimiterBreakerState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_limiter_breaker_state",
			Help: "Limiter circuit state: 0 closed, 1 half-open, 2 open",
		}),

		FeederLeader: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_feeder_leader",
			Help: "1 while this instance holds feeder leadership",
		}),
		JobsEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_feeder_jobs_enqueued_total",
			Help: "Jobs moved from pending queues into the job queue",
		}),
		MalformedDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_feeder_malformed_dropped_total",
			Help: "Malformed pending descriptors dropped",
		}),

		JobsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_jobs_completed_total",
			Help: "Crawl jobs finished, by result",
		}, []string{"result"}),
		JobRequeues: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_job_requeues_total",
			Help: "Crawl jobs requeued, by cause",
		}, []string{"cause"}),
		JobsAbandoned: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_jobs_abandoned_total",
			Help: "Crawl jobs abandoned after exhausting attempts or age",
		}),
		CrawlDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingest_crawl_duration_seconds",
			Help:    "End-to-end crawl job duration",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),

		PagesPersisted: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_pages_persisted_total",
			Help: "Pages committed by the batch persister",
		}),
		PageFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_page_failures_total",
			Help: "Pages failed in the batch persister, by reason",
		}, []string{"reason"}),
		CommitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingest_commit_duration_seconds",
			Help:    "Phase 2 transaction wall time",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		EmbedDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingest_embed_duration_seconds",
			Help:    "Embedding call duration",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		ChunksEmbedded: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_chunks_embedded_total",
			Help: "Chunks embedded",
		}),
		SessionRecovers: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_session_recoveries_total",
			Help: "Database sessions recovered after corruption",
		}),

		SubscriptionOps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_subscription_ops_total",
			Help: "Subscription operations, by op and result",
		}, []string{"op", "result"}),

		CronRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_cron_runs_total",
			Help: "Cron loop executions, by job",
		}, []string{"job"}),
		CronErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_cron_errors_total",
			Help: "Cron loop failures, by job",
		}, []string{"job"}),
		CronDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ingest_cron_duration_seconds",
			Help:    "Cron loop duration, by job",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"job"}),

		ExportFilesDeleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_export_files_deleted_total",
			Help: "Expired export files removed",
		}),
	}
}
