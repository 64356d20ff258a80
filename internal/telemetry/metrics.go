package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus instruments for the platform. Every instrument
// lives on its own registry so two Cores (e.g. in tests) never collide on
// registration.
type Metrics struct {
	registry *prometheus.Registry

	// Webhook ingress
	WebhooksReceived *prometheus.CounterVec // source
	WebhooksDeduped  *prometheus.CounterVec // source
	WebhooksRejected *prometheus.CounterVec // source, reason

	// Job queue
	JobsEnqueued  *prometheus.CounterVec // queue
	JobsCompleted *prometheus.CounterVec // queue
	JobsRetried   *prometheus.CounterVec // queue
	JobsStalled   *prometheus.CounterVec // queue
	JobsToDLQ     *prometheus.CounterVec // queue
	QueueDepth    *prometheus.GaugeVec   // queue, state

	// Worker timings
	QueueWait      *prometheus.HistogramVec // queue
	ProcessingTime *prometheus.HistogramVec // queue, route
	EndToEnd       *prometheus.HistogramVec // queue

	// Locks
	LockAcquired *prometheus.CounterVec // storage (shared|local)
	LockTimeouts prometheus.Counter
	LockOrphaned prometheus.Counter

	// Rate limiting / dedupe
	RateDenied  *prometheus.CounterVec // scope
	DedupeHits  prometheus.Counter
	DedupeFirst prometheus.Counter

	// Outbound gateway
	OutboundSent        *prometheus.CounterVec // channel
	OutboundDropped     *prometheus.CounterVec // channel, reason
	OutboundRescheduled *prometheus.CounterVec // channel

	// Intelligence tier
	DetectorRuns     *prometheus.CounterVec   // detector, status
	DetectorDuration *prometheus.HistogramVec // detector
	FindingsEmitted  *prometheus.CounterVec   // detector, severity
	AlertsCreated    *prometheus.CounterVec   // detector
	CasesCreated     *prometheus.CounterVec   // detector
	CaseTransitions  *prometheus.CounterVec   // event
	ActionDecisions  *prometheus.CounterVec   // autonomy, outcome
}

// NewMetrics creates and registers all platform instruments on a fresh
// registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		WebhooksReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "platform_webhooks_received_total",
			Help: "Inbound webhook deliveries accepted by the HTTP layer",
		}, []string{"source"}),
		WebhooksDeduped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "platform_webhooks_deduped_total",
			Help: "Webhook deliveries dropped as duplicates within the dedupe TTL",
		}, []string{"source"}),
		WebhooksRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "platform_webhooks_rejected_total",
			Help: "Webhook deliveries rejected before enqueue",
		}, []string{"source", "reason"}),

		JobsEnqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "platform_jobs_enqueued_total",
			Help: "Jobs accepted by the queue, including delayed jobs",
		}, []string{"queue"}),
		JobsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "platform_jobs_completed_total",
			Help: "Jobs that finished successfully",
		}, []string{"queue"}),
		JobsRetried: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "platform_jobs_retried_total",
			Help: "Job attempts rescheduled with backoff after a handler error",
		}, []string{"queue"}),
		JobsStalled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "platform_jobs_stalled_total",
			Help: "Jobs reclaimed from consumers that exceeded the lease window",
		}, []string{"queue"}),
		JobsToDLQ: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "platform_jobs_dlq_total",
			Help: "Jobs moved to the dead letter queue after exhausting retries",
		}, []string{"queue"}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "platform_queue_depth",
			Help: "Jobs per queue per state (waiting, active, delayed, failed)",
		}, []string{"queue", "state"}),

		QueueWait: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "platform_job_queue_wait_seconds",
			Help:    "Time from enqueue to the first handler invocation",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue"}),
		ProcessingTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "platform_job_processing_seconds",
			Help:    "Handler execution time per route",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue", "route"}),
		EndToEnd: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "platform_job_end_to_end_seconds",
			Help:    "Time from webhook receipt to handler completion",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"queue"}),

		LockAcquired: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "platform_locks_acquired_total",
			Help: "Lock acquisitions by storage mode",
		}, []string{"storage"}),
		LockTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "platform_locks_wait_timeouts_total",
			Help: "Acquire calls that gave up at the wait deadline",
		}),
		LockOrphaned: factory.NewCounter(prometheus.CounterOpts{
			Name: "platform_locks_orphaned_total",
			Help: "Releases that found the lock held by another owner (TTL expired mid-execution)",
		}),

		RateDenied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "platform_ratelimit_denied_total",
			Help: "Token bucket denials by scope",
		}, []string{"scope"}),
		DedupeHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "platform_dedupe_hits_total",
			Help: "Idempotency keys seen before within TTL",
		}),
		DedupeFirst: factory.NewCounter(prometheus.CounterOpts{
			Name: "platform_dedupe_first_total",
			Help: "Idempotency keys observed for the first time",
		}),

		OutboundSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "platform_outbound_sent_total",
			Help: "Messages emitted per channel",
		}, []string{"channel"}),
		OutboundDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "platform_outbound_dropped_total",
			Help: "Messages dropped per channel (opt-out, daily cap)",
		}, []string{"channel", "reason"}),
		OutboundRescheduled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "platform_outbound_rescheduled_total",
			Help: "Messages deferred past the quiet-hours window",
		}, []string{"channel"}),

		DetectorRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "platform_detector_runs_total",
			Help: "Detector executions by terminal status",
		}, []string{"detector", "status"}),
		DetectorDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "platform_detector_duration_seconds",
			Help:    "End-to-end detector run duration",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"detector"}),
		FindingsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "platform_findings_total",
			Help: "Findings persisted per detector and severity",
		}, []string{"detector", "severity"}),
		AlertsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "platform_alerts_created_total",
			Help: "Alerts promoted from findings (post fingerprint cooldown)",
		}, []string{"detector"}),
		CasesCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "platform_cases_created_total",
			Help: "Cases promoted from findings (post scope suppression)",
		}, []string{"detector"}),
		CaseTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "platform_case_transitions_total",
			Help: "Case state machine transitions by event",
		}, []string{"event"}),
		ActionDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "platform_action_decisions_total",
			Help: "Action bus decisions by autonomy level and outcome",
		}, []string{"autonomy", "outcome"}),
	}
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
