package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued     = prometheus.NewCounter(prometheus.CounterOpts{Name: "backoffice_jobs_enqueued_total", Help: "Jobs accepted for dispatch"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "backoffice_jobs_completed_total", Help: "Jobs completed successfully"})
	JobsRetried      = prometheus.NewCounter(prometheus.CounterOpts{Name: "backoffice_jobs_retried_total", Help: "Jobs scheduled for a backoff retry"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "backoffice_jobs_failed_total", Help: "Jobs failed terminally"})
	JobsReaped       = prometheus.NewCounter(prometheus.CounterOpts{Name: "backoffice_jobs_reaped_total", Help: "Stale jobs force-failed by the reaper"})
	WebhooksVerified = prometheus.NewCounter(prometheus.CounterOpts{Name: "backoffice_webhooks_verified_total", Help: "Webhook deliveries passing signature verification"})
	WebhooksRejected = prometheus.NewCounter(prometheus.CounterOpts{Name: "backoffice_webhooks_rejected_total", Help: "Webhook deliveries with invalid signatures"})
	WebhooksIgnored  = prometheus.NewCounter(prometheus.CounterOpts{Name: "backoffice_webhooks_ignored_total", Help: "Duplicate or unknown webhook deliveries ignored"})
	WebhooksFailed   = prometheus.NewCounter(prometheus.CounterOpts{Name: "backoffice_webhooks_failed_total", Help: "Webhook handler failures"})
	AuditAppendFail  = prometheus.NewCounter(prometheus.CounterOpts{Name: "backoffice_audit_append_failures_total", Help: "Audit appends swallowed after a store error"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "backoffice_rate_limit_rejects_total", Help: "Webhook deliveries rejected by the rate limiter"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "backoffice_queue_depth", Help: "Ready queue depth across priorities"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "backoffice_jobs_inflight", Help: "Jobs currently leased"})
)

// Handler exposes a /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsCompleted,
			JobsRetried,
			JobsFailed,
			JobsReaped,
			WebhooksVerified,
			WebhooksRejected,
			WebhooksIgnored,
			WebhooksFailed,
			AuditAppendFail,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
