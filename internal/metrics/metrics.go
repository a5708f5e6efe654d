package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mail_intake"

// Metrics holds all Prometheus metrics
type Metrics struct {
	WebhookRequests     *prometheus.CounterVec
	StageMessages       *prometheus.CounterVec
	StageDuration       *prometheus.HistogramVec
	PollErrors          *prometheus.CounterVec
	AttachmentsUploaded prometheus.Counter
	AttachmentFailures  prometheus.Counter
	DeadLettered        *prometheus.CounterVec
	ReconcilerRequeued  prometheus.Counter
	GmailRequests       *prometheus.CounterVec
	TokenRefreshes      prometheus.Counter
}

// NewMetrics creates new Prometheus metrics registered on reg. Pass
// prometheus.DefaultRegisterer to expose them on /metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		WebhookRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_requests_total",
			Help:      "Webhook notifications by outcome",
		}, []string{"result"}),
		StageMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_messages_total",
			Help:      "Queue messages handled per pipeline stage by outcome",
		}, []string{"stage", "result"}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Time spent handling one queue message",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		PollErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_errors_total",
			Help:      "Failed queue receives per stage",
		}, []string{"stage"}),
		AttachmentsUploaded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attachments_uploaded_total",
			Help:      "Attachments copied to object storage",
		}),
		AttachmentFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attachment_failures_total",
			Help:      "Attachments skipped because download or upload failed",
		}),
		DeadLettered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_lettered_total",
			Help:      "Dead-letter messages drained by message kind",
		}, []string{"kind"}),
		ReconcilerRequeued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciler_requeued_total",
			Help:      "Stale pending notifications sent back to the fetch queue",
		}),
		GmailRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gmail_requests_total",
			Help:      "Gmail API calls by operation and outcome",
		}, []string{"operation", "result"}),
		TokenRefreshes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "Access token refreshes after an auth rejection",
		}),
	}
}
