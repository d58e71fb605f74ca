package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	WebhooksAccepted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_webhooks_accepted_total", Help: "Activity notifications accepted by ingress"})
	WebhooksRejected    = prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_webhooks_rejected_total", Help: "Activity notifications rejected as invalid"})
	RateLimitRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_rate_limit_rejects_total", Help: "Webhook calls rejected by the rate limiter"})
	DownloadSuccess     = prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_downloads_total", Help: "Download jobs completed successfully"})
	ProcessedSuccess    = prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_processed_total", Help: "Orders delivered to the internal API"})
	StageRetries        = prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_stage_retries_total", Help: "Jobs scheduled for redelivery after a transient failure"})
	StageDeadLetter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_dead_letter_total", Help: "Jobs moved to the dead-letter queue"})
	UnknownJurisdiction = prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_unknown_jurisdiction_total", Help: "Orders transformed with an unmapped jurisdiction code"})
	QueueDepthGauge     = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "relay_queue_depth", Help: "Ready queue depth"}, []string{"queue"})
	InFlightGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "relay_inflight", Help: "Jobs currently leased"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			WebhooksAccepted,
			WebhooksRejected,
			RateLimitRejects,
			DownloadSuccess,
			ProcessedSuccess,
			StageRetries,
			StageDeadLetter,
			UnknownJurisdiction,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
