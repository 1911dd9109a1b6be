package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	MessagesEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "producer_messages_enqueued_total",
		Help: "Total number of messages accepted into the producer queue",
	})

	MessagesDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "producer_messages_delivered_total",
		Help: "Total number of messages acknowledged by the broker",
	})

	MessagesFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "producer_messages_failed_total",
		Help: "Total number of messages resolved with an error",
	})

	MessagesPurged = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "producer_messages_purged_total",
		Help: "Total number of messages cancelled by purge, by category",
	}, []string{"category"})

	RequestRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "producer_request_retries_total",
		Help: "Total number of broker request retries, by request kind",
	}, []string{"kind"})

	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "producer_queue_depth",
		Help: "Current count of non-terminal messages in the producer",
	})

	DeliveryLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "producer_delivery_latency_seconds",
		Help:    "Histogram of enqueue-to-acknowledgment latency",
		Buckets: prometheus.DefBuckets,
	})

	TxnCommits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "producer_txn_commits_total",
		Help: "Total number of committed transactions",
	})

	TxnAborts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "producer_txn_aborts_total",
		Help: "Total number of aborted transactions",
	})
)

// PushDelivery updates the per-message delivery metrics.
func PushDelivery(elapsedSeconds float64) {
	MessagesDelivered.Inc()
	DeliveryLatency.Observe(elapsedSeconds)
}
