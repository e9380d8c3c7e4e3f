package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SMTP accept-path metrics.
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailoutd_messages_received_total",
		Help: "Total number of inbound messages accepted on the MX port",
	})

	MessagesQueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailoutd_messages_queued_total",
		Help: "Total number of outbound submissions accepted and queued for delivery",
	})

	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailoutd_messages_sent_total",
		Help: "Total number of messages delivered successfully",
	})

	MessagesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailoutd_messages_rejected_total",
		Help: "Total number of messages rejected, by reason",
	}, []string{"reason"})

	MessagesBounced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailoutd_messages_bounced_total",
		Help: "Total number of messages that permanently bounced",
	})

	// MX delivery engine metrics.
	DeliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mailoutd_delivery_duration_seconds",
		Help:    "Time taken to attempt delivery of a queued message",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s to 51.2s
	})

	DeliveryRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailoutd_delivery_retries_total",
		Help: "Total number of delivery attempts deferred for retry",
	})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mailoutd_queue_depth",
		Help: "Current number of pending jobs, by tenant and queue kind",
	}, []string{"tenant", "kind"})

	// Connection/auth metrics.
	ActiveConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mailoutd_active_connections",
		Help: "Number of active SMTP connections, by listener role",
	}, []string{"role"})

	TotalConnections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailoutd_connections_total",
		Help: "Total number of SMTP connections accepted, by listener role",
	}, []string{"role"})

	AuthAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailoutd_auth_attempts_total",
		Help: "Total SMTP AUTH attempts, by result",
	}, []string{"result"})

	// Policy-layer metrics.
	RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailoutd_rate_limit_rejections_total",
		Help: "Total requests rejected by the rate limiter, by scope",
	}, []string{"scope"})

	ReputationBlocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailoutd_reputation_blocks_total",
		Help: "Total deliveries deferred because the destination is reputation-blocked",
	}, []string{"key"})

	// System metrics.
	Uptime = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mailoutd_uptime_seconds",
		Help: "Relay uptime in seconds",
	})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailoutd_errors_total",
		Help: "Total errors, by component and type",
	}, []string{"component", "type"})
)

// RecordDelivery records a delivery attempt with its duration.
func RecordDelivery(success bool, durationSeconds float64) {
	DeliveryDuration.Observe(durationSeconds)
	if success {
		MessagesSent.Inc()
	}
}

// RecordRejection records a message rejection with reason.
func RecordRejection(reason string) {
	MessagesRejected.WithLabelValues(reason).Inc()
}

// RecordAuth records an authentication attempt.
func RecordAuth(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	AuthAttempts.WithLabelValues(result).Inc()
}

// RecordConnection records a new connection for the given listener role
// ("mx" or "submission").
func RecordConnection(role string) {
	ActiveConnections.WithLabelValues(role).Inc()
	TotalConnections.WithLabelValues(role).Inc()
}

// ReleaseConnection records a connection closing.
func ReleaseConnection(role string) {
	ActiveConnections.WithLabelValues(role).Dec()
}

// RecordRateLimitRejection records a rate-limit rejection for the given scope.
func RecordRateLimitRejection(scope string) {
	RateLimitRejections.WithLabelValues(scope).Inc()
}

// RecordReputationBlock records a delivery deferred by the reputation manager.
func RecordReputationBlock(key string) {
	ReputationBlocks.WithLabelValues(key).Inc()
}

// RecordError records an error.
func RecordError(component, errorType string) {
	Errors.WithLabelValues(component, errorType).Inc()
}
