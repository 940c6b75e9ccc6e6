package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "legalchat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "legalchat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Gateway metrics
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "legalchat_ws_connections_active",
			Help: "Currently open websocket connections",
		},
	)

	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "legalchat_ws_connections_rejected_total",
			Help: "Websocket handshakes refused",
		},
		[]string{"reason"},
	)

	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "legalchat_events_received_total",
			Help: "Client events received by type",
		},
		[]string{"event"},
	)

	EventErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "legalchat_event_errors_total",
			Help: "Client events answered with an error, by code",
		},
		[]string{"code"},
	)

	DeliveryFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "legalchat_delivery_failures_total",
			Help: "Server events that could not be written to a connection",
		},
	)

	// Business metrics
	MessagesPersisted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "legalchat_messages_persisted_total",
			Help: "Messages durably stored",
		},
		[]string{"room_kind"}, // "direct" or "case"
	)

	RoomsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "legalchat_rooms_created_total",
			Help: "Rooms created",
		},
		[]string{"room_kind"},
	)

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "legalchat_notifications_sent_total",
			Help: "Personal notifications dispatched",
		},
		[]string{"kind"},
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "legalchat_rate_limit_hits_total",
			Help: "Messages rejected by the sender rate limit",
		},
	)

	RateLimitFailOpen = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "legalchat_rate_limit_fail_open_total",
			Help: "Rate limit checks admitted because the backing store failed",
		},
	)

	// Infrastructure metrics
	RedisLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "legalchat_redis_latency_seconds",
			Help:    "Redis operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		},
	)

	PublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "legalchat_publish_failures_total",
			Help: "Downstream publish failures by sink",
		},
		[]string{"sink"},
	)
)
