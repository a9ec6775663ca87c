// Package metrics provides Prometheus metrics collection for the chatrelay service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebSocketConnections tracks the current number of registered connections
	WebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatrelay_websocket_connections_total",
		Help: "Current number of registered WebSocket connections",
	})

	// MessagesReceived tracks the total number of envelopes received from clients
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_messages_received_total",
		Help: "Total number of envelopes received from clients",
	})

	// MessagesSent tracks the total number of frames sent to clients
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_messages_sent_total",
		Help: "Total number of frames sent to clients",
	})

	// MessagesPersisted tracks the total number of chat messages durably recorded
	MessagesPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_messages_persisted_total",
		Help: "Total number of chat messages persisted to storage",
	})

	// MessageErrors tracks the total number of message processing errors
	MessageErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_message_errors_total",
		Help: "Total number of message processing errors",
	})

	// DeliveryStatusTransitions tracks delivery-status envelopes emitted by status
	DeliveryStatusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatrelay_delivery_status_total",
		Help: "Total number of delivery-status transitions emitted by status",
	}, []string{"status"})

	// PresenceBroadcasts tracks userStatus broadcasts by direction
	PresenceBroadcasts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatrelay_presence_broadcasts_total",
		Help: "Total number of presence broadcasts by transition",
	}, []string{"transition"})

	// HeartbeatReaps tracks connections reaped by the heartbeat monitor
	HeartbeatReaps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_heartbeat_reaps_total",
		Help: "Total number of connections reaped for missing probe acknowledgments",
	})

	// ConnectionsEvicted tracks connections superseded by a newer registration
	ConnectionsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_connections_evicted_total",
		Help: "Total number of connections superseded by a newer registration",
	})

	// MongoDBOperationDuration tracks the latency of storage operations
	MongoDBOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatrelay_mongodb_operation_duration_seconds",
		Help:    "Duration of MongoDB operations in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// HTTPRequestDuration tracks the latency of REST endpoints
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatrelay_http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint", "method"})

	// SessionLookups tracks session-store resolutions by outcome
	SessionLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatrelay_session_lookups_total",
		Help: "Total number of session-store lookups by outcome",
	}, []string{"outcome"})
)
