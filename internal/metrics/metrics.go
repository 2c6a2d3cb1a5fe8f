package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsActive tracks live websocket connections on this instance
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connections_active",
		Help: "Number of live realtime connections",
	})

	// UsersOnline tracks users holding at least one connection
	UsersOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_users_online",
		Help: "Number of users with at least one live connection",
	})

	BroadcastDeliveries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_broadcast_deliveries_total",
		Help: "Payloads enqueued to connection outboxes by the broadcast engine",
	})

	OutboundDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_outbound_dropped_total",
		Help: "Frames dropped from full per-connection outboxes",
	})

	MessagesAppended = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_appended_total",
		Help: "Messages persisted",
	})

	StoreErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_store_errors_total",
		Help: "Message store failures by operation",
	}, []string{"op"})

	AuthFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_auth_failures_total",
		Help: "Rejected connection handshakes",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		UsersOnline,
		BroadcastDeliveries,
		OutboundDropped,
		MessagesAppended,
		StoreErrors,
		AuthFailures,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
