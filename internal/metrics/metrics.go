// File: internal/metrics/metrics.go
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection Metrics
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections_active",
		Help: "The current number of open realtime connections, identified or not.",
	})
	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_connections_total",
		Help: "The total number of realtime connections accepted.",
	})
	IdentifiedUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_users_online",
		Help: "The current number of users held in the connection registry.",
	})
	EvictedConnections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_connections_evicted_total",
		Help: "Connections destroyed by the relay rather than closed by the client.",
	}, []string{"reason"})

	// Envelope Metrics
	EnvelopesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_envelopes_received_total",
		Help: "The total number of envelopes received, by type.",
	}, []string{"type"})
	MessagesRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_total",
		Help: "Persisted messages, by whether the recipient was live.",
	}, []string{"delivery"})
	CollaboratorFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_collaborator_failures_total",
		Help: "Failed calls to external collaborators, by operation.",
	}, []string{"operation"})
)

// Handler exposes the default registry for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}
