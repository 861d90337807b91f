package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveConnections tracks currently open realtime connections.
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "teampulse_active_connections",
			Help: "Number of open realtime connections",
		},
	)

	// OccupiedRooms tracks rooms with at least one subscribed connection.
	OccupiedRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "teampulse_occupied_rooms",
			Help: "Number of rooms with at least one subscriber",
		},
	)

	// Broadcasts counts fan-out operations by kind (occupancy|message|typing|notify).
	Broadcasts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teampulse_broadcasts_total",
			Help: "Total number of room and user broadcasts",
		},
		[]string{"kind"},
	)

	// StoreFallbacks counts presence operations served by the in-process
	// fallback because the shared store was unavailable.
	StoreFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teampulse_store_fallbacks_total",
			Help: "Presence operations degraded to the in-process fallback",
		},
		[]string{"operation"},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "teampulse_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
