package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ActiveRooms = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "omniforge_collab_active_rooms",
			Help: "Rooms currently held in memory",
		},
	)

	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "omniforge_collab_active_connections",
			Help: "Open WebSocket connections",
		},
	)

	EventsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omniforge_collab_events_received_total",
			Help: "Socket events received by type",
		},
		[]string{"type"},
	)

	DeltasRelayed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "omniforge_collab_deltas_relayed_total",
			Help: "Update deltas merged and rebroadcast",
		},
	)

	DeltasRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omniforge_collab_deltas_rejected_total",
			Help: "Update deltas dropped by reason",
		},
		[]string{"reason"},
	)

	BroadcastFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "omniforge_collab_broadcast_failures_total",
			Help: "Per-peer send failures during fan-out",
		},
	)

	RateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "omniforge_collab_rate_limited_total",
			Help: "Frames dropped by the per-user rate limiter",
		},
	)

	RoomsReclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "omniforge_collab_rooms_reclaimed_total",
			Help: "Empty rooms released after their grace period",
		},
	)

	JoinDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "omniforge_collab_join_duration_seconds",
			Help:    "Time from join event to catch-up sync sent",
			Buckets: prometheus.DefBuckets,
		},
	)

	CompactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omniforge_collab_compactions_total",
			Help: "Update log compactions by result",
		},
		[]string{"result"},
	)

	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omniforge_collab_api_requests_total",
			Help: "HTTP requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "omniforge_collab_api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(ActiveRooms)
	prometheus.MustRegister(ActiveConnections)
	prometheus.MustRegister(EventsReceived)
	prometheus.MustRegister(DeltasRelayed)
	prometheus.MustRegister(DeltasRejected)
	prometheus.MustRegister(BroadcastFailures)
	prometheus.MustRegister(RateLimited)
	prometheus.MustRegister(RoomsReclaimed)
	prometheus.MustRegister(JoinDuration)
	prometheus.MustRegister(CompactionsTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
