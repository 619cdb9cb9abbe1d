package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the chat backend
// Declared in one package to keep instrument names consistent and avoid
// coupling between packages.
//
// Naming convention: namespace_subsystem_name
// - namespace: parlor (application-level grouping)
// - subsystem: websocket, room, history, admission (feature-level grouping)
// - name: specific metric (connections_active, frames_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, participants)
// - Counter: Cumulative events (frames processed, rejections, swept rows)
// - Histogram: Latency distributions (frame handling time)

var (
	// ActiveWebSocketConnections tracks the current number of active WebSocket connections (Gauge - current state)
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "parlor",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of rooms with at least one member (Gauge - current state)
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "parlor",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of rooms with at least one member",
	})

	// RoomParticipants tracks the number of members in each room (GaugeVec with room_id label - current state per room)
	RoomParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "parlor",
		Subsystem: "room",
		Name:      "participants_count",
		Help:      "Number of members in each room",
	}, []string{"room_id"})

	// WebsocketFrames tracks the total number of client frames processed (CounterVec - cumulative)
	WebsocketFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parlor",
		Subsystem: "websocket",
		Name:      "frames_total",
		Help:      "Total client frames processed",
	}, []string{"frame_type", "status"})

	// FrameProcessingDuration tracks the time spent handling client frames (HistogramVec - latency distribution)
	FrameProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "parlor",
		Subsystem: "websocket",
		Name:      "frame_processing_seconds",
		Help:      "Time spent handling client frames",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"frame_type"})

	// AdmissionRejections counts message submissions refused by the per-user token bucket (Counter - cumulative)
	AdmissionRejections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "parlor",
		Subsystem: "admission",
		Name:      "rejected_total",
		Help:      "Total message submissions rejected by the per-user token bucket",
	})

	// ConnectionRejections counts upgrade attempts refused by the per-IP connection limit (Counter - cumulative)
	ConnectionRejections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "parlor",
		Subsystem: "websocket",
		Name:      "connections_rejected_total",
		Help:      "Total WebSocket upgrade attempts rejected by the per-IP rate limit",
	})

	// HistorySweptRows counts rows removed by retention sweeps (CounterVec with reason label: ttl or cap)
	HistorySweptRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parlor",
		Subsystem: "history",
		Name:      "swept_rows_total",
		Help:      "Total history rows removed by retention sweeps",
	}, []string{"reason"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
