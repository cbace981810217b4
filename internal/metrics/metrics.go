package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "polychat"

// Realtime groups the collectors updated by the session coordinator.
type Realtime struct {
	Sessions          prometheus.Gauge
	Rooms             prometheus.Gauge
	FramesBroadcast   *prometheus.CounterVec
	FramesDropped     prometheus.Counter
	Evictions         prometheus.Counter
	PersistFailures   prometheus.Counter
	HandshakeRejected *prometheus.CounterVec
}

// NewRealtime creates the coordinator collectors and registers them with registerer.
// A nil registerer leaves the collectors unregistered, which suits tests.
func NewRealtime(registerer prometheus.Registerer) *Realtime {
	collectors := &Realtime{
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "sessions",
			Help:      "Live sessions bound to a room.",
		}),
		Rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "rooms",
			Help:      "Rooms with a running actor.",
		}),
		FramesBroadcast: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "frames_broadcast_total",
			Help:      "Frames fanned out to sessions, by frame type.",
		}, []string{"type"}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "inbound_frames_dropped_total",
			Help:      "Malformed or unsupported inbound frames.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "slow_consumer_evictions_total",
			Help:      "Sessions closed because their outbound queue was full.",
		}),
		PersistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "persist_failures_total",
			Help:      "Chat messages delivered live but not written to the transcript.",
		}),
		HandshakeRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "handshakes_rejected_total",
			Help:      "Connection attempts rejected before binding, by error kind.",
		}, []string{"kind"}),
	}

	if registerer != nil {
		registerer.MustRegister(
			collectors.Sessions,
			collectors.Rooms,
			collectors.FramesBroadcast,
			collectors.FramesDropped,
			collectors.Evictions,
			collectors.PersistFailures,
			collectors.HandshakeRejected,
		)
	}
	return collectors
}
