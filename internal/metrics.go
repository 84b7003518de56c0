package internal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Connections     prometheus.Gauge
	Rooms           prometheus.Gauge
	Handshakes      *prometheus.CounterVec
	FramesReceived  *prometheus.CounterVec
	FramesRejected  *prometheus.CounterVec
	FramesDelivered prometheus.Counter
	SlowConsumers   prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "connections",
			Help:      "Active socket connections on this instance.",
		}),
		Rooms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "rooms",
			Help:      "Rooms with at least one local member.",
		}),
		Handshakes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "handshakes_total",
			Help:      "Socket handshakes by result.",
		}, []string{"result"}),
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "frames_received_total",
			Help:      "Inbound frames by type.",
		}, []string{"type"}),
		FramesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "frames_rejected_total",
			Help:      "Inbound frames answered with an error, by reason.",
		}, []string{"reason"}),
		FramesDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "frames_delivered_total",
			Help:      "Outbound frames queued to local connections.",
		}),
		SlowConsumers: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "slow_consumers_total",
			Help:      "Connections closed because their outbox was full.",
		}),
	}
}
