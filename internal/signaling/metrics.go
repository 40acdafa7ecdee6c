package signaling

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the broker's Prometheus collectors.
type Metrics struct {
	peersConnected prometheus.Gauge
	relayedTotal   *prometheus.CounterVec
	droppedTotal   *prometheus.CounterVec
	collisions     prometheus.Counter
	expiredTotal   prometheus.Counter
}

// NewMetrics registers the broker collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		peersConnected: f.NewGauge(prometheus.GaugeOpts{
			Name: "togetherly_signal_peers_connected",
			Help: "Number of identifiers currently connected to this broker",
		}),
		relayedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "togetherly_signal_relayed_messages_total",
			Help: "Signaling messages relayed between peers",
		}, []string{"type"}),
		droppedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "togetherly_signal_dropped_messages_total",
			Help: "Signaling messages dropped by the broker",
		}, []string{"reason"}),
		collisions: f.NewCounter(prometheus.CounterOpts{
			Name: "togetherly_signal_id_collisions_total",
			Help: "Connections refused because the identifier was taken",
		}),
		expiredTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "togetherly_signal_offers_expired_total",
			Help: "Offers addressed to an identifier that is not connected",
		}),
	}
}

func (m *Metrics) peerJoined()           { m.peersConnected.Inc() }
func (m *Metrics) peerLeft()             { m.peersConnected.Dec() }
func (m *Metrics) relayed(t MessageType) { m.relayedTotal.WithLabelValues(string(t)).Inc() }
func (m *Metrics) dropped(reason string) { m.droppedTotal.WithLabelValues(reason).Inc() }
func (m *Metrics) collision()            { m.collisions.Inc() }
func (m *Metrics) expired()              { m.expiredTotal.Inc() }
