package monitoring

import (
	"time"

	"eterlink/internal/core/domain"
	"eterlink/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var statuses = []domain.Status{domain.StatusConnecting, domain.StatusReady, domain.StatusFailed}

// SessionCollector exports session measurements.
type SessionCollector struct {
	status            *prometheus.GaugeVec
	quality           prometheus.Gauge
	connectionsOpen   *prometheus.GaugeVec
	connectionsTotal  *prometheus.CounterVec
	retriesTotal      *prometheus.CounterVec
	pingRTT           prometheus.Histogram
	tunnelDecryptFail prometheus.Counter
}

var _ ports.SessionMetrics = (*SessionCollector)(nil)

func NewSessionCollector(reg prometheus.Registerer) *SessionCollector {
	factory := promauto.With(reg)
	return &SessionCollector{
		status: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eterlink_session_status",
			Help: "1 for the current session status, 0 for the others",
		}, []string{"status"}),

		quality: factory.NewGauge(prometheus.GaugeOpts{
			Name: "eterlink_session_quality",
			Help: "Best connection tier of the session (0 none, 1 tunnel, 2 relay, 3 direct)",
		}),

		connectionsOpen: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eterlink_connections_open",
			Help: "Open peer connections by tier",
		}, []string{"tier"}),

		connectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "eterlink_connections_opened_total",
			Help: "Peer connections that reached the open state, by tier",
		}, []string{"tier"}),

		retriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "eterlink_retries_total",
			Help: "Scheduled recovery attempts by class",
		}, []string{"class"}),

		pingRTT: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "eterlink_ping_rtt_seconds",
			Help:    "Round trip time of ping/ping-ack exchanges",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.3, 1, 3},
		}),

		tunnelDecryptFail: factory.NewCounter(prometheus.CounterOpts{
			Name: "eterlink_tunnel_decrypt_failures_total",
			Help: "Tunnel frames dropped because they could not be decrypted",
		}),
	}
}

func (c *SessionCollector) SetStatus(status domain.Status) {
	for _, s := range statuses {
		v := 0.0
		if s == status {
			v = 1
		}
		c.status.WithLabelValues(string(s)).Set(v)
	}
}

func (c *SessionCollector) SetQuality(quality int) {
	c.quality.Set(float64(quality))
}

func (c *SessionCollector) ConnectionOpened(tier domain.Tier) {
	c.connectionsOpen.WithLabelValues(tier.String()).Inc()
	c.connectionsTotal.WithLabelValues(tier.String()).Inc()
}

func (c *SessionCollector) ConnectionClosed(tier domain.Tier) {
	c.connectionsOpen.WithLabelValues(tier.String()).Dec()
}

func (c *SessionCollector) RetryScheduled(class string) {
	c.retriesTotal.WithLabelValues(class).Inc()
}

func (c *SessionCollector) RecordRTT(peer domain.PeerID, rtt time.Duration) {
	c.pingRTT.Observe(rtt.Seconds())
}

func (c *SessionCollector) TunnelDecryptFailed() {
	c.tunnelDecryptFail.Inc()
}

// RelayCollector exports relay server measurements.
type RelayCollector struct {
	peersConnected prometheus.Gauge
	messagesRouted *prometheus.CounterVec
	expired        prometheus.Counter
	idConflicts    prometheus.Counter
	rateLimited    prometheus.Counter
}

var _ ports.RelayMetrics = (*RelayCollector)(nil)

func NewRelayCollector(reg prometheus.Registerer) *RelayCollector {
	factory := promauto.With(reg)
	return &RelayCollector{
		peersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "eterlink_relay_peers_connected",
			Help: "Peers registered on this relay instance",
		}),

		messagesRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "eterlink_relay_messages_routed_total",
			Help: "Frames forwarded between peers",
		}, []string{"type", "route"}),

		expired: factory.NewCounter(prometheus.CounterOpts{
			Name: "eterlink_relay_messages_expired_total",
			Help: "Frames answered with EXPIRE because the destination was unknown",
		}),

		idConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "eterlink_relay_id_conflicts_total",
			Help: "Registrations rejected with ID-TAKEN",
		}),

		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "eterlink_relay_rate_limited_total",
			Help: "Frames dropped by the per-connection rate limit",
		}),
	}
}

func (c *RelayCollector) PeerConnected() { c.peersConnected.Inc() }

func (c *RelayCollector) PeerDisconnected() { c.peersConnected.Dec() }

func (c *RelayCollector) MessageRouted(t domain.MessageType, local bool) {
	route := "remote"
	if local {
		route = "local"
	}
	c.messagesRouted.WithLabelValues(string(t), route).Inc()
}

func (c *RelayCollector) MessageExpired() { c.expired.Inc() }

func (c *RelayCollector) IDConflict() { c.idConflicts.Inc() }

func (c *RelayCollector) RateLimited() { c.rateLimited.Inc() }
