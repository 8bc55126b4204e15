package status

import (
	"sync"
	"time"

	"wg-tunneld/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "wg_tunneld"

type metrics struct {
	peerReceiveBytes  *prometheus.GaugeVec
	peerTransmitBytes *prometheus.GaugeVec
	peerHandshakeAge  *prometheus.GaugeVec
	peerConnected     *prometheus.GaugeVec
	interfaceUp       *prometheus.GaugeVec
	pollFailures      *prometheus.CounterVec
	pollDuration      prometheus.Histogram

	// label sets written by the previous publish
	mu         sync.Mutex
	ifaces     map[string]struct{}
	peers      map[seriesKey]struct{}
	handshakes map[seriesKey]struct{}
}

type seriesKey struct {
	iface, peer string
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		peerReceiveBytes: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "peer_receive_bytes",
				Help:      "Bytes received from a peer as of the last poll",
			},
			[]string{"interface", "peer"},
		),
		peerTransmitBytes: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "peer_transmit_bytes",
				Help:      "Bytes sent to a peer as of the last poll",
			},
			[]string{"interface", "peer"},
		),
		peerHandshakeAge: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "peer_handshake_age_seconds",
				Help:      "Seconds since the latest handshake with a peer",
			},
			[]string{"interface", "peer"},
		),
		peerConnected: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "peer_connected",
				Help:      "1 when the latest handshake is within the freshness window",
			},
			[]string{"interface", "peer"},
		),
		interfaceUp: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "interface_up",
				Help:      "1 when the interface is running and its last poll succeeded",
			},
			[]string{"interface"},
		),
		pollFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poll_failures_total",
				Help:      "Failed statistics polls per interface",
			},
			[]string{"interface"},
		),
		pollDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "poll_duration_seconds",
				Help:      "Duration of a full statistics poll cycle",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8), // 1ms to ~16s
			},
		),
	}
}

// publish overwrites the gauges with one poll's results, then drops the series
// of interfaces and peers that are gone. A scrape never sees an empty set.
func (m *metrics) publish(results []InterfaceSnapshot, asOf time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ifaces := make(map[string]struct{}, len(results))
	peers := make(map[seriesKey]struct{})
	handshakes := make(map[seriesKey]struct{})
	for _, is := range results {
		up := 0.0
		if is.Status == models.StatusRunning && is.PollError == "" {
			up = 1
		}
		m.interfaceUp.WithLabelValues(is.Name).Set(up)
		ifaces[is.Name] = struct{}{}

		for _, ps := range is.Peers {
			k := seriesKey{is.Name, ps.PeerID}
			peers[k] = struct{}{}
			m.peerReceiveBytes.WithLabelValues(k.iface, k.peer).Set(float64(ps.BytesReceived))
			m.peerTransmitBytes.WithLabelValues(k.iface, k.peer).Set(float64(ps.BytesSent))
			connected := 0.0
			if ps.Status == models.PeerConnected {
				connected = 1
			}
			m.peerConnected.WithLabelValues(k.iface, k.peer).Set(connected)
			if ps.LastHandshake != nil {
				handshakes[k] = struct{}{}
				m.peerHandshakeAge.WithLabelValues(k.iface, k.peer).Set(asOf.Sub(*ps.LastHandshake).Seconds())
			}
		}
	}

	for name := range m.ifaces {
		if _, ok := ifaces[name]; !ok {
			m.interfaceUp.DeleteLabelValues(name)
		}
	}
	for k := range m.peers {
		if _, ok := peers[k]; !ok {
			m.peerReceiveBytes.DeleteLabelValues(k.iface, k.peer)
			m.peerTransmitBytes.DeleteLabelValues(k.iface, k.peer)
			m.peerConnected.DeleteLabelValues(k.iface, k.peer)
		}
	}
	for k := range m.handshakes {
		if _, ok := handshakes[k]; !ok {
			m.peerHandshakeAge.DeleteLabelValues(k.iface, k.peer)
		}
	}
	m.ifaces, m.peers, m.handshakes = ifaces, peers, handshakes
}
