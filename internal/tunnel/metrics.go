package tunnel

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors updated by a Manager and its Forwarders.
type Metrics struct {
	TunnelsActive       prometheus.Gauge
	RelaysActive        prometheus.Gauge
	RelaysTotal         prometheus.Counter
	ChannelOpenFailures prometheus.Counter
	BytesRelayed        *prometheus.CounterVec
	TeardownsTotal      *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg registers them with a private registry that is never exported.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		TunnelsActive:       f.NewGauge(prometheus.GaugeOpts{Name: "sshfwd_tunnels_active", Help: "Tunnels currently forwarding"}),
		RelaysActive:        f.NewGauge(prometheus.GaugeOpts{Name: "sshfwd_relays_active", Help: "Connection relays currently open"}),
		RelaysTotal:         f.NewCounter(prometheus.CounterOpts{Name: "sshfwd_relays_total", Help: "Connection relays started"}),
		ChannelOpenFailures: f.NewCounter(prometheus.CounterOpts{Name: "sshfwd_channel_open_failures_total", Help: "Accepted connections dropped because the SSH channel could not be opened"}),
		BytesRelayed:        f.NewCounterVec(prometheus.CounterOpts{Name: "sshfwd_relayed_bytes_total", Help: "Bytes relayed by direction"}, []string{"direction"}),
		TeardownsTotal:      f.NewCounterVec(prometheus.CounterOpts{Name: "sshfwd_tunnel_teardowns_total", Help: "Tunnels torn down by reason"}, []string{"reason"}),
	}
}

func (m *Metrics) relayStarted() {
	m.RelaysActive.Inc()
	m.RelaysTotal.Inc()
}

func (m *Metrics) relayFinished(stats RelayStats) {
	m.RelaysActive.Dec()
	m.BytesRelayed.WithLabelValues("sent").Add(float64(stats.Sent))
	m.BytesRelayed.WithLabelValues("received").Add(float64(stats.Received))
}
