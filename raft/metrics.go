package raft

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "raft"

// Metrics instruments the client request pipeline and the per-peer
// dispatchers. A nil *Metrics is a valid no-op sink.
type Metrics struct {
	clientRequests *prometheus.CounterVec
	staleResponses *prometheus.CounterVec
	reconnects     *prometheus.CounterVec
	bytesInFlight  *prometheus.GaugeVec
}

// NewMetrics returns an initialized metrics sink.
func NewMetrics() *Metrics {
	const subsystem = "leader"
	return &Metrics{
		clientRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "client_requests_total",
			Help:      "Client requests handled, partitioned by result code.",
		}, []string{"result"}),
		staleResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stale_rpc_responses_total",
			Help:      "RPC responses dropped due to generation mismatch.",
		}, []string{"peer"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "peer_reconnects_total",
			Help:      "RPC client recreations per peer.",
		}, []string{"peer"}),
		bytesInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "peer_bytes_in_flight",
			Help:      "Unacknowledged append_entries payload bytes per peer.",
		}, []string{"peer"}),
	}
}

// PrometheusCollectors returns all collectors for registration.
func (m *Metrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.clientRequests,
		m.staleResponses,
		m.reconnects,
		m.bytesInFlight,
	}
}

func (m *Metrics) observeClientRequest(code ResultCode) {
	if m == nil {
		return
	}
	m.clientRequests.WithLabelValues(code.String()).Inc()
}

func (m *Metrics) observeStaleResponse(peerID uint64) {
	if m == nil {
		return
	}
	m.staleResponses.WithLabelValues(formatID(peerID)).Inc()
}

func (m *Metrics) observeReconnect(peerID uint64) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(formatID(peerID)).Inc()
}

func (m *Metrics) setBytesInFlight(peerID uint64, n int64) {
	if m == nil {
		return
	}
	m.bytesInFlight.WithLabelValues(formatID(peerID)).Set(float64(n))
}

func formatID(id uint64) string { return strconv.FormatUint(id, 10) }
