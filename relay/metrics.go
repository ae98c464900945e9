package relay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "wsrelay"

// Metrics are registered on a registry owned by the relay, so several relays
// can live in one process. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	peers       prometheus.Gauge
	connections prometheus.Gauge
	admissions  prometheus.Counter
	rejections  prometheus.Counter
	evictions   prometheus.Counter
	disconnects prometheus.Counter
	cycles      prometheus.Counter
	messages    *prometheus.CounterVec
	broadcast   *prometheus.CounterVec
}

func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		peers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "peers",
			Help:      "Number of admitted peers.",
		}),
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections",
			Help:      "Number of open connections.",
		}),
		admissions: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "admissions_total",
			Help:      "Peers admitted into the registry.",
		}),
		rejections: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rejections_total",
			Help:      "Admission requests refused as duplicates.",
		}),
		evictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "evictions_total",
			Help:      "Peers evicted for missing a probe.",
		}),
		disconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "disconnects_total",
			Help:      "Admitted peers removed because their connection closed.",
		}),
		cycles: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "probe_cycles_total",
			Help:      "Completed probe cycles.",
		}),
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_total",
			Help:      "Inbound messages by dispatch result.",
		}, []string{"result"}),
		broadcast: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "broadcast_sends_total",
			Help:      "Per-recipient broadcast sends by result.",
		}, []string{"result"}),
	}
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) setPeers(n int) {
	if m == nil {
		return
	}
	m.peers.Set(float64(n))
}

func (m *Metrics) setConnections(n int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(n))
}

func (m *Metrics) admitted() {
	if m == nil {
		return
	}
	m.admissions.Inc()
}

func (m *Metrics) rejected() {
	if m == nil {
		return
	}
	m.rejections.Inc()
}

func (m *Metrics) evicted() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}

func (m *Metrics) disconnected() {
	if m == nil {
		return
	}
	m.disconnects.Inc()
}

func (m *Metrics) cycled() {
	if m == nil {
		return
	}
	m.cycles.Inc()
}

// Results: "handled", "unroutable", "panic", "malformed"
func (m *Metrics) messageResult(result string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(result).Inc()
}

// Results: "delivered", "closed", "queue_full", "error"
func (m *Metrics) broadcastResult(result string) {
	if m == nil {
		return
	}
	m.broadcast.WithLabelValues(result).Inc()
}
