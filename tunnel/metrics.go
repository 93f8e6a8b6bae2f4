package tunnel

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the optional Prometheus surface of §12, isolated to its own
// listener so the only HTTP-with-semantics endpoint in the system never
// shares a port with the tunnel or proxy listeners. A nil *Metrics is valid
// and every method on it is a no-op, so ServerTunnel/ClientTunnel can carry
// one unconditionally and skip the branch at every call site.
type Metrics struct {
	registry *prometheus.Registry

	sessionActive prometheus.Gauge
	streamsActive prometheus.Gauge
	streamsOpened prometheus.Counter
	streamsClosed prometheus.Counter
	streamsReset  prometheus.Counter
	tunnelConnect prometheus.Counter

	server *http.Server
}

func newMetrics(role string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	labels := prometheus.Labels{"role": role}
	return &Metrics{
		registry: reg,
		sessionActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "h2tunnel",
			Name:        "session_active",
			Help:        "1 if this endpoint currently has a live HTTP/2 session.",
			ConstLabels: labels,
		}),
		streamsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "h2tunnel",
			Name:        "streams_active",
			Help:        "Number of currently bridged TCP/HTTP2 streams.",
			ConstLabels: labels,
		}),
		streamsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "h2tunnel",
			Name:        "streams_opened_total",
			Help:        "Total streams opened.",
			ConstLabels: labels,
		}),
		streamsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "h2tunnel",
			Name:        "streams_closed_total",
			Help:        "Total streams that ended cleanly (FIN).",
			ConstLabels: labels,
		}),
		streamsReset: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "h2tunnel",
			Name:        "streams_reset_total",
			Help:        "Total streams that ended by RST/RST_STREAM.",
			ConstLabels: labels,
		}),
		tunnelConnect: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "h2tunnel",
			Name:        "tunnel_connects_total",
			Help:        "Total tunnel (re)connections established.",
			ConstLabels: labels,
		}),
	}
}

// Start serves /metrics on addr. A nil receiver or empty addr is a no-op,
// matching §11's "empty disables" CLI contract.
func (m *Metrics) Start(addr string) error {
	if m == nil || addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	m.server = &http.Server{Handler: mux}
	go m.server.Serve(ln)
	return nil
}

// Stop shuts the metrics listener down, if one was started.
func (m *Metrics) Stop() {
	if m == nil || m.server == nil {
		return
	}
	m.server.Close()
}

func (m *Metrics) setSessionActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.sessionActive.Set(1)
	} else {
		m.sessionActive.Set(0)
	}
}

func (m *Metrics) setStreamsActive(n int32) {
	if m == nil {
		return
	}
	m.streamsActive.Set(float64(n))
}

func (m *Metrics) streamOpened() {
	if m != nil {
		m.streamsOpened.Inc()
	}
}

func (m *Metrics) streamClosed() {
	if m != nil {
		m.streamsClosed.Inc()
	}
}

func (m *Metrics) streamReset() {
	if m != nil {
		m.streamsReset.Inc()
	}
}

func (m *Metrics) tunnelConnected() {
	if m != nil {
		m.tunnelConnect.Inc()
	}
}
