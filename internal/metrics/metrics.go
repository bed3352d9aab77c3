package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "listmirror"

// Metrics holds the service collectors. A nil *Metrics is valid and records nothing,
// so components can be built without an observability surface.
type Metrics struct {
	registry       *prometheus.Registry
	frames         *prometheus.CounterVec
	decodeFailures prometheus.Counter
	events         *prometheus.CounterVec
	mutations      *prometheus.CounterVec
	reconnects     prometheus.Counter
	connected      prometheus.Gauge
	inFlight       prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "firehose",
			Name:      "frames_total",
			Help:      "Frames read from the label stream by encoding.",
		}, []string{"encoding"}),
		decodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "firehose",
			Name:      "decode_failures_total",
			Help:      "Frames discarded because they could not be decoded.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "handler",
			Name:      "events_total",
			Help:      "Label events by handling outcome.",
		}, []string{"outcome"}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lists",
			Name:      "mutations_total",
			Help:      "List membership mutations by operation and outcome.",
		}, []string{"op", "outcome"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "firehose",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts scheduled after a failed or closed connection.",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "firehose",
			Name:      "connected",
			Help:      "1 while the label stream connection is open.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "handler",
			Name:      "in_flight",
			Help:      "Label events currently being handled.",
		}),
	}
	m.registry.MustRegister(
		m.frames,
		m.decodeFailures,
		m.events,
		m.mutations,
		m.reconnects,
		m.connected,
		m.inFlight,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) FrameReceived(encoding string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(encoding).Inc()
}

func (m *Metrics) DecodeFailed() {
	if m == nil {
		return
	}
	m.decodeFailures.Inc()
}

func (m *Metrics) EventHandled(outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(outcome).Inc()
}

func (m *Metrics) MutationFinished(op, outcome string) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) Reconnecting() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) SetConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.connected.Set(1)
		return
	}
	m.connected.Set(0)
}

func (m *Metrics) AddInFlight(delta int) {
	if m == nil {
		return
	}
	m.inFlight.Add(float64(delta))
}
