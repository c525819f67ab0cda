package cmakeserver

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "cmake_server"

const (
	handshakeAccepted         = "accepted"
	handshakeInvalid          = "invalid"
	handshakeUnsupported      = "unsupported"
	handshakeActivationFailed = "activation_failed"
)

// Metrics holds the Prometheus collectors updated by a Server. A nil *Metrics records
// nothing.
type Metrics struct {
	requests    *prometheus.CounterVec
	responses   *prometheus.CounterVec
	parseErrors prometheus.Counter
	handshakes  *prometheus.CounterVec
	clients     prometheus.Gauge
	duration    *prometheus.HistogramVec
}

// NewMetrics creates the server collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Requests received, by request type.",
		}, []string{"type"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "responses_total",
			Help:      "Responses written, by response type.",
		}, []string{"type"}),
		parseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "parse_errors_total",
			Help:      "Message bodies that were not a valid JSON object.",
		}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "handshakes_total",
			Help:      "Handshake attempts, by outcome.",
		}, []string{"outcome"}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connected_clients",
			Help:      "Number of connected clients.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "request_duration_seconds",
			Help:      "Time spent processing a request, by request type.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"type"}),
	}

	for _, c := range []prometheus.Collector{
		m.requests, m.responses, m.parseErrors, m.handshakes, m.clients, m.duration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}
	return m, nil
}

// Requests returns the request counter.
func (m *Metrics) Requests() *prometheus.CounterVec { return m.requests }

// Responses returns the response counter.
func (m *Metrics) Responses() *prometheus.CounterVec { return m.responses }

// ParseErrors returns the parse error counter.
func (m *Metrics) ParseErrors() prometheus.Counter { return m.parseErrors }

// Handshakes returns the handshake counter.
func (m *Metrics) Handshakes() *prometheus.CounterVec { return m.handshakes }

// Clients returns the connected clients gauge.
func (m *Metrics) Clients() prometheus.Gauge { return m.clients }

func (m *Metrics) request(typ string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(typ).Inc()
}

func (m *Metrics) response(typ string) {
	if m == nil {
		return
	}
	m.responses.WithLabelValues(typ).Inc()
}

func (m *Metrics) parseError() {
	if m == nil {
		return
	}
	m.parseErrors.Inc()
}

func (m *Metrics) handshake(outcome string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) connected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.clients.Inc()
		return
	}
	m.clients.Dec()
}

func (m *Metrics) observe(typ string, d time.Duration) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(typ).Observe(d.Seconds())
}
