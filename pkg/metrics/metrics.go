// Package metrics exposes Prometheus collectors for the connection engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Options configures collector registration
type Options struct {
	// Namespace prefixes every metric name; defaults to "wirelink"
	Namespace string

	// Registerer receives the collectors; defaults to a fresh registry
	Registerer prometheus.Registerer
}

// Metrics holds the engine collectors
type Metrics struct {
	gatherer prometheus.Gatherer

	frames          *prometheus.CounterVec
	bytes           *prometheus.CounterVec
	handshakes      *prometheus.CounterVec
	disconnects     *prometheus.CounterVec
	unknownMessages prometheus.Counter
	malformedFrames prometheus.Counter
	handlerFailures prometheus.Counter
	activeConns     prometheus.Gauge
	rejectedConns   prometheus.Counter
}

// New creates and registers the collectors
func New(opts Options) (*Metrics, error) {
	if opts.Namespace == "" {
		opts.Namespace = "wirelink"
	}

	m := &Metrics{
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: opts.Namespace,
			Name:      "frames_total",
			Help:      "Frames transferred, by direction.",
		}, []string{"direction"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: opts.Namespace,
			Name:      "frame_bytes_total",
			Help:      "Frame payload bytes transferred, by direction.",
		}, []string{"direction"}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: opts.Namespace,
			Name:      "handshakes_total",
			Help:      "Completed handshakes, by outcome.",
		}, []string{"outcome"}),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: opts.Namespace,
			Name:      "disconnects_total",
			Help:      "Closed connections, by reason.",
		}, []string{"reason"}),
		unknownMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: opts.Namespace,
			Name:      "unknown_messages_total",
			Help:      "Frames dropped because their identifier is not registered.",
		}),
		malformedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: opts.Namespace,
			Name:      "malformed_frames_total",
			Help:      "Frames that could not be decoded.",
		}),
		handlerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: opts.Namespace,
			Name:      "handler_failures_total",
			Help:      "Message handlers that returned an error or panicked.",
		}),
		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: opts.Namespace,
			Name:      "active_connections",
			Help:      "Connections currently open.",
		}),
		rejectedConns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: opts.Namespace,
			Name:      "rejected_connections_total",
			Help:      "Accepted sockets closed because the listener was at capacity.",
		}),
	}

	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}

	for _, c := range []prometheus.Collector{
		m.frames, m.bytes, m.handshakes, m.disconnects, m.unknownMessages,
		m.malformedFrames, m.handlerFailures, m.activeConns, m.rejectedConns,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Gatherer returns the registry the collectors were registered with when it
// can be gathered, otherwise prometheus.DefaultGatherer
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil || m.gatherer == nil {
		return prometheus.DefaultGatherer
	}
	return m.gatherer
}

func (m *Metrics) FrameSent(size int) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(DirectionOut).Inc()
	m.bytes.WithLabelValues(DirectionOut).Add(float64(size))
}

func (m *Metrics) FrameReceived(size int) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(DirectionIn).Inc()
	m.bytes.WithLabelValues(DirectionIn).Add(float64(size))
}

// Handshake records a handshake outcome such as "success" or "version_mismatch"
func (m *Metrics) Handshake(outcome string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Disconnect(reason string) {
	if m == nil {
		return
	}
	m.disconnects.WithLabelValues(reason).Inc()
}

func (m *Metrics) UnknownMessage() {
	if m == nil {
		return
	}
	m.unknownMessages.Inc()
}

func (m *Metrics) MalformedFrame() {
	if m == nil {
		return
	}
	m.malformedFrames.Inc()
}

func (m *Metrics) HandlerFailure() {
	if m == nil {
		return
	}
	m.handlerFailures.Inc()
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.activeConns.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.activeConns.Dec()
}

func (m *Metrics) ConnectionRejected() {
	if m == nil {
		return
	}
	m.rejectedConns.Inc()
}
