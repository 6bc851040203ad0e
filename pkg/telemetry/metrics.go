// Package telemetry exports connection and prediction instrumentation.
//
// Metrics records Prometheus series and Tracer records OpenTelemetry spans.
// Both plug into a connection through cwdtp.WithObserver; Metrics also
// observes reconciliation through predict.WithObserver.
//
//	reg := prometheus.NewRegistry()
//	m := telemetry.NewMetrics(telemetry.WithRegistry(reg))
//	conn := cwdtp.New(cfg, cwdtp.WithObserver(telemetry.Multi(m, telemetry.NewTracer())))
//	engine := predict.NewEngine(predict.WithObserver(m))
package telemetry

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/colonialwars/cwclient/pkg/cwdtp"
	"github.com/colonialwars/cwclient/pkg/protocol"
)

type metricsOptions struct {
	namespace string
	registry  prometheus.Registerer
}

// MetricsOption configures NewMetrics.
type MetricsOption func(*metricsOptions)

// WithNamespace prefixes every series name. The default is "cwclient".
func WithNamespace(ns string) MetricsOption {
	return func(o *metricsOptions) { o.namespace = ns }
}

// WithRegistry registers the series on r instead of
// prometheus.DefaultRegisterer.
func WithRegistry(r prometheus.Registerer) MetricsOption {
	return func(o *metricsOptions) { o.registry = r }
}

// Metrics holds the Prometheus series for one client process. It
// implements cwdtp.Observer and predict.Observer.
type Metrics struct {
	framesSent        *prometheus.CounterVec
	framesReceived    *prometheus.CounterVec
	bytesSent         prometheus.Counter
	bytesReceived     prometheus.Counter
	decodeFailures    prometheus.Counter
	stateTransitions  *prometheus.CounterVec
	handshakeDuration prometheus.Histogram
	handshakeFailures prometheus.Counter
	closes            *prometheus.CounterVec
	connected         prometheus.Gauge
	reconciliations   prometheus.Counter
	replayedInputs    prometheus.Histogram
	correction        prometheus.Histogram
}

// NewMetrics registers the client metrics.
//
// Metrics collected:
//   - cwclient_frames_sent_total / cwclient_frames_received_total by event
//   - cwclient_bytes_sent_total / cwclient_bytes_received_total
//   - cwclient_decode_failures_total
//   - cwclient_state_transitions_total by target state
//   - cwclient_handshake_duration_seconds and cwclient_handshake_failures_total
//   - cwclient_closes_total by close code and error flag
//   - cwclient_connected
//   - cwclient_reconciliations_total, cwclient_replayed_inputs and
//     cwclient_correction_distance
func NewMetrics(opts ...MetricsOption) *Metrics {
	o := metricsOptions{namespace: "cwclient"}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = prometheus.DefaultRegisterer
	}
	f := promauto.With(o.registry)
	ns := o.namespace

	counter := func(name, help string) prometheus.Counter {
		return f.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: name, Help: help})
	}
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: name, Help: help}, labels)
	}
	histogram := func(name, help string, buckets []float64) prometheus.Histogram {
		return f.NewHistogram(prometheus.HistogramOpts{Namespace: ns, Name: name, Help: help, Buckets: buckets})
	}

	return &Metrics{
		framesSent:        counterVec("frames_sent_total", "Envelopes written by event", "event"),
		framesReceived:    counterVec("frames_received_total", "Envelopes decoded by event", "event"),
		bytesSent:         counter("bytes_sent_total", "Encoded bytes written"),
		bytesReceived:     counter("bytes_received_total", "Encoded bytes read"),
		decodeFailures:    counter("decode_failures_total", "Inbound frames that failed to decode"),
		stateTransitions:  counterVec("state_transitions_total", "Connection state transitions by target state", "state"),
		handshakeDuration: histogram("handshake_duration_seconds", "Time from client-hello to server-hello", prometheus.DefBuckets),
		handshakeFailures: counter("handshake_failures_total", "Handshakes that did not reach Open"),
		closes:            counterVec("closes_total", "Terminal transitions by close code", "code", "error"),
		connected:         f.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "connected", Help: "1 while the connection is open"}),
		reconciliations:   counter("reconciliations_total", "Authoritative snapshots applied"),
		replayedInputs:    histogram("replayed_inputs", "Inputs replayed per reconciliation", []float64{0, 1, 2, 4, 8, 16, 32, 64}),
		correction:        histogram("correction_distance", "World units between predicted and reconciled position", []float64{0, 0.5, 1, 5, 10, 25, 50, 100, 250}),
	}
}

// StateChanged implements cwdtp.Observer.
func (m *Metrics) StateChanged(_, to cwdtp.State) {
	m.stateTransitions.WithLabelValues(to.String()).Inc()
	if to == cwdtp.StateOpen {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}

// FrameSent implements cwdtp.Observer.
func (m *Metrics) FrameSent(event string, size int) {
	m.framesSent.WithLabelValues(event).Inc()
	m.bytesSent.Add(float64(size))
}

// FrameReceived implements cwdtp.Observer.
func (m *Metrics) FrameReceived(event string, size int) {
	m.framesReceived.WithLabelValues(event).Inc()
	m.bytesReceived.Add(float64(size))
}

// DecodeFailed implements cwdtp.Observer.
func (m *Metrics) DecodeFailed(error) {
	m.decodeFailures.Inc()
}

// HandshakeDone implements cwdtp.Observer.
func (m *Metrics) HandshakeDone(d time.Duration, err error) {
	if err != nil {
		m.handshakeFailures.Inc()
		return
	}
	m.handshakeDuration.Observe(d.Seconds())
}

// Closed implements cwdtp.Observer.
func (m *Metrics) Closed(code protocol.CloseCode, wasError bool) {
	m.closes.WithLabelValues(strconv.Itoa(int(code)), strconv.FormatBool(wasError)).Inc()
	m.connected.Set(0)
}

// Reconciled implements predict.Observer.
func (m *Metrics) Reconciled(_, replayed int, correction float64) {
	m.reconciliations.Inc()
	m.replayedInputs.Observe(float64(replayed))
	m.correction.Observe(correction)
}
