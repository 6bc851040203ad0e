package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/embedded"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/colonialwars/cwclient/pkg/cwdtp"
	"github.com/colonialwars/cwclient/pkg/protocol"
)

func metricCounterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("counter Write() error: %v", err)
	}
	if m.Counter == nil {
		t.Fatal("expected counter metric to have Counter field")
	}
	return m.GetCounter().GetValue()
}

func metricGaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("gauge Write() error: %v", err)
	}
	return m.GetGauge().GetValue()
}

func metricHistogramCount(t *testing.T, h prometheus.Histogram) uint64 {
	t.Helper()
	var m dto.Metric
	if err := h.Write(&m); err != nil {
		t.Fatalf("histogram Write() error: %v", err)
	}
	if m.Histogram == nil {
		t.Fatal("expected histogram metric to have Histogram field")
	}
	return m.GetHistogram().GetSampleCount()
}

func TestMetricsRecordsConnection(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(WithRegistry(reg), WithNamespace("test"))

	m.StateChanged(cwdtp.StateIdle, cwdtp.StateConnecting)
	m.StateChanged(cwdtp.StateHandshakeInProgress, cwdtp.StateOpen)
	if got := metricGaugeValue(t, m.connected); got != 1 {
		t.Errorf("connected = %v, want 1", got)
	}

	m.FrameSent(protocol.EventClientHello, 40)
	m.FrameSent("client-action", 60)
	m.FrameSent("client-action", 60)
	m.FrameReceived("update", 100)
	m.DecodeFailed(errors.New("garbled"))
	m.HandshakeDone(20*time.Millisecond, nil)
	m.HandshakeDone(0, errors.New("bad key"))
	m.Closed(protocol.ClosePingTimeout, true)

	if got := metricCounterValue(t, m.framesSent.WithLabelValues("client-action")); got != 2 {
		t.Errorf("frames_sent{client-action} = %v", got)
	}
	if got := metricCounterValue(t, m.bytesSent); got != 160 {
		t.Errorf("bytes_sent = %v", got)
	}
	if got := metricCounterValue(t, m.framesReceived.WithLabelValues("update")); got != 1 {
		t.Errorf("frames_received{update} = %v", got)
	}
	if got := metricCounterValue(t, m.decodeFailures); got != 1 {
		t.Errorf("decode_failures = %v", got)
	}
	if got := metricCounterValue(t, m.stateTransitions.WithLabelValues("Open")); got != 1 {
		t.Errorf("state_transitions{Open} = %v", got)
	}
	if got := metricHistogramCount(t, m.handshakeDuration); got != 1 {
		t.Errorf("handshake_duration count = %v", got)
	}
	if got := metricCounterValue(t, m.handshakeFailures); got != 1 {
		t.Errorf("handshake_failures = %v", got)
	}
	if got := metricCounterValue(t, m.closes.WithLabelValues("4003", "true")); got != 1 {
		t.Errorf("closes{4003,true} = %v", got)
	}
	if got := metricGaugeValue(t, m.connected); got != 0 {
		t.Errorf("connected = %v after close", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "test_frames_sent_total" {
			found = true
		}
	}
	if !found {
		t.Error("namespace not applied to registered metrics")
	}
}

func TestMetricsRecordsReconciliation(t *testing.T) {
	m := NewMetrics(WithRegistry(prometheus.NewRegistry()))
	m.Reconciled(3, 2, 12.5)
	m.Reconciled(1, 0, 0)

	if got := metricCounterValue(t, m.reconciliations); got != 2 {
		t.Errorf("reconciliations = %v", got)
	}
	if got := metricHistogramCount(t, m.correction); got != 2 {
		t.Errorf("correction count = %v", got)
	}
}

func TestMetricsDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(WithRegistry(reg))
	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	NewMetrics(WithRegistry(reg))
}

// recordingProvider captures spans started through it.
type recordingProvider struct {
	embedded.TracerProvider
	mu    sync.Mutex
	spans []*recordedSpan
}

func (p *recordingProvider) Tracer(string, ...trace.TracerOption) trace.Tracer {
	return &recordingTracer{p: p}
}

func (p *recordingProvider) named(name string) []*recordedSpan {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*recordedSpan
	for _, s := range p.spans {
		if s.name == name {
			out = append(out, s)
		}
	}
	return out
}

type recordingTracer struct {
	embedded.Tracer
	p *recordingProvider
}

func (t *recordingTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	cfg := trace.NewSpanStartConfig(opts...)
	s := &recordedSpan{name: name, attrs: cfg.Attributes()}
	t.p.mu.Lock()
	t.p.spans = append(t.p.spans, s)
	t.p.mu.Unlock()
	return trace.ContextWithSpan(ctx, s), s
}

type recordedSpan struct {
	noop.Span
	name   string
	attrs  []attribute.KeyValue
	status codes.Code
	errs   []error
	ended  bool
}

func (s *recordedSpan) End(...trace.SpanEndOption)                    { s.ended = true }
func (s *recordedSpan) SetStatus(c codes.Code, _ string)              { s.status = c }
func (s *recordedSpan) SetAttributes(kv ...attribute.KeyValue)        { s.attrs = append(s.attrs, kv...) }
func (s *recordedSpan) RecordError(err error, _ ...trace.EventOption) { s.errs = append(s.errs, err) }

func (s *recordedSpan) attr(key string) (attribute.Value, bool) {
	for _, kv := range s.attrs {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestTracerHandshakeSpan(t *testing.T) {
	tp := &recordingProvider{}
	tr := NewTracer(WithTracerProvider(tp))

	tr.StateChanged(cwdtp.StateConnecting, cwdtp.StateHandshakeInProgress)
	tr.HandshakeDone(15*time.Millisecond, nil)

	spans := tp.named("cwdtp.handshake")
	if len(spans) != 1 {
		t.Fatalf("handshake spans = %d", len(spans))
	}
	s := spans[0]
	if !s.ended || s.status != codes.Ok {
		t.Errorf("span ended=%v status=%v", s.ended, s.status)
	}
	if v, ok := s.attr("cwdtp.handshake_ms"); !ok || v.AsInt64() != 15 {
		t.Errorf("handshake_ms = %v", v)
	}
	if v, _ := s.attr("cwdtp.subprotocol"); v.AsString() != protocol.Subprotocol {
		t.Errorf("subprotocol = %v", v)
	}
}

func TestTracerFailedHandshake(t *testing.T) {
	tp := &recordingProvider{}
	tr := NewTracer(WithTracerProvider(tp))

	tr.StateChanged(cwdtp.StateConnecting, cwdtp.StateHandshakeInProgress)
	tr.HandshakeDone(time.Millisecond, cwdtp.ErrHandshakeFailed)
	tr.Closed(protocol.CloseHandshakeFailed, true)

	s := tp.named("cwdtp.handshake")[0]
	if s.status != codes.Error || len(s.errs) != 1 {
		t.Errorf("status=%v errs=%v", s.status, s.errs)
	}
}

func TestTracerCloseSpan(t *testing.T) {
	tp := &recordingProvider{}
	tr := NewTracer(WithTracerProvider(tp))

	tr.StateChanged(cwdtp.StateOpen, cwdtp.StateClosing)
	tr.Closed(protocol.CloseNormal, false)

	spans := tp.named("cwdtp.close")
	if len(spans) != 1 {
		t.Fatalf("close spans = %d", len(spans))
	}
	s := spans[0]
	if !s.ended || s.status != codes.Ok {
		t.Errorf("span ended=%v status=%v", s.ended, s.status)
	}
	if v, _ := s.attr("cwdtp.close_code"); v.AsInt64() != 1000 {
		t.Errorf("close_code = %v", v)
	}
	if v, _ := s.attr("cwdtp.from_state"); v.AsString() != "Open" {
		t.Errorf("from_state = %v", v)
	}
}

func TestTracerClosedWithoutSpans(t *testing.T) {
	tp := &recordingProvider{}
	tr := NewTracer(WithTracerProvider(tp))
	tr.Closed(protocol.CloseAbort, true)
	tr.HandshakeDone(0, nil)
	if len(tp.spans) != 0 {
		t.Errorf("spans = %d, want 0", len(tp.spans))
	}
}

type countingObserver struct {
	states, sent, received, fails, handshakes, closes int
}

func (c *countingObserver) StateChanged(_, _ cwdtp.State)      { c.states++ }
func (c *countingObserver) FrameSent(string, int)              { c.sent++ }
func (c *countingObserver) FrameReceived(string, int)          { c.received++ }
func (c *countingObserver) DecodeFailed(error)                 { c.fails++ }
func (c *countingObserver) HandshakeDone(time.Duration, error) { c.handshakes++ }
func (c *countingObserver) Closed(protocol.CloseCode, bool)    { c.closes++ }

func TestMulti(t *testing.T) {
	a, b := &countingObserver{}, &countingObserver{}
	m := Multi(a, nil, b)

	m.StateChanged(cwdtp.StateIdle, cwdtp.StateConnecting)
	m.FrameSent("x", 1)
	m.FrameReceived("y", 1)
	m.DecodeFailed(nil)
	m.HandshakeDone(0, nil)
	m.Closed(protocol.CloseNormal, false)

	for _, c := range []*countingObserver{a, b} {
		if c.states != 1 || c.sent != 1 || c.received != 1 || c.fails != 1 || c.handshakes != 1 || c.closes != 1 {
			t.Errorf("observer = %+v", *c)
		}
	}
}

type reconcileCounter struct{ n int }

func (r *reconcileCounter) Reconciled(int, int, float64) { r.n++ }

func TestMultiReconciler(t *testing.T) {
	a, b := &reconcileCounter{}, &reconcileCounter{}
	MultiReconciler(a, nil, b).Reconciled(1, 2, 3)
	if a.n != 1 || b.n != 1 {
		t.Errorf("counts = %d, %d", a.n, b.n)
	}
}
