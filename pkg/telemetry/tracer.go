package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/colonialwars/cwclient/pkg/cwdtp"
	"github.com/colonialwars/cwclient/pkg/protocol"
)

const defaultTracerName = "cwclient"

// TracerOption configures a Tracer.
type TracerOption func(*Tracer)

// WithTracerName sets the instrumentation name.
func WithTracerName(name string) TracerOption {
	return func(t *Tracer) { t.name = name }
}

// WithTracerProvider sets the provider. Default: the global provider.
func WithTracerProvider(tp trace.TracerProvider) TracerOption {
	return func(t *Tracer) { t.provider = tp }
}

// WithParent sets the context new spans are children of.
func WithParent(ctx context.Context) TracerOption {
	return func(t *Tracer) { t.parent = ctx }
}

// Tracer records a cwdtp.handshake span from client-hello until Open or
// abort, and a cwdtp.close span from close until the connection is
// terminal. It implements cwdtp.Observer for a single connection.
type Tracer struct {
	name     string
	provider trace.TracerProvider
	parent   context.Context
	tracer   trace.Tracer

	mu        sync.Mutex
	handshake trace.Span
	closing   trace.Span
}

// NewTracer resolves the tracer from the configured provider.
func NewTracer(opts ...TracerOption) *Tracer {
	t := &Tracer{name: defaultTracerName, parent: context.Background()}
	for _, opt := range opts {
		opt(t)
	}
	if t.provider == nil {
		t.provider = otel.GetTracerProvider()
	}
	t.tracer = t.provider.Tracer(t.name)
	return t
}

func (t *Tracer) start(name string, attrs ...attribute.KeyValue) trace.Span {
	_, span := t.tracer.Start(t.parent, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
		trace.WithTimestamp(time.Now()),
	)
	return span
}

// StateChanged implements cwdtp.Observer.
func (t *Tracer) StateChanged(from, to cwdtp.State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch to {
	case cwdtp.StateHandshakeInProgress:
		t.handshake = t.start("cwdtp.handshake",
			attribute.String("cwdtp.subprotocol", protocol.Subprotocol))
	case cwdtp.StateClosing:
		t.closing = t.start("cwdtp.close",
			attribute.String("cwdtp.from_state", from.String()))
	}
}

// FrameSent implements cwdtp.Observer.
func (t *Tracer) FrameSent(string, int) {}

// FrameReceived implements cwdtp.Observer.
func (t *Tracer) FrameReceived(string, int) {}

// DecodeFailed implements cwdtp.Observer.
func (t *Tracer) DecodeFailed(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handshake != nil {
		t.handshake.AddEvent("decode_failed", trace.WithAttributes(attribute.String("error", err.Error())))
	}
}

// HandshakeDone implements cwdtp.Observer.
func (t *Tracer) HandshakeDone(d time.Duration, err error) {
	t.mu.Lock()
	span := t.handshake
	t.handshake = nil
	t.mu.Unlock()
	if span == nil {
		return
	}

	span.SetAttributes(attribute.Int64("cwdtp.handshake_ms", d.Milliseconds()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Closed implements cwdtp.Observer.
func (t *Tracer) Closed(code protocol.CloseCode, wasError bool) {
	t.mu.Lock()
	hs, cl := t.handshake, t.closing
	t.handshake, t.closing = nil, nil
	t.mu.Unlock()

	attrs := []attribute.KeyValue{
		attribute.Int("cwdtp.close_code", int(code)),
		attribute.String("cwdtp.close_reason", code.Reason()),
		attribute.Bool("cwdtp.was_error", wasError),
	}
	// A connection that fails before the handshake starts has no span yet.
	if hs != nil {
		hs.SetAttributes(attrs...)
		hs.SetStatus(codes.Error, code.Reason())
		hs.End()
	}
	if cl != nil {
		cl.SetAttributes(attrs...)
		if wasError {
			cl.SetStatus(codes.Error, code.Reason())
		} else {
			cl.SetStatus(codes.Ok, "")
		}
		cl.End()
	}
}
