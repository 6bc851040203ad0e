// Package game runs one play session: a CWDTP connection to the game
// server driving a client-side prediction engine.
//
// Data flow:
//
//	connect   -> send ready
//	ready-ack -> world bounds, initial self state
//	input     -> predict locally, send client-action
//	update    -> reconcile with the authoritative snapshot
//
// Malformed server payloads are never applied. They are logged and
// surfaced on Errors().
package game

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/colonialwars/cwclient/pkg/cwdtp"
	"github.com/colonialwars/cwclient/pkg/predict"
	"github.com/colonialwars/cwclient/pkg/protocol"
	"github.com/colonialwars/cwclient/pkg/replay"
)

// ErrNotReady is returned by HandleInput before ready-ack arrives.
var ErrNotReady = errors.New("game: session not ready")

// PayloadError reports a server payload that could not be applied.
type PayloadError struct {
	Event string
	Err   error
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("game: bad %s payload: %v", e.Event, e.Err)
}

func (e *PayloadError) Unwrap() error { return e.Err }

// Entity is another player as last reported by the server.
type Entity struct {
	ID       string
	Position predict.Vector2
}

// RenderState is what a renderer needs for one frame.
type RenderState struct {
	ID     string
	Bounds predict.Vector2
	Tick   uint64
	Self   predict.State
	Others []Entity
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRecorder journals inputs, snapshots and lifecycle events to r.
func WithRecorder(r *replay.Recorder) Option {
	return func(s *Session) { s.recorder = r }
}

// WithErrorBuffer sets the capacity of the Errors channel. Default: 16.
func WithErrorBuffer(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.errs = make(chan error, n)
		}
	}
}

// Session ties a connection to a prediction engine.
type Session struct {
	conn     *cwdtp.Conn
	engine   *predict.Engine
	logger   *slog.Logger
	recorder *replay.Recorder
	errs     chan error

	mu        sync.Mutex
	id        string
	bounds    predict.Vector2
	tick      uint64
	others    []Entity
	ready     chan struct{}
	readyOnce sync.Once
}

// NewSession registers the session's handlers on conn. conn must not be
// connected yet.
func NewSession(conn *cwdtp.Conn, engine *predict.Engine, opts ...Option) *Session {
	s := &Session{
		conn:   conn,
		engine: engine,
		logger: slog.Default(),
		errs:   make(chan error, 16),
		ready:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	conn.On(cwdtp.EventConnect, s.onConnect)
	conn.On(cwdtp.EventDisconnect, s.onDisconnect)
	conn.On(cwdtp.EventError, s.onError)
	conn.On(cwdtp.EventPingTimeout, s.onPingTimeout)
	conn.On(protocol.EventReadyAck, s.onReadyAck)
	conn.On(protocol.EventUpdate, s.onUpdate)
	return s
}

// Conn returns the underlying connection.
func (s *Session) Conn() *cwdtp.Conn { return s.conn }

// Engine returns the prediction engine.
func (s *Session) Engine() *predict.Engine { return s.engine }

// Errors delivers connection errors and rejected payloads. Errors are
// dropped when nobody drains the channel.
func (s *Session) Errors() <-chan error { return s.errs }

// Ready is closed once ready-ack has been applied.
func (s *Session) Ready() <-chan struct{} { return s.ready }

// Run connects to url and blocks until the connection ends. Cancelling ctx
// closes the connection gracefully; Run then returns the terminal error,
// which is nil for a clean close.
func (s *Session) Run(ctx context.Context, url string) error {
	if err := s.conn.Connect(ctx, url); err != nil {
		return err
	}

	select {
	case <-s.conn.Done():
	case <-ctx.Done():
		s.logger.Info("shutting down session")
		if err := s.conn.Disconnect(false, protocol.CloseNormal, "client shutdown", false); err != nil && !errors.Is(err, cwdtp.ErrNotConnected) {
			s.logger.Warn("disconnect failed", "error", err)
		}
		<-s.conn.Done()
	}
	return s.conn.Err()
}

// HandleInput predicts dir locally and sends it to the server.
func (s *Session) HandleInput(dir predict.Direction) (predict.Input, error) {
	select {
	case <-s.ready:
	default:
		return predict.Input{}, ErrNotReady
	}
	if st := s.conn.State(); st != cwdtp.StateOpen {
		return predict.Input{}, fmt.Errorf("%w (state %s)", cwdtp.ErrNotConnected, st)
	}

	in := s.engine.NextInput(dir)
	if err := s.engine.ApplyLocalInput(in); err != nil {
		return predict.Input{}, err
	}
	if s.recorder != nil {
		_ = s.recorder.RecordInput(in)
	}
	if err := s.conn.Send(protocol.EventClientAction, in); err != nil {
		return in, err
	}
	return in, nil
}

// RenderState returns the current predicted state of the session.
func (s *Session) RenderState() RenderState {
	self := s.engine.State()
	s.mu.Lock()
	defer s.mu.Unlock()
	return RenderState{
		ID:     s.id,
		Bounds: s.bounds,
		Tick:   s.tick,
		Self:   self,
		Others: append([]Entity(nil), s.others...),
	}
}

// Others returns the other players from the latest update.
func (s *Session) Others() []Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entity(nil), s.others...)
}

func (s *Session) onConnect(ev cwdtp.Event) {
	s.record(cwdtp.EventConnect, ev.ID)
	if err := s.conn.Send(protocol.EventReady); err != nil {
		s.logger.Error("ready write failed", "error", err)
		s.report(err)
	}
}

func (s *Session) onDisconnect(ev cwdtp.Event) {
	detail := ""
	if ev.Close != nil {
		detail = ev.Close.Error()
	}
	s.record(cwdtp.EventDisconnect, detail)
}

func (s *Session) onError(ev cwdtp.Event) {
	if ev.Err == nil {
		return
	}
	s.record(cwdtp.EventError, ev.Err.Error())
	s.report(ev.Err)
}

func (s *Session) onPingTimeout(cwdtp.Event) {
	s.record(cwdtp.EventPingTimeout, "")
	s.report(cwdtp.ErrPingTimeout)
}

func (s *Session) onReadyAck(ev cwdtp.Event) {
	m, ok := ev.Arg(0).(map[string]any)
	if !ok {
		s.reject(protocol.EventReadyAck, fmt.Errorf("expected object, got %T", ev.Arg(0)))
		return
	}
	bounds, err := predict.ParseVector(m["bounds"])
	if err != nil {
		s.reject(protocol.EventReadyAck, fmt.Errorf("bounds: %w", err))
		return
	}
	self, err := predict.ParseSnapshot(m["self"])
	if err != nil {
		s.reject(protocol.EventReadyAck, fmt.Errorf("self: %w", err))
		return
	}
	id, _ := m["id"].(string)

	s.engine.SetBounds(bounds)
	s.engine.Spawn(self)
	if s.recorder != nil {
		_ = s.recorder.RecordSnapshot(self)
	}

	s.mu.Lock()
	s.bounds = bounds
	if id != "" {
		s.id = id
	} else {
		s.id = s.conn.ID()
	}
	s.mu.Unlock()

	s.logger.Info("ready", "bounds", bounds, "position", self.Position)
	s.readyOnce.Do(func() { close(s.ready) })
}

func (s *Session) onUpdate(ev cwdtp.Event) {
	m, ok := ev.Arg(0).(map[string]any)
	if !ok {
		s.reject(protocol.EventUpdate, fmt.Errorf("expected object, got %T", ev.Arg(0)))
		return
	}
	snap, err := predict.ParseSnapshot(m["self"])
	if err != nil {
		s.reject(protocol.EventUpdate, fmt.Errorf("self: %w", err))
		return
	}
	others, err := parseOthers(m["others"])
	if err != nil {
		// The snapshot is still good; keep the previous others.
		s.reject(protocol.EventUpdate, fmt.Errorf("others: %w", err))
	}

	if s.recorder != nil {
		_ = s.recorder.RecordSnapshot(snap)
	}
	s.engine.AcceptAuthoritativeState(snap)

	s.mu.Lock()
	if tick, ok := m["tick"].(float64); ok && tick >= 0 && tick == math.Trunc(tick) {
		s.tick = uint64(tick)
	}
	if err == nil {
		s.others = others
	}
	s.mu.Unlock()
}

func parseOthers(v any) ([]Entity, error) {
	if v == nil {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expected array, got %T", v)
	}
	out := make([]Entity, 0, len(list))
	for i, raw := range list {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("entry %d: expected object, got %T", i, raw)
		}
		id, _ := m["id"].(string)
		pos, err := predict.ParseVector(m["position"])
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		out = append(out, Entity{ID: id, Position: pos})
	}
	return out, nil
}

func (s *Session) reject(event string, err error) {
	perr := &PayloadError{Event: event, Err: err}
	s.logger.Error("rejected payload", "event", event, "error", err)
	s.record(cwdtp.EventError, perr.Error())
	s.report(perr)
}

func (s *Session) report(err error) {
	select {
	case s.errs <- err:
	default:
		s.logger.Debug("error channel full, dropping", "error", err)
	}
}

func (s *Session) record(name, detail string) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.RecordEvent(name, detail); err != nil && !errors.Is(err, replay.ErrClosed) {
		s.logger.Warn("journal write failed", "error", err)
	}
}
