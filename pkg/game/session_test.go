package game

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/colonialwars/cwclient/pkg/cwdtp"
	"github.com/colonialwars/cwclient/pkg/cwdtp/cwdtptest"
	"github.com/colonialwars/cwclient/pkg/predict"
	"github.com/colonialwars/cwclient/pkg/protocol"
	"github.com/colonialwars/cwclient/pkg/replay"
)

const waitTimeout = 2 * time.Second

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

type harness struct {
	srv     *cwdtptest.Server
	session *Session
	peer    *cwdtptest.Peer
	cancel  context.CancelFunc
	done    chan struct{}
	runErr  error
}

// start runs a session against a fresh mock server and waits for the
// server to see ready.
func start(t *testing.T, opts cwdtptest.Options, sessOpts ...Option) *harness {
	t.Helper()
	return startWithEngine(t, opts, predict.NewEngine(predict.WithSpeed(100)), sessOpts...)
}

func startWithEngine(t *testing.T, opts cwdtptest.Options, engine *predict.Engine, sessOpts ...Option) *harness {
	t.Helper()
	opts.Logger = discardLogger()
	srv := cwdtptest.NewServer(opts)
	t.Cleanup(srv.Close)

	conn := cwdtp.New(nil, cwdtp.WithLogger(discardLogger()))
	sessOpts = append([]Option{WithLogger(discardLogger())}, sessOpts...)
	s := NewSession(conn, engine, sessOpts...)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{srv: srv, session: s, cancel: cancel, done: make(chan struct{})}
	go func() {
		h.runErr = s.Run(ctx, srv.URL)
		close(h.done)
	}()
	t.Cleanup(h.stop)

	peer, err := srv.Accept(waitTimeout)
	if err != nil {
		t.Fatal(err)
	}
	h.peer = peer
	if _, err := peer.Expect(protocol.EventReady, waitTimeout); err != nil {
		t.Fatalf("session never sent ready: %v", err)
	}
	return h
}

func (h *harness) stop() {
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(waitTimeout):
	}
}

// wait returns Run's result.
func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case <-h.done:
		return h.runErr
	case <-time.After(waitTimeout):
		t.Fatal("Run did not return")
		return nil
	}
}

func (h *harness) sendReadyAck(t *testing.T, self predict.Snapshot) {
	t.Helper()
	ack := cwdtptest.ReadyAck{ID: h.peer.ID, Bounds: predict.Vector2{X: 1000, Y: 1000}, Self: self}
	if err := h.peer.Send(protocol.EventReadyAck, nil, ack); err != nil {
		t.Fatal(err)
	}
	select {
	case <-h.session.Ready():
	case <-time.After(waitTimeout):
		t.Fatal("session not ready")
	}
}

func (h *harness) sendUpdate(t *testing.T, tick uint64, self predict.Snapshot, others ...cwdtptest.OtherPlayer) {
	t.Helper()
	if others == nil {
		others = []cwdtptest.OtherPlayer{}
	}
	upd := cwdtptest.Update{Tick: tick, Self: self, Others: others}
	if err := h.peer.Send(protocol.EventUpdate, nil, upd); err != nil {
		t.Fatal(err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSessionScenario(t *testing.T) {
	h := start(t, cwdtptest.Options{})
	h.sendReadyAck(t, predict.Snapshot{Position: predict.Vector2{X: 100, Y: 100}})

	rs := h.session.RenderState()
	if rs.Bounds != (predict.Vector2{X: 1000, Y: 1000}) {
		t.Errorf("Bounds = %+v", rs.Bounds)
	}
	if rs.ID != h.peer.ID {
		t.Errorf("ID = %q, want %q", rs.ID, h.peer.ID)
	}
	if rs.Self.Position != (predict.Vector2{X: 100, Y: 100}) {
		t.Errorf("initial position = %+v", rs.Self.Position)
	}

	first := predict.Snapshot{Position: predict.Vector2{X: 110, Y: 100}, Velocity: predict.Vector2{X: 100}, Speed: 100, Timestamp: 1000}
	second := predict.Snapshot{Position: predict.Vector2{X: 120, Y: 100}, Velocity: predict.Vector2{X: 100}, Speed: 100, Timestamp: 1100}
	h.sendUpdate(t, 1, first)
	time.Sleep(100 * time.Millisecond)
	h.sendUpdate(t, 2, second, cwdtptest.OtherPlayer{ID: "p2", Position: predict.Vector2{X: 5, Y: 6}})

	waitFor(t, "second update", func() bool { return h.session.RenderState().Tick == 2 })
	rs = h.session.RenderState()
	if rs.Self.Position != second.Position {
		t.Errorf("position = %+v, want %+v", rs.Self.Position, second.Position)
	}
	if rs.Self.Velocity != second.Velocity {
		t.Errorf("velocity = %+v, want %+v", rs.Self.Velocity, second.Velocity)
	}
	others := h.session.Others()
	if len(others) != 1 || others[0].ID != "p2" || others[0].Position != (predict.Vector2{X: 5, Y: 6}) {
		t.Errorf("others = %+v", others)
	}
}

func TestSessionInputBeforeReady(t *testing.T) {
	h := start(t, cwdtptest.Options{})
	if _, err := h.session.HandleInput(predict.Direction{Right: true}); !errors.Is(err, ErrNotReady) {
		t.Errorf("HandleInput() error = %v, want ErrNotReady", err)
	}
}

func TestSessionInputReconciled(t *testing.T) {
	h := start(t, cwdtptest.Options{})
	h.sendReadyAck(t, predict.Snapshot{Position: predict.Vector2{X: 500, Y: 500}})

	var sent []predict.Input
	for i := 0; i < 3; i++ {
		in, err := h.session.HandleInput(predict.Direction{Right: true})
		if err != nil {
			t.Fatalf("HandleInput() error = %v", err)
		}
		sent = append(sent, in)
		time.Sleep(10 * time.Millisecond)
	}
	if got := h.session.Engine().State().Pending; got != 3 {
		t.Fatalf("pending = %d, want 3", got)
	}

	for i, want := range sent {
		env, err := h.peer.Expect(protocol.EventClientAction, waitTimeout)
		if err != nil {
			t.Fatal(err)
		}
		got, err := predict.ParseInput(env.Arg(0))
		if err != nil {
			t.Fatalf("server could not parse input %d: %v", i, err)
		}
		if got != want {
			t.Errorf("input %d = %+v, want %+v", i, got, want)
		}
	}

	// The server has processed everything; no replay on top.
	final := predict.Snapshot{Position: predict.Vector2{X: 503, Y: 500}, LastProcessedInput: sent[2].InputNum}
	h.sendUpdate(t, 1, final)
	waitFor(t, "reconcile", func() bool { return h.session.Engine().State().Pending == 0 })
	if got := h.session.Engine().Position(); got != final.Position {
		t.Errorf("position = %+v, want %+v", got, final.Position)
	}
}

func TestSessionMalformedUpdate(t *testing.T) {
	h := start(t, cwdtptest.Options{})
	h.sendReadyAck(t, predict.Snapshot{Position: predict.Vector2{X: 10, Y: 10}})

	bad := map[string]any{"tick": 1, "self": map[string]any{"position": map[string]any{"x": 1}}}
	if err := h.peer.Send(protocol.EventUpdate, nil, bad); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-h.session.Errors():
		var perr *PayloadError
		if !errors.As(err, &perr) || perr.Event != protocol.EventUpdate {
			t.Fatalf("error = %v, want *PayloadError for update", err)
		}
		var serr *predict.SnapshotError
		if !errors.As(err, &serr) {
			t.Errorf("error %v does not wrap *SnapshotError", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("no error reported")
	}
	if got := h.session.Engine().Position(); got != (predict.Vector2{X: 10, Y: 10}) {
		t.Errorf("malformed update applied: position = %+v", got)
	}
	if h.session.Conn().State() != cwdtp.StateOpen {
		t.Errorf("connection state = %s", h.session.Conn().State())
	}
}

func TestSessionRunStopsOnCancel(t *testing.T) {
	h := start(t, cwdtptest.Options{})
	h.cancel()
	if err := h.wait(t); err != nil {
		t.Errorf("Run() error = %v, want nil for clean close", err)
	}
	if st := h.session.Conn().State(); st != cwdtp.StateClosed {
		t.Errorf("state = %s", st)
	}
}

func TestSessionRunReturnsServerClose(t *testing.T) {
	h := start(t, cwdtptest.Options{})
	if err := h.peer.Send(protocol.EventClose, protocol.Meta{protocol.MetaReason: "kicked", protocol.MetaError: true}); err != nil {
		t.Fatal(err)
	}
	err := h.wait(t)
	var ce *cwdtp.CloseError
	if !errors.As(err, &ce) || ce.Reason != "kicked" || !ce.Remote {
		t.Errorf("Run() error = %v", err)
	}
}

func TestSessionAgainstSimulation(t *testing.T) {
	game := cwdtptest.DefaultGameOptions()
	game.TickInterval = 20 * time.Millisecond
	h := start(t, cwdtptest.Options{Game: &game})

	select {
	case <-h.session.Ready():
	case <-time.After(waitTimeout):
		t.Fatal("no ready-ack from simulation")
	}
	if got := h.session.RenderState().Self.Position; got != game.Start {
		t.Errorf("start = %+v, want %+v", got, game.Start)
	}

	for i := 0; i < 5; i++ {
		if _, err := h.session.HandleInput(predict.Direction{Right: true}); err != nil {
			t.Fatal(err)
		}
		time.Sleep(15 * time.Millisecond)
	}

	waitFor(t, "inputs acknowledged", func() bool { return h.session.Engine().State().Pending == 0 })
	st := h.session.Engine().State()
	if st.Position.X <= game.Start.X {
		t.Errorf("position %+v did not move right", st.Position)
	}
	if st.Position.Y != game.Start.Y {
		t.Errorf("Y drifted to %v", st.Position.Y)
	}
	if st.LastProcessedInput != 5 {
		t.Errorf("LastProcessedInput = %d, want 5", st.LastProcessedInput)
	}
}

func TestSessionRecordsJournal(t *testing.T) {
	rec := replay.NewRecorder()
	h := start(t, cwdtptest.Options{}, WithRecorder(rec))
	h.sendReadyAck(t, predict.Snapshot{Position: predict.Vector2{X: 1, Y: 1}})
	if _, err := h.session.HandleInput(predict.Direction{Down: true}); err != nil {
		t.Fatal(err)
	}

	entries, err := replay.ReadEntries(bytes.NewReader(rec.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	kinds := map[replay.Kind]int{}
	for _, e := range entries {
		kinds[e.Kind]++
	}
	if kinds[replay.KindEvent] < 1 || kinds[replay.KindSnapshot] != 1 || kinds[replay.KindInput] != 1 {
		t.Errorf("journal kinds = %v", kinds)
	}
}

func TestSessionFirstInputAfterSpawn(t *testing.T) {
	var now atomic.Int64
	engine := predict.NewEngine(predict.WithSpeed(200), predict.WithClock(now.Load))
	h := startWithEngine(t, cwdtptest.Options{}, engine)

	// Dial, handshake and ready take two seconds of engine time.
	now.Store(2000)
	h.sendReadyAck(t, predict.Snapshot{Position: predict.Vector2{X: 500, Y: 500}})

	now.Store(2050)
	if _, err := h.session.HandleInput(predict.Direction{Right: true}); err != nil {
		t.Fatal(err)
	}
	if got := h.session.RenderState().Self.Position; got != (predict.Vector2{X: 510, Y: 500}) {
		t.Errorf("position = %+v, want {510 500}", got)
	}
}
