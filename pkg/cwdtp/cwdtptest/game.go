package cwdtptest

import (
	"log/slog"
	"sync"
	"time"

	"github.com/colonialwars/cwclient/pkg/predict"
	"github.com/colonialwars/cwclient/pkg/protocol"
)

// GameOptions configures the per-peer simulation started on ready.
type GameOptions struct {
	// Bounds is the world size sent in ready-ack.
	Bounds predict.Vector2

	// Start is the spawn position.
	Start predict.Vector2

	// Speed is the player speed in world units per second.
	Speed float64

	// TickInterval is the time between update broadcasts.
	TickInterval time.Duration
}

// DefaultGameOptions returns a 1000x1000 world ticking at 20Hz.
func DefaultGameOptions() GameOptions {
	return GameOptions{
		Bounds:       predict.Vector2{X: 1000, Y: 1000},
		Start:        predict.Vector2{X: 500, Y: 500},
		Speed:        200,
		TickInterval: 50 * time.Millisecond,
	}
}

// ReadyAck is the ready-ack payload.
type ReadyAck struct {
	ID     string           `json:"id"`
	Bounds predict.Vector2  `json:"bounds"`
	Self   predict.Snapshot `json:"self"`
}

// Update is the update payload.
type Update struct {
	Tick   uint64           `json:"tick"`
	Self   predict.Snapshot `json:"self"`
	Others []OtherPlayer    `json:"others"`
}

// OtherPlayer is another entity in an update.
type OtherPlayer struct {
	ID       string          `json:"id"`
	Position predict.Vector2 `json:"position"`
}

// gameSession simulates one player authoritatively with the same
// integration step the client predicts with.
type gameSession struct {
	peer   *Peer
	opts   GameOptions
	logger *slog.Logger
	engine *predict.Engine

	mu        sync.Mutex
	lastInput uint64
	tick      uint64
}

func newGameSession(p *Peer, opts GameOptions, logger *slog.Logger) *gameSession {
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultGameOptions().TickInterval
	}
	return &gameSession{
		peer:   p,
		opts:   opts,
		logger: logger.With("peer", p.ID),
		engine: predict.NewEngine(
			predict.WithSpeed(opts.Speed),
			predict.WithPosition(opts.Start),
			predict.WithBounds(opts.Bounds),
		),
	}
}

func (g *gameSession) snapshot() predict.Snapshot {
	st := g.engine.State()
	g.mu.Lock()
	defer g.mu.Unlock()
	return predict.Snapshot{
		Position:           st.Position,
		Velocity:           st.Velocity,
		Speed:              st.Speed,
		LastProcessedInput: g.lastInput,
		Timestamp:          time.Now().UnixMilli(),
	}
}

func (g *gameSession) handleAction(env *protocol.Envelope) {
	in, err := predict.ParseInput(env.Arg(0))
	if err != nil {
		g.logger.Warn("bad client-action", "error", err)
		return
	}
	if err := g.engine.ApplyLocalInput(in); err != nil {
		g.logger.Debug("dropping input", "input", in.InputNum, "error", err)
		return
	}
	g.mu.Lock()
	g.lastInput = in.InputNum
	g.mu.Unlock()
}

func (g *gameSession) run() {
	ack := ReadyAck{ID: g.peer.ID, Bounds: g.opts.Bounds, Self: g.snapshot()}
	if err := g.peer.Send(protocol.EventReadyAck, nil, ack); err != nil {
		g.logger.Warn("ready-ack write failed", "error", err)
		return
	}

	ticker := time.NewTicker(g.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			snap := g.snapshot()
			// Drop the inputs this snapshot covers.
			g.engine.AcceptAuthoritativeState(snap)

			g.mu.Lock()
			g.tick++
			tick := g.tick
			g.mu.Unlock()

			upd := Update{Tick: tick, Self: snap, Others: []OtherPlayer{}}
			if err := g.peer.Send(protocol.EventUpdate, nil, upd); err != nil {
				return
			}
		case <-g.peer.done:
			return
		}
	}
}
