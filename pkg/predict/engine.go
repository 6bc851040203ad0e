// Package predict keeps the local player's entity responsive between server
// snapshots.
//
// Every local input is applied immediately (optimistic execution) and queued
// until the server acknowledges it. When an authoritative snapshot arrives
// the engine adopts the server's position and velocity, discards inputs the
// server has already processed, and replays the rest on top.
//
// Replay deltas come from the timestamps recorded on each input, which are
// wall-clock milliseconds. Clock adjustments on the client show up as drift
// until the next snapshot.
package predict

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOutOfOrderInput is returned when an input does not advance the input
// counter.
var ErrOutOfOrderInput = errors.New("predict: input number not increasing")

// Input is one tick of local input.
type Input struct {
	InputNum  uint64    `json:"inputNum"`
	Timestamp int64     `json:"timestamp"`
	Direction Direction `json:"direction"`
}

// Clock returns the current time in milliseconds.
type Clock func() int64

func wallClock() int64 { return time.Now().UnixMilli() }

// Observer receives reconciliation results.
type Observer interface {
	// Reconciled is called after every authoritative snapshot. correction is
	// the distance between the predicted position before the snapshot and
	// the reconciled position after it.
	Reconciled(dropped, replayed int, correction float64)
}

// State is a point-in-time copy of the entity.
type State struct {
	Position           Vector2
	Velocity           Vector2
	Speed              float64
	LastProcessedInput uint64
	Pending            int
}

// Engine holds the locally simulated entity and its unacknowledged inputs.
// It is safe for concurrent use.
type Engine struct {
	mu sync.Mutex

	position Vector2
	velocity Vector2
	speed    float64

	pending            []Input
	lastInputNum       uint64
	lastProcessedInput uint64

	lastUpdateTime       int64
	lastInputProcessTime int64

	bounds    Vector2
	hasBounds bool

	clock    Clock
	observer Observer
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the millisecond clock used to stamp inputs.
func WithClock(c Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithSpeed sets the initial speed in world units per second.
func WithSpeed(speed float64) Option {
	return func(e *Engine) { e.speed = speed }
}

// WithPosition sets the initial position.
func WithPosition(p Vector2) Option {
	return func(e *Engine) { e.position = p }
}

// WithBounds clamps positions to [0, b].
func WithBounds(b Vector2) Option {
	return func(e *Engine) {
		e.bounds = b
		e.hasBounds = true
	}
}

// WithObserver reports reconciliation results to o.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// NewEngine returns an engine at rest. The update epoch is the clock's
// current time.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{clock: wallClock}
	for _, opt := range opts {
		opt(e)
	}
	e.resetEpoch()
	return e
}

// SetBounds sets the world size. Positions are clamped to [0, b].
func (e *Engine) SetBounds(b Vector2) {
	e.mu.Lock()
	e.bounds = b
	e.hasBounds = true
	e.position = e.clamp(e.position)
	e.mu.Unlock()
}

// SetSpeed sets the speed used for subsequent inputs.
func (e *Engine) SetSpeed(speed float64) {
	e.mu.Lock()
	e.speed = speed
	e.mu.Unlock()
}

// Spawn adopts the server's initial state for the entity, clears the queue
// and restarts the update epoch at the clock's current time, so the first
// input after spawning integrates from the spawn rather than from
// construction.
func (e *Engine) Spawn(s Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.position = s.Position
	e.velocity = s.Velocity
	if s.Speed > 0 {
		e.speed = s.Speed
	}
	e.pending = nil
	e.lastProcessedInput = s.LastProcessedInput
	if e.lastInputNum < s.LastProcessedInput {
		e.lastInputNum = s.LastProcessedInput
	}
	e.resetEpoch()
}

func (e *Engine) resetEpoch() {
	now := e.clock()
	e.lastUpdateTime = now
	e.lastInputProcessTime = now
}

// NextInput stamps dir with the next input number and the current time.
func (e *Engine) NextInput(dir Direction) Input {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastProcessedInput > e.lastInputNum {
		e.lastInputNum = e.lastProcessedInput
	}
	e.lastInputNum++
	return Input{
		InputNum:  e.lastInputNum,
		Timestamp: e.clock(),
		Direction: dir,
	}
}

// ApplyLocalInput advances the entity by one input and queues it for
// reconciliation.
func (e *Engine) ApplyLocalInput(in Input) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if last := e.lastQueued(); in.InputNum <= last {
		return fmt.Errorf("%w: %d after %d", ErrOutOfOrderInput, in.InputNum, last)
	}

	e.velocity, e.position = e.step(e.position, in, e.lastUpdateTime)
	e.pending = append(e.pending, in)
	e.lastUpdateTime = in.Timestamp
	if in.InputNum > e.lastInputNum {
		e.lastInputNum = in.InputNum
	}
	return nil
}

// AcceptAuthoritativeState adopts the server's state and replays every
// input the server has not yet processed.
func (e *Engine) AcceptAuthoritativeState(s Snapshot) {
	e.mu.Lock()

	before := e.position
	e.position = s.Position
	e.velocity = s.Velocity
	if s.Speed > 0 {
		e.speed = s.Speed
	}
	if s.LastProcessedInput > e.lastProcessedInput {
		e.lastProcessedInput = s.LastProcessedInput
	}

	dropped := 0
	for dropped < len(e.pending) && e.pending[dropped].InputNum <= s.LastProcessedInput {
		e.lastInputProcessTime = e.pending[dropped].Timestamp
		dropped++
	}
	e.pending = append(e.pending[:0:0], e.pending[dropped:]...)

	cursor := e.lastInputProcessTime
	for _, in := range e.pending {
		e.velocity, e.position = e.step(e.position, in, cursor)
		cursor = in.Timestamp
	}

	replayed := len(e.pending)
	correction := e.position.Sub(before).Length()
	obs := e.observer
	e.mu.Unlock()

	if obs != nil {
		obs.Reconciled(dropped, replayed, correction)
	}
}

// step integrates one input starting from the time since.
func (e *Engine) step(from Vector2, in Input, since int64) (vel, pos Vector2) {
	vel = in.Direction.Velocity(e.speed)
	dt := float64(in.Timestamp-since) / 1000
	if dt < 0 {
		dt = 0
	}
	return vel, e.clamp(from.Add(vel.Scale(dt)))
}

func (e *Engine) clamp(p Vector2) Vector2 {
	if !e.hasBounds {
		return p
	}
	return p.Clamp(Vector2{}, e.bounds)
}

func (e *Engine) lastQueued() uint64 {
	last := e.lastProcessedInput
	if n := len(e.pending); n > 0 && e.pending[n-1].InputNum > last {
		last = e.pending[n-1].InputNum
	}
	return last
}

// Position returns the current predicted position.
func (e *Engine) Position() Vector2 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.position
}

// Velocity returns the current velocity.
func (e *Engine) Velocity() Vector2 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.velocity
}

// Pending returns a copy of the unacknowledged inputs in input order.
func (e *Engine) Pending() []Input {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Input, len(e.pending))
	copy(out, e.pending)
	return out
}

// State returns a snapshot of the entity.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return State{
		Position:           e.position,
		Velocity:           e.velocity,
		Speed:              e.speed,
		LastProcessedInput: e.lastProcessedInput,
		Pending:            len(e.pending),
	}
}
