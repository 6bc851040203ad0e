// Package cwdtp implements the client side of the Colonial Wars Data Transfer
// Protocol: dial, challenge-response handshake, heartbeat, and the two-phase
// close, over one WebSocket connection.
//
// A Conn moves through Idle → Connecting → HandshakeInProgress → Open →
// Closing → Closed. Aborted is the terminal state for connections that never
// reached Open. At most one timer is armed at any time: the handshake
// timeout, the heartbeat deadline, or the close-ack timeout.
//
// Inbound frames are read on a dedicated goroutine. Handlers registered with
// On run on that goroutine, outside the connection lock, so they may call
// Send or Disconnect.
//
// A frame with an unrecognized metadata key is reported as an error event and
// dropped. The connection stays open unless Config.AbortOnProtocolViolation
// is set.
package cwdtp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"github.com/colonialwars/cwclient/pkg/protocol"
	"github.com/colonialwars/cwclient/pkg/secure"
)

// maxCloseReason is the largest reason that fits a WebSocket close frame.
const maxCloseReason = 123

// Conn is a client-side CWDTP connection. It is used for exactly one
// Connect call.
type Conn struct {
	cfg      *Config
	dialer   Dialer
	hasher   secure.Hasher
	source   *secure.Source
	logger   *slog.Logger
	observer Observer
	now      func() time.Time

	events *emitter

	mu             sync.Mutex
	state          State
	url            string
	id             string
	alive          bool
	reqKey         string
	transport      Transport
	timer          *time.Timer
	timerGen       uint64
	closing        *CloseError
	err            error
	handshakeStart time.Time

	opened   chan struct{}
	done     chan struct{}
	doneOnce sync.Once

	// writeMu keeps frames in Send call order.
	writeMu sync.Mutex
}

// Option configures a Conn.
type Option func(*Conn)

// WithDialer replaces the gorilla/websocket dialer.
func WithDialer(d Dialer) Option {
	return func(c *Conn) { c.dialer = d }
}

// WithHasher sets the hash used to verify the server's response key. It
// overrides Config.Hash.
func WithHasher(h secure.Hasher) Option {
	return func(c *Conn) { c.hasher = h }
}

// WithSource sets the randomness used for request keys.
func WithSource(s *secure.Source) Option {
	return func(c *Conn) { c.source = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Conn) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithObserver reports connection telemetry to o.
func WithObserver(o Observer) Option {
	return func(c *Conn) {
		if o != nil {
			c.observer = o
		}
	}
}

// New creates an idle connection. A nil cfg means DefaultConfig().
func New(cfg *Config, opts ...Option) *Conn {
	c := &Conn{
		cfg:      cfg.withDefaults(),
		dialer:   &WebSocketDialer{},
		source:   secure.DefaultSource,
		logger:   slog.Default(),
		observer: nopObserver{},
		now:      time.Now,
		opened:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.hasher == nil {
		h, err := secure.NewHasher(c.cfg.Hash)
		if err != nil {
			c.logger.Warn("unsupported hash, using SHA-256", "hash", c.cfg.Hash, "error", err)
			h = secure.DefaultHasher()
		}
		c.hasher = h
	}
	c.events = newEmitter(c.logger)
	return c
}

// Connect dials url, checks the negotiated subprotocol and runs the
// handshake. It blocks until the connection is Open or has reached a
// terminal state.
func (c *Conn) Connect(ctx context.Context, url string) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.url = url
	c.logger = c.logger.With("url", url)
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	if err := checkToken(c.cfg.AuthToken, c.now()); err != nil {
		c.fail(err)
		return err
	}

	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	tr, err := c.dialer.Dial(dctx, url, dialHeader(c.cfg))
	cancel()
	if err != nil {
		c.fail(err)
		return err
	}

	if sp := tr.Subprotocol(); sp != protocol.Subprotocol {
		ce := newCloseError(protocol.CloseInvalidSubprotocol, fmt.Sprintf("server negotiated %q", sp))
		closeTransport(tr, ce.Code, ce.Reason)
		c.fail(ce)
		return ce
	}
	tr.SetReadLimit(c.cfg.MaxMessageSize)

	reqKey, err := protocol.NewRequestKey(c.source)
	if err != nil {
		closeTransport(tr, protocol.CloseAbort, "")
		c.fail(err)
		return err
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		// Disconnect ran during the dial.
		c.mu.Unlock()
		closeTransport(tr, protocol.CloseAbort, "")
		<-c.done
		return c.Err()
	}
	c.transport = tr
	c.reqKey = reqKey
	c.handshakeStart = c.now()
	c.setStateLocked(StateHandshakeInProgress)
	c.armLocked(c.cfg.HandshakeTimeout, c.onHandshakeTimeout)
	c.mu.Unlock()

	go c.readLoop(tr)

	hello := protocol.Meta{protocol.MetaReqKey: reqKey}
	if err := c.write(tr, protocol.EventClientHello, hello); err != nil {
		c.abortHandshake(newCloseError(protocol.CloseAbort, "client-hello write failed"), err)
	}

	select {
	case <-c.opened:
		return nil
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		if c.abortHandshake(newCloseError(protocol.CloseAbort, "connect canceled"), ctx.Err()) {
			<-c.done
			return c.Err()
		}
		select {
		case <-c.opened:
			return nil
		case <-c.done:
			return c.Err()
		}
	}
}

// Send writes an application event. It fails with ErrNotConnected unless the
// connection is Open.
func (c *Conn) Send(event string, data ...any) error {
	if protocol.IsReserved(event) || IsLifecycle(event) {
		return fmt.Errorf("%w: %q", ErrReservedEvent, event)
	}
	c.mu.Lock()
	if c.state != StateOpen {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrNotConnected, st)
	}
	tr := c.transport
	c.mu.Unlock()

	return c.write(tr, event, nil, data...)
}

// Disconnect closes the connection. A graceful close sends close and waits
// up to Config.CloseTimeout for close-ack; a forced close tears the
// transport down at once. Before the handshake completes both abort the
// handshake.
func (c *Conn) Disconnect(force bool, code protocol.CloseCode, reason string, wasError bool) error {
	if reason == "" {
		reason = code.Reason()
	}
	ce := &CloseError{Code: code, Reason: reason, WasError: wasError}

	c.mu.Lock()
	switch {
	case c.state == StateIdle || c.state.IsTerminal():
		c.mu.Unlock()
		return ErrNotConnected
	case c.state.beforeOpen():
		c.mu.Unlock()
		c.abortHandshake(ce, nil)
		return nil
	case c.state == StateClosing && !force:
		c.mu.Unlock()
		return nil
	}

	if force {
		tr := c.finishLocked(StateClosed, errIf(wasError, ce))
		c.mu.Unlock()

		c.logger.Info("connection closed", "code", code, "reason", reason, "forced", true)
		closeTransport(tr, code, reason)
		c.finish(ce)
		return nil
	}

	tr := c.transport
	c.closing = ce
	c.setStateLocked(StateClosing)
	c.armLocked(c.cfg.CloseTimeout, c.onCloseTimeout)
	c.mu.Unlock()

	meta := protocol.Meta{protocol.MetaReason: reason, protocol.MetaError: wasError}
	if err := c.write(tr, protocol.EventClose, meta); err != nil {
		c.logger.Warn("close write failed", "error", err)
		return c.Disconnect(true, code, reason, wasError)
	}
	return nil
}

// On registers h for event and returns an id for Off. Reserved control
// names cannot be subscribed and return 0.
func (c *Conn) On(event string, h Handler) ListenerID {
	return c.events.on(event, h)
}

// Off removes the handler registered under id.
func (c *Conn) Off(event string, id ListenerID) bool {
	return c.events.off(event, id)
}

// ID returns the server-assigned identity, or "" before the handshake.
func (c *Conn) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// State returns the current state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsAlive reports whether the handshake succeeded and the connection has not
// closed since.
func (c *Conn) IsAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

// URL returns the dialed URL.
func (c *Conn) URL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.url
}

// Done is closed once the connection is terminal and its terminal events
// have been emitted.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the terminal cause, or nil for a clean close.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// readLoop reads frames from tr until it fails.
func (c *Conn) readLoop(tr Transport) {
	for {
		mt, msg, err := tr.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		env, err := decodeFrame(mt, msg)
		if err != nil {
			if protocol.IsFatal(err) {
				c.handleViolation(err)
			} else {
				c.logger.Warn("frame decode error", "error", err)
				c.observer.DecodeFailed(err)
			}
			continue
		}
		c.observer.FrameReceived(env.Event, len(msg))

		if env.IsControl() {
			c.handleControl(tr, env)
			continue
		}
		c.dispatch(env)
	}
}

func decodeFrame(mt int, msg []byte) (*protocol.Envelope, error) {
	if mt == websocket.TextMessage {
		return protocol.DecodeText(string(msg))
	}
	return protocol.Decode(msg)
}

func (c *Conn) handleControl(tr Transport, env *protocol.Envelope) {
	switch env.Event {
	case protocol.EventServerHello:
		c.handleServerHello(env)
	case protocol.EventPing:
		c.handlePing(tr)
	case protocol.EventClose:
		c.handlePeerClose(env)
	case protocol.EventCloseAck:
		c.handleCloseAck()
	default:
		c.logger.Debug("ignoring control event", "event", env.Event)
	}
}

func (c *Conn) handleServerHello(env *protocol.Envelope) {
	c.mu.Lock()
	if c.state != StateHandshakeInProgress {
		st := c.state
		c.mu.Unlock()
		c.logger.Debug("unexpected server-hello", "state", st)
		return
	}

	keyOK := protocol.VerifyResponseKey(c.reqKey, env.Meta.ResKey(), c.hasher)
	id := env.Meta.ConnID()
	if !keyOK || id == "" {
		c.mu.Unlock()
		reason := "invalid response key"
		if keyOK {
			reason = "missing connection id"
		}
		c.abortHandshake(newCloseError(protocol.CloseHandshakeFailed, reason), nil)
		return
	}

	c.id = id
	c.alive = true
	c.setStateLocked(StateOpen)
	c.armLocked(c.cfg.PingTimeout, c.onPingTimeout)
	dur := c.now().Sub(c.handshakeStart)
	close(c.opened)
	c.mu.Unlock()

	c.observer.HandshakeDone(dur, nil)
	c.logger.Info("connected", "id", id, "handshake", dur)
	c.emit(Event{Name: EventConnect, ID: id})
}

func (c *Conn) handlePing(tr Transport) {
	c.mu.Lock()
	switch c.state {
	case StateOpen:
		c.armLocked(c.cfg.PingTimeout, c.onPingTimeout)
	case StateClosing:
		// The close-ack timer stays armed.
	default:
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := c.write(tr, protocol.EventPong, nil); err != nil {
		c.logger.Warn("pong error", "error", err)
	}
}

func (c *Conn) handlePeerClose(env *protocol.Envelope) {
	ce := &CloseError{
		Code:     protocol.CloseNormal,
		Reason:   env.Meta.Reason(),
		WasError: env.Meta.IsError(),
		Remote:   true,
		Clean:    true,
	}
	if ce.WasError {
		ce.Code = protocol.CloseAbort
	}

	c.mu.Lock()
	switch {
	case c.state.beforeOpen():
		c.mu.Unlock()
		c.abortHandshake(ce, nil)
		return
	case c.state == StateOpen || c.state == StateClosing:
	default:
		c.mu.Unlock()
		return
	}
	tr := c.finishLocked(StateClosed, errIf(ce.WasError, ce))
	c.mu.Unlock()

	c.logger.Info("server closed connection", "reason", ce.Reason, "error", ce.WasError)
	if err := c.write(tr, protocol.EventCloseAck, nil); err != nil {
		c.logger.Debug("close-ack write failed", "error", err)
	}
	closeTransport(tr, protocol.CloseNormal, ce.Reason)
	c.finish(ce)
}

func (c *Conn) handleCloseAck() {
	c.mu.Lock()
	if c.state != StateClosing {
		c.mu.Unlock()
		c.logger.Debug("unexpected close-ack")
		return
	}
	ce := c.closing
	ce.Clean = true
	tr := c.finishLocked(StateClosed, errIf(ce.WasError, ce))
	c.mu.Unlock()

	c.logger.Info("connection closed", "code", ce.Code, "reason", ce.Reason)
	closeTransport(tr, ce.Code, ce.Reason)
	c.finish(ce)
}

func (c *Conn) handleReadError(err error) {
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()
	if st.IsTerminal() {
		return
	}

	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseNormalClosure) {
		c.logger.Error("read error", "error", err)
	}

	ce := &CloseError{Code: protocol.CloseAbort, Reason: "transport closed", WasError: true, Remote: true}
	var wsErr *websocket.CloseError
	if errors.As(err, &wsErr) {
		ce.Code = protocol.CloseCode(wsErr.Code)
		ce.WasError = ce.Code.IsError()
		if wsErr.Text != "" {
			ce.Reason = wsErr.Text
		}
	}

	if st.beforeOpen() {
		c.abortHandshake(ce, err)
		return
	}

	c.mu.Lock()
	if c.state.IsTerminal() {
		c.mu.Unlock()
		return
	}
	tr := c.finishLocked(StateClosed, errIf(ce.WasError, ce))
	c.mu.Unlock()

	if tr != nil {
		_ = tr.Close()
	}
	c.finish(ce)
}

func (c *Conn) handleViolation(err error) {
	c.logger.Error("protocol violation", "error", err)
	c.observer.DecodeFailed(err)
	c.emit(Event{Name: EventError, Err: err})
	if c.cfg.AbortOnProtocolViolation {
		_ = c.Disconnect(true, protocol.CloseAbort, "protocol violation", true)
	}
}

func (c *Conn) dispatch(env *protocol.Envelope) {
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()
	if st != StateOpen && st != StateClosing {
		c.logger.Debug("dropping event", "event", env.Event, "state", st)
		return
	}
	c.emit(Event{Name: env.Event, Args: env.Data})
}

func (c *Conn) onHandshakeTimeout(gen uint64) {
	c.mu.Lock()
	stale := gen != c.timerGen || c.state != StateHandshakeInProgress
	c.mu.Unlock()
	if stale {
		return
	}
	c.abortHandshake(newCloseError(protocol.CloseHandshakeTimeout, ""), nil)
}

func (c *Conn) onPingTimeout(gen uint64) {
	c.mu.Lock()
	if gen != c.timerGen || c.state != StateOpen {
		c.mu.Unlock()
		return
	}
	ce := newCloseError(protocol.ClosePingTimeout, "")
	tr := c.finishLocked(StateClosed, ce)
	c.mu.Unlock()

	c.logger.Warn("ping timeout", "timeout", c.cfg.PingTimeout)
	closeTransport(tr, ce.Code, ce.Reason)
	c.observer.Closed(ce.Code, true)
	c.emit(Event{Name: EventPingTimeout, Close: ce})
	c.emit(Event{Name: EventDisconnect, Close: ce})
	c.closeDone()
}

func (c *Conn) onCloseTimeout(gen uint64) {
	c.mu.Lock()
	if gen != c.timerGen || c.state != StateClosing {
		c.mu.Unlock()
		return
	}
	ce := c.closing
	tr := c.finishLocked(StateClosed, errIf(ce.WasError, ce))
	c.mu.Unlock()

	c.logger.Warn("close-ack timeout, forcing close", "timeout", c.cfg.CloseTimeout)
	closeTransport(tr, ce.Code, ce.Reason)
	c.observer.Closed(ce.Code, ce.WasError)
	c.emit(Event{Name: EventError, Err: newCloseError(protocol.CloseHandshakeAckTimeout, "")})
	c.emit(Event{Name: EventDisconnect, Close: ce})
	c.closeDone()
}

// abortHandshake tears down a connection that has not reached Open. It
// reports whether it did anything.
func (c *Conn) abortHandshake(ce *CloseError, cause error) bool {
	c.mu.Lock()
	if !c.state.beforeOpen() {
		c.mu.Unlock()
		return false
	}
	var err error = ce
	if cause != nil {
		err = fmt.Errorf("%w: %w", ce, cause)
	}
	started := !c.handshakeStart.IsZero()
	dur := c.now().Sub(c.handshakeStart)
	tr := c.finishLocked(StateAborted, err)
	c.mu.Unlock()

	c.logger.Warn("aborting handshake", "code", ce.Code, "reason", ce.Reason)
	c.emit(Event{Name: EventAbortingHandshake, Close: ce})
	if tr != nil {
		meta := protocol.Meta{protocol.MetaReason: ce.Reason, protocol.MetaError: true}
		if werr := c.write(tr, protocol.EventClose, meta); werr != nil {
			c.logger.Debug("abort close write failed", "error", werr)
		}
		closeTransport(tr, ce.Code, ce.Reason)
	}
	if started {
		c.observer.HandshakeDone(dur, err)
	}
	c.observer.Closed(ce.Code, true)
	c.emit(Event{Name: EventError, Err: err})
	c.closeDone()
	return true
}

// fail aborts a connection before any transport is owned.
func (c *Conn) fail(cause error) {
	c.mu.Lock()
	if !c.state.beforeOpen() {
		c.mu.Unlock()
		return
	}
	c.finishLocked(StateAborted, cause)
	c.mu.Unlock()

	c.logger.Error("connect failed", "error", cause)
	code := protocol.CloseAbort
	var ce *CloseError
	if errors.As(cause, &ce) {
		code = ce.Code
	}
	c.observer.Closed(code, true)
	c.emit(Event{Name: EventError, Err: cause})
	c.closeDone()
}

// finish emits disconnect for a connection that was Open.
func (c *Conn) finish(ce *CloseError) {
	c.observer.Closed(ce.Code, ce.WasError)
	c.emit(Event{Name: EventDisconnect, Close: ce})
	c.closeDone()
}

// finishLocked moves to a terminal state, clears the timer and hands back
// the transport for closing outside the lock.
func (c *Conn) finishLocked(st State, cause error) Transport {
	c.stopTimerLocked()
	c.alive = false
	c.err = cause
	c.setStateLocked(st)
	tr := c.transport
	c.transport = nil
	return tr
}

func (c *Conn) setStateLocked(to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	c.observer.StateChanged(from, to)
	c.logger.Debug("state change", "from", from, "to", to)
}

// armLocked replaces the armed timer. A timer that fires after being
// replaced sees a newer generation and does nothing.
func (c *Conn) armLocked(d time.Duration, fire func(gen uint64)) {
	c.stopTimerLocked()
	gen := c.timerGen
	c.timer = time.AfterFunc(d, func() { fire(gen) })
}

func (c *Conn) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerGen++
}

func (c *Conn) write(tr Transport, event string, meta protocol.Meta, data ...any) error {
	if tr == nil {
		return ErrNotConnected
	}
	payload, err := protocol.Encode(event, meta, data...)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = tr.SetWriteDeadline(c.now().Add(c.cfg.WriteTimeout))
	if err := tr.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		return fmt.Errorf("cwdtp: write %s: %w", event, err)
	}
	c.observer.FrameSent(event, len(payload))
	return nil
}

func (c *Conn) emit(ev Event) {
	c.events.emit(ev)
}

func (c *Conn) closeDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

func closeTransport(tr Transport, code protocol.CloseCode, reason string) {
	if tr == nil {
		return
	}
	msg := websocket.FormatCloseMessage(int(code), truncateReason(reason))
	_ = tr.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = tr.Close()
}

// truncateReason cuts reason to at most maxCloseReason bytes without
// splitting a rune.
func truncateReason(reason string) string {
	if len(reason) <= maxCloseReason {
		return reason
	}
	n := maxCloseReason
	for n > 0 && !utf8.RuneStart(reason[n]) {
		n--
	}
	return reason[:n]
}

func errIf(cond bool, err error) error {
	if cond {
		return err
	}
	return nil
}
