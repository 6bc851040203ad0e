// Package cwdtptest provides an in-process CWDTP server for tests and local
// play.
//
// The server answers the handshake, pings on an interval, acknowledges close
// requests and hands every accepted connection to the test as a *Peer that
// can push envelopes or raw frames and observe what the client sent. Each
// misbehavior the client must survive is a field on Options.
//
// Example:
//
//	srv := cwdtptest.NewServer(cwdtptest.Options{})
//	defer srv.Close()
//
//	conn := cwdtp.New(nil)
//	_ = conn.Connect(ctx, srv.URL)
//	peer, _ := srv.Accept(time.Second)
//	peer.Send("update", nil, snapshot)
package cwdtptest

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/colonialwars/cwclient/pkg/protocol"
	"github.com/colonialwars/cwclient/pkg/secure"
)

// Path is the WebSocket endpoint mounted by Handler.
const Path = "/ws"

// ErrTimeout is returned when Accept or Expect waits too long.
var ErrTimeout = errors.New("cwdtptest: timeout")

// Options controls server behavior.
type Options struct {
	// PingInterval is the time between pings after the handshake. Zero
	// disables pings.
	PingInterval time.Duration

	// NoSubprotocol makes the upgrade skip subprotocol negotiation.
	NoSubprotocol bool

	// SkipServerHello leaves client-hello unanswered.
	SkipServerHello bool

	// WrongResponseKey answers client-hello with a bad res_key.
	WrongResponseKey bool

	// OmitConnID leaves cid out of server-hello.
	OmitConnID bool

	// NoCloseAck leaves close unanswered.
	NoCloseAck bool

	// Game, when set, runs a small authoritative simulation per peer.
	Game *GameOptions

	// Hasher derives response keys. Nil means SHA-256.
	Hasher secure.Hasher

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Server is a running mock server.
type Server struct {
	// URL is the ws:// address of the endpoint.
	URL string

	httpSrv *httptest.Server
	handler *Handler
}

// NewServer starts a server on a loopback port.
func NewServer(opts Options) *Server {
	h := NewHandler(opts)
	hs := httptest.NewServer(h)
	return &Server{
		URL:     "ws" + strings.TrimPrefix(hs.URL, "http") + Path,
		httpSrv: hs,
		handler: h,
	}
}

// Accept returns the next upgraded connection.
func (s *Server) Accept(timeout time.Duration) (*Peer, error) {
	return s.handler.Accept(timeout)
}

// Close closes every peer and stops the server.
func (s *Server) Close() {
	s.handler.CloseAll()
	s.httpSrv.Close()
}

// Handler serves the CWDTP endpoint. It is an http.Handler so it can be
// mounted in a standalone process.
type Handler struct {
	opts     Options
	logger   *slog.Logger
	upgrader websocket.Upgrader
	router   chi.Router

	accepted chan *Peer

	mu    sync.Mutex
	peers map[string]*Peer
}

// NewHandler returns a handler with the endpoint mounted at Path and a
// health check at /healthz.
func NewHandler(opts Options) *Handler {
	if opts.Hasher == nil {
		opts.Hasher = secure.DefaultHasher()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		opts:     opts,
		logger:   logger,
		accepted: make(chan *Peer, 64),
		peers:    make(map[string]*Peer),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	if !opts.NoSubprotocol {
		h.upgrader.Subprotocols = []string{protocol.Subprotocol}
	}

	r := chi.NewRouter()
	r.Get(Path, h.serveWS)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	h.router = r
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// Accept returns the next upgraded connection.
func (h *Handler) Accept(timeout time.Duration) (*Peer, error) {
	select {
	case p := <-h.accepted:
		return p, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("%w: no connection accepted", ErrTimeout)
	}
}

// Peers returns the number of live connections.
func (h *Handler) Peers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// CloseAll drops every connection.
func (h *Handler) CloseAll() {
	h.mu.Lock()
	peers := make([]*Peer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()
	for _, p := range peers {
		p.Close()
	}
}

func (h *Handler) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("upgrade failed", "error", err)
		return
	}

	p := newPeer(uuid.NewString(), conn, r.Header.Clone(), h.logger)
	h.mu.Lock()
	h.peers[p.ID] = p
	h.mu.Unlock()

	select {
	case h.accepted <- p:
	default:
		h.logger.Warn("accept queue full", "peer", p.ID)
	}

	h.logger.Debug("peer connected", "peer", p.ID)
	h.readLoop(p)

	h.mu.Lock()
	delete(h.peers, p.ID)
	h.mu.Unlock()
	h.logger.Debug("peer disconnected", "peer", p.ID)
}

func (h *Handler) readLoop(p *Peer) {
	defer p.Close()

	var game *gameSession
	for {
		mt, msg, err := p.conn.ReadMessage()
		if err != nil {
			return
		}

		var env *protocol.Envelope
		if mt == websocket.TextMessage {
			env, err = protocol.DecodeText(string(msg))
		} else {
			env, err = protocol.Decode(msg)
		}
		if err != nil {
			h.logger.Warn("frame decode error", "peer", p.ID, "error", err)
			continue
		}
		p.record(env)

		switch env.Event {
		case protocol.EventClientHello:
			h.answerHello(p, env)
		case protocol.EventPong:
			p.pongs.Add(1)
		case protocol.EventClose:
			if !h.opts.NoCloseAck {
				if err := p.Send(protocol.EventCloseAck, nil); err != nil {
					h.logger.Debug("close-ack write failed", "error", err)
				}
			}
		case protocol.EventReady:
			if h.opts.Game != nil && game == nil {
				game = newGameSession(p, *h.opts.Game, h.logger)
				go game.run()
			}
		case protocol.EventClientAction:
			if game != nil {
				game.handleAction(env)
			}
		}
	}
}

func (h *Handler) answerHello(p *Peer, env *protocol.Envelope) {
	if h.opts.SkipServerHello {
		return
	}
	res := protocol.ComputeResponseKey(env.Meta.ReqKey(), h.opts.Hasher)
	if h.opts.WrongResponseKey {
		res = protocol.ComputeResponseKey(env.Meta.ReqKey()+"x", h.opts.Hasher)
	}
	meta := protocol.Meta{protocol.MetaResKey: res}
	if !h.opts.OmitConnID {
		meta[protocol.MetaConnID] = p.ID
	}
	if err := p.Send(protocol.EventServerHello, meta); err != nil {
		h.logger.Warn("server-hello write failed", "error", err)
		return
	}
	if h.opts.PingInterval > 0 {
		go p.pingLoop(h.opts.PingInterval)
	}
}

// Peer is one accepted client connection.
type Peer struct {
	// ID is the cid sent in server-hello.
	ID string

	// Header holds the upgrade request headers.
	Header http.Header

	conn    *websocket.Conn
	logger  *slog.Logger
	writeMu sync.Mutex

	received chan *protocol.Envelope
	pongs    atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

func newPeer(id string, conn *websocket.Conn, header http.Header, logger *slog.Logger) *Peer {
	return &Peer{
		ID:       id,
		Header:   header,
		conn:     conn,
		logger:   logger.With("peer", id),
		received: make(chan *protocol.Envelope, 256),
		done:     make(chan struct{}),
	}
}

func (p *Peer) record(env *protocol.Envelope) {
	select {
	case p.received <- env:
	default:
		p.logger.Debug("receive buffer full, dropping", "event", env.Event)
	}
}

// Send writes an envelope as a binary frame.
func (p *Peer) Send(event string, meta protocol.Meta, data ...any) error {
	payload, err := protocol.Encode(event, meta, data...)
	if err != nil {
		return err
	}
	return p.SendRaw(websocket.BinaryMessage, payload)
}

// SendText writes text as a text frame, unchecked.
func (p *Peer) SendText(text string) error {
	return p.SendRaw(websocket.TextMessage, []byte(text))
}

// SendRaw writes one frame of type mt.
func (p *Peer) SendRaw(mt int, data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return p.conn.WriteMessage(mt, data)
}

// Next returns the next envelope the client sent.
func (p *Peer) Next(timeout time.Duration) (*protocol.Envelope, error) {
	select {
	case env := <-p.received:
		return env, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("%w: no envelope received", ErrTimeout)
	}
}

// Expect skips envelopes until one named event arrives.
func (p *Peer) Expect(event string, timeout time.Duration) (*protocol.Envelope, error) {
	deadline := time.Now().Add(timeout)
	for {
		left := time.Until(deadline)
		if left <= 0 {
			return nil, fmt.Errorf("%w: waiting for %s", ErrTimeout, event)
		}
		env, err := p.Next(left)
		if err != nil {
			return nil, fmt.Errorf("%w: waiting for %s", ErrTimeout, event)
		}
		if env.Event == event {
			return env, nil
		}
	}
}

// Pongs returns the number of pongs received.
func (p *Peer) Pongs() int64 {
	return p.pongs.Load()
}

// Ping sends one ping.
func (p *Peer) Ping() error {
	return p.Send(protocol.EventPing, nil)
}

// Close drops the connection without a close handshake.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

// Done is closed when the connection ends.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

func (p *Peer) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := p.Ping(); err != nil {
				return
			}
		case <-p.done:
			return
		}
	}
}
