package cwdtp

import (
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/colonialwars/cwclient/pkg/protocol"
)

// Lifecycle event names. They are emitted locally and never sent.
const (
	EventConnect           = "connect"
	EventDisconnect        = "disconnect"
	EventError             = "error"
	EventPingTimeout       = "pingTimeout"
	EventAbortingHandshake = "abortingHandshake"
)

// IsLifecycle reports whether name is a lifecycle event.
func IsLifecycle(name string) bool {
	switch name {
	case EventConnect, EventDisconnect, EventError, EventPingTimeout, EventAbortingHandshake:
		return true
	}
	return false
}

// Event is delivered to handlers. Application events carry Args; lifecycle
// events carry Err and/or Close.
type Event struct {
	Name string

	// Args holds the envelope data of an application event.
	Args []any

	// ID is the connection identity on connect.
	ID string

	// Err is set on error events.
	Err error

	// Close is set on disconnect, pingTimeout and abortingHandshake.
	Close *CloseError
}

// Arg returns Args[i], or nil when i is out of range.
func (e Event) Arg(i int) any {
	if i < 0 || i >= len(e.Args) {
		return nil
	}
	return e.Args[i]
}

// Handler handles one event.
type Handler func(Event)

// ListenerID identifies a registered handler for Off.
type ListenerID uint64

type listener struct {
	id ListenerID
	h  Handler
}

// emitter is a registry of handlers keyed by event name.
type emitter struct {
	mu        sync.RWMutex
	next      ListenerID
	listeners map[string][]listener
	logger    *slog.Logger
}

func newEmitter(logger *slog.Logger) *emitter {
	return &emitter{
		listeners: make(map[string][]listener),
		logger:    logger,
	}
}

func (e *emitter) on(name string, h Handler) ListenerID {
	if h == nil || protocol.IsReserved(name) {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.next++
	e.listeners[name] = append(e.listeners[name], listener{id: e.next, h: h})
	return e.next
}

func (e *emitter) off(name string, id ListenerID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	ls := e.listeners[name]
	for i, l := range ls {
		if l.id == id {
			ls = append(ls[:i:i], ls[i+1:]...)
			if len(ls) == 0 {
				delete(e.listeners, name)
			} else {
				e.listeners[name] = ls
			}
			return true
		}
	}
	return false
}

func (e *emitter) count(name string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners[name])
}

// emit calls every handler for ev.Name in registration order. Must be
// called without the connection lock held.
func (e *emitter) emit(ev Event) {
	e.mu.RLock()
	ls := append([]listener(nil), e.listeners[ev.Name]...)
	e.mu.RUnlock()

	for _, l := range ls {
		e.safeCall(l.h, ev)
	}
}

func (e *emitter) safeCall(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("handler panic",
				"panic", r,
				"event", ev.Name,
				"stack", string(debug.Stack()))
		}
	}()
	h(ev)
}
