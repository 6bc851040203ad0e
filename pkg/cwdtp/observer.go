package cwdtp

import (
	"time"

	"github.com/colonialwars/cwclient/pkg/protocol"
)

// Observer receives connection telemetry. Calls are made from the
// connection's goroutines and must not block.
type Observer interface {
	StateChanged(from, to State)
	FrameSent(event string, size int)
	FrameReceived(event string, size int)
	DecodeFailed(err error)
	HandshakeDone(d time.Duration, err error)
	Closed(code protocol.CloseCode, wasError bool)
}

type nopObserver struct{}

func (nopObserver) StateChanged(State, State)          {}
func (nopObserver) FrameSent(string, int)              {}
func (nopObserver) FrameReceived(string, int)          {}
func (nopObserver) DecodeFailed(error)                 {}
func (nopObserver) HandshakeDone(time.Duration, error) {}
func (nopObserver) Closed(protocol.CloseCode, bool)    {}
