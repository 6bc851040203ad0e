package cwdtp

import (
	"errors"
	"fmt"

	"github.com/colonialwars/cwclient/pkg/protocol"
)

// Sentinel errors.
var (
	ErrNotConnected       = errors.New("cwdtp: not connected")
	ErrAlreadyConnected   = errors.New("cwdtp: connect already called")
	ErrReservedEvent      = errors.New("cwdtp: reserved event name")
	ErrInvalidSubprotocol = errors.New("cwdtp: invalid subprotocol")
	ErrHandshakeTimeout   = errors.New("cwdtp: handshake timeout")
	ErrHandshakeFailed    = errors.New("cwdtp: handshake failed")
	ErrPingTimeout        = errors.New("cwdtp: ping timeout")
	ErrCloseAckTimeout    = errors.New("cwdtp: close handshake timeout")
	ErrConnectionAborted  = errors.New("cwdtp: connection aborted")
	ErrTokenExpired       = errors.New("cwdtp: auth token expired")
	ErrInvalidConfig      = errors.New("cwdtp: invalid config")
)

// CloseError describes why a connection ended.
type CloseError struct {
	Code     protocol.CloseCode
	Reason   string
	WasError bool
	// Remote is true when the server initiated the close.
	Remote bool
	// Clean is true when the close handshake completed.
	Clean bool
}

// Error implements the error interface.
func (e *CloseError) Error() string {
	side := "local"
	if e.Remote {
		side = "remote"
	}
	reason := e.Reason
	if reason == "" {
		reason = e.Code.Reason()
	}
	return fmt.Sprintf("cwdtp: %s close %d (%s): %s", side, uint16(e.Code), e.Code, reason)
}

// Unwrap maps the close code to its sentinel error.
func (e *CloseError) Unwrap() error {
	switch e.Code {
	case protocol.CloseInvalidSubprotocol:
		return ErrInvalidSubprotocol
	case protocol.CloseHandshakeTimeout:
		return ErrHandshakeTimeout
	case protocol.CloseHandshakeFailed:
		return ErrHandshakeFailed
	case protocol.ClosePingTimeout:
		return ErrPingTimeout
	case protocol.CloseHandshakeAckTimeout:
		return ErrCloseAckTimeout
	case protocol.CloseAbort:
		return ErrConnectionAborted
	default:
		return nil
	}
}

func newCloseError(code protocol.CloseCode, reason string) *CloseError {
	if reason == "" {
		reason = code.Reason()
	}
	return &CloseError{Code: code, Reason: reason, WasError: code.IsError()}
}
