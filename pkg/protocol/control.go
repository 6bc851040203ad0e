package protocol

import (
	"strconv"
	"strings"
)

// ReservedPrefix is the namespace of protocol control events.
const ReservedPrefix = "cwdtp::"

// Control event names.
const (
	EventClientHello = ReservedPrefix + "client-hello" // Client handshake request
	EventServerHello = ReservedPrefix + "server-hello" // Server handshake response
	EventPing        = ReservedPrefix + "ping"         // Server heartbeat
	EventPong        = ReservedPrefix + "pong"         // Client heartbeat reply
	EventClose       = ReservedPrefix + "close"        // Close initiation
	EventCloseAck    = ReservedPrefix + "close-ack"    // Close acknowledgement
)

// Application events exchanged above the protocol layer.
const (
	EventReady        = "ready"         // Client is ready for world data
	EventReadyAck     = "ready-ack"     // Initial world/map data
	EventUpdate       = "update"        // Authoritative per-tick snapshot
	EventClientAction = "client-action" // One input record per tick
)

// IsReserved reports whether event lives in the control namespace.
func IsReserved(event string) bool {
	return strings.HasPrefix(event, ReservedPrefix)
}

// ControlEvent returns the full reserved name for a control event such as
// "ping".
func ControlEvent(name string) string {
	if IsReserved(name) {
		return name
	}
	return ReservedPrefix + name
}

// CloseCode is the numeric code sent with a WebSocket close frame.
type CloseCode uint16

const (
	CloseNormal              CloseCode = 1000 // Normal closure
	CloseAbort               CloseCode = 4000 // Forced closure
	CloseInvalidSubprotocol  CloseCode = 4001 // Server did not negotiate cwdtp
	CloseHandshakeTimeout    CloseCode = 4002 // No server-hello in time
	ClosePingTimeout         CloseCode = 4003 // Missed heartbeat
	CloseHandshakeAckTimeout CloseCode = 4004 // No close-ack in time
	CloseHandshakeFailed     CloseCode = 4005 // Bad res_key or missing cid
)

// String returns the string representation of the close code.
func (c CloseCode) String() string {
	switch c {
	case CloseNormal:
		return "Normal"
	case CloseAbort:
		return "Abort"
	case CloseInvalidSubprotocol:
		return "InvalidSubprotocol"
	case CloseHandshakeTimeout:
		return "HandshakeTimeout"
	case ClosePingTimeout:
		return "PingTimeout"
	case CloseHandshakeAckTimeout:
		return "HandshakeAckTimeout"
	case CloseHandshakeFailed:
		return "HandshakeFailed"
	default:
		return "Code(" + strconv.Itoa(int(c)) + ")"
	}
}

// Reason returns the human-readable reason paired with the code.
func (c CloseCode) Reason() string {
	switch c {
	case CloseNormal:
		return "Normal closure"
	case CloseAbort:
		return "Connection aborted"
	case CloseInvalidSubprotocol:
		return "Invalid subprotocol"
	case CloseHandshakeTimeout:
		return "Handshake timed out"
	case ClosePingTimeout:
		return "Ping timed out"
	case CloseHandshakeAckTimeout:
		return "Close handshake timed out"
	case CloseHandshakeFailed:
		return "Handshake failed"
	default:
		return "Unknown close code"
	}
}

// IsError reports whether the code signals an abnormal closure.
func (c CloseCode) IsError() bool {
	return c != CloseNormal
}
