package cwdtp

// State is the connection lifecycle state.
type State uint8

const (
	StateIdle                State = iota // Connect not called yet
	StateConnecting                       // Transport dial in flight
	StateHandshakeInProgress              // client-hello sent, awaiting server-hello
	StateOpen                             // Application traffic flows
	StateClosing                          // close sent, awaiting close-ack
	StateClosed                           // Terminal
	StateAborted                          // Terminal, never reached Open
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StateHandshakeInProgress:
		return "HandshakeInProgress"
	case StateOpen:
		return "Open"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	case StateAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// IsTerminal reports whether s is Closed or Aborted.
func (s State) IsTerminal() bool {
	return s == StateClosed || s == StateAborted
}

func (s State) beforeOpen() bool {
	return s == StateConnecting || s == StateHandshakeInProgress
}
