// Package errors provides coded, actionable error messages for the
// cwclient command.
//
// Library packages return plain sentinel and typed errors. The CLI and the
// config loader convert them with FromError so the user sees a stable code,
// a short explanation and a hint.
//
// # Error Categories
//
//   - transport: dialing and the WebSocket upgrade
//   - handshake: subprotocol negotiation, client-hello/server-hello
//   - liveness: heartbeats and the close handshake
//   - framing: envelopes and game payloads
//   - config: cwclient.json and environment overrides
//   - cli: command usage and local resources
//
// # Usage
//
//	err := errors.New("C041").
//	    WithLocation("cwclient.json", 0).
//	    WithSuggestion("Set server_url or CW_SERVER_URL")
//
//	fmt.Println(err.Format())
//	// Output:
//	// ERROR C041: Missing server URL
//	//
//	//   cwclient.json
//	//
//	//   The client needs the WebSocket endpoint of the game server.
//	//
//	//   Hint: Set server_url or CW_SERVER_URL
package errors
