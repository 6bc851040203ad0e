// Package protocol implements the wire format of the Colonial Wars Data
// Transfer Protocol (CWDTP).
//
// CWDTP rides on a single WebSocket connection negotiated with the "cwdtp"
// subprotocol. Every unit on the wire is an envelope:
//
//	{ "event": string, "meta": { req_key?, res_key?, reason?, error?, cid? }, "data": [ ... ] }
//
// The envelope is serialized to JSON text and then to little-endian UTF-16
// code units (see package binconv) before it is written as a binary frame.
//
// # Binary values
//
// Values of type Binary inside data are replaced by a tagged object on the
// way out and reconstructed on the way in:
//
//	{ "binary": true, "type": "float32array", "contents": [0, 0, 128, 63] }
//
// The set of kinds is closed (see BinaryKind); decode switches over it
// exhaustively, so a reconstructed value always has the kind it was sent with.
//
// # Control events
//
// Event names starting with "cwdtp::" are reserved for the protocol itself
// and are never delivered to application handlers:
//
//	Client                               Server
//	  │──── cwdtp::client-hello {req_key} ──>│
//	  │<─── cwdtp::server-hello {res_key,cid}│
//	  │<─── cwdtp::ping ─────────────────────│
//	  │──── cwdtp::pong ────────────────────>│
//	  │──── cwdtp::close {reason,error} ────>│
//	  │<─── cwdtp::close-ack ────────────────│
//
// # Handshake
//
// The server proves it speaks CWDTP by answering the random request key with
// base64(hash(UTF16(req_key + Salt))). See ComputeResponseKey.
//
// # File Structure
//
//   - envelope.go: Envelope, Encode, Decode
//   - meta.go: metadata keys and validation
//   - binary.go: tagged binary values
//   - control.go: reserved event names and close codes
//   - handshake.go: request/response key derivation
//   - error.go: decode errors
package protocol
