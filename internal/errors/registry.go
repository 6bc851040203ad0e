package errors

import "sort"

// ErrorTemplate is the static part of a ClientError, keyed by code.
type ErrorTemplate struct {
	Category   Category
	Message    string
	Detail     string
	Suggestion string
}

var registry = map[string]ErrorTemplate{
	// Transport and Handshake Errors (C001-C009)
	"C001": {
		Category:   CategoryTransport,
		Message:    "Connection failed",
		Detail:     "The WebSocket connection to the game server could not be established.",
		Suggestion: "Check that the server is running and that server_url is a ws:// or wss:// URL.",
	},
	"C002": {
		Category:   CategoryHandshake,
		Message:    "Invalid subprotocol",
		Detail:     "The server accepted the WebSocket upgrade without negotiating the cwdtp subprotocol.",
		Suggestion: "Point the client at a CWDTP endpoint, not a plain WebSocket server.",
	},
	"C003": {
		Category:   CategoryHandshake,
		Message:    "Handshake timeout",
		Detail:     "The server did not answer client-hello before handshake_timeout elapsed.",
		Suggestion: "Raise handshake_timeout or check server load.",
	},
	"C004": {
		Category:   CategoryHandshake,
		Message:    "Handshake failed",
		Detail:     "The server's response key did not match the request key, or server-hello carried no connection id.",
		Suggestion: "Make sure client and server use the same hash algorithm (CW_HASH).",
	},
	"C005": {
		Category:   CategoryHandshake,
		Message:    "Auth token expired",
		Detail:     "The configured JWT has an exp claim in the past, so the connection was not attempted.",
		Suggestion: "Obtain a fresh token and set CW_AUTH_TOKEN.",
	},

	// Liveness Errors (C010-C019)
	"C010": {
		Category:   CategoryLiveness,
		Message:    "Ping timeout",
		Detail:     "No ping arrived from the server within ping_timeout, so the connection was closed.",
		Suggestion: "Check network stability or raise ping_timeout above the server's ping interval.",
	},
	"C011": {
		Category: CategoryLiveness,
		Message:  "Close handshake timeout",
		Detail:   "The server did not acknowledge close before close_timeout elapsed. The transport was closed anyway.",
	},
	"C012": {
		Category: CategoryLiveness,
		Message:  "Connection aborted",
		Detail:   "The connection ended with an error close.",
	},

	// Framing Errors (C020-C039)
	"C020": {
		Category: CategoryFraming,
		Message:  "Illegal metadata key",
		Detail:   "The server sent an envelope whose meta object contains a key outside the protocol's fixed set.",
	},
	"C021": {
		Category: CategoryFraming,
		Message:  "Malformed envelope",
		Detail:   "A frame could not be decoded as a CWDTP envelope.",
	},
	"C022": {
		Category: CategoryFraming,
		Message:  "Malformed snapshot",
		Detail:   "A game update carried a snapshot with missing or invalid fields. It was not applied.",
	},

	// Configuration Errors (C040-C059)
	"C040": {
		Category:   CategoryConfig,
		Message:    "Invalid cwclient.json",
		Detail:     "The cwclient.json configuration file is malformed.",
		Suggestion: "Validate the file with a JSON linter.",
	},
	"C041": {
		Category: CategoryConfig,
		Message:  "Missing server URL",
		Detail:   "The client needs the WebSocket endpoint of the game server.",
	},
	"C042": {
		Category:   CategoryConfig,
		Message:    "Invalid server URL",
		Detail:     "The server URL must use the ws or wss scheme and include a host.",
		Suggestion: "Use a URL like ws://localhost:8080/ws.",
	},
	"C043": {
		Category:   CategoryConfig,
		Message:    "Unsupported hash algorithm",
		Detail:     "The handshake hash must be one of the supported algorithms.",
		Suggestion: "Use sha256, sha512, sha3-256 or blake2b-256.",
	},
	"C044": {
		Category: CategoryConfig,
		Message:  "Invalid timeout",
		Detail:   "Timeouts must be positive durations such as \"10s\" or \"500ms\".",
	},
	"C045": {
		Category: CategoryConfig,
		Message:  "Invalid replay settings",
		Detail:   "S3 replay upload needs a bucket name and a region.",
	},

	// CLI Errors (C060-C079)
	"C060": {
		Category: CategoryCLI,
		Message:  "Replay upload failed",
		Detail:   "The session journal could not be saved.",
	},
	"C061": {
		Category:   CategoryCLI,
		Message:    "Metrics server failed",
		Detail:     "The Prometheus metrics endpoint could not be started.",
		Suggestion: "Pick a free address with --metrics-addr.",
	},
	"C062": {
		Category: CategoryCLI,
		Message:  "Mock server failed",
		Detail:   "The local CWDTP server could not listen on the requested address.",
	},
}

// GetAllCodes lists every registered code in ascending order.
func GetAllCodes() []string {
	codes := make([]string, 0, len(registry))
	for code := range registry {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// GetTemplate returns the template for an error code.
func GetTemplate(code string) (ErrorTemplate, bool) {
	t, ok := registry[code]
	return t, ok
}

// Register adds or replaces the template for code.
func Register(code string, template ErrorTemplate) {
	registry[code] = template
}
