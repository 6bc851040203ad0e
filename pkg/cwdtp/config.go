package cwdtp

import (
	"fmt"
	"net/http"
	"time"

	"github.com/colonialwars/cwclient/pkg/secure"
)

// Config holds configuration for a single CWDTP connection.
type Config struct {
	// Timeouts

	// DialTimeout bounds the WebSocket dial including the HTTP upgrade.
	// Default: 10 seconds.
	DialTimeout time.Duration

	// HandshakeTimeout is the maximum time to wait for server-hello after
	// client-hello was sent.
	// Default: 10 seconds.
	HandshakeTimeout time.Duration

	// PingTimeout is the maximum time between two server pings while open.
	// The server pings every 25 seconds; the default leaves 5 seconds of grace.
	// Default: 30 seconds.
	PingTimeout time.Duration

	// CloseTimeout is the maximum time to wait for close-ack after sending
	// close. The transport is closed regardless when it elapses.
	// Default: 5 seconds.
	CloseTimeout time.Duration

	// WriteTimeout is the deadline applied to each frame write.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// Limits

	// MaxMessageSize is the maximum size of an incoming WebSocket message.
	// Default: 1MB.
	MaxMessageSize int64

	// Handshake

	// Hash is the algorithm used to derive the response key.
	// Default: SHA-256.
	Hash secure.Algorithm

	// Authentication

	// AuthToken is sent as a bearer token on the upgrade request. JWTs are
	// checked for expiry before dialing.
	AuthToken string

	// Header holds extra headers for the upgrade request.
	Header http.Header

	// Policy

	// AbortOnProtocolViolation force-closes the connection when the server
	// sends an envelope with an unrecognized metadata key. When false the
	// frame is dropped, an error event is emitted and the connection stays
	// open.
	// Default: false.
	AbortOnProtocolViolation bool
}

// DefaultConfig returns a Config with the protocol defaults.
func DefaultConfig() *Config {
	return &Config{
		DialTimeout:      10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		PingTimeout:      30 * time.Second,
		CloseTimeout:     5 * time.Second,
		WriteTimeout:     10 * time.Second,
		MaxMessageSize:   1 << 20, // 1MB
		Hash:             secure.SHA256,
	}
}

// Clone returns a copy of the Config.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Header = c.Header.Clone()
	return &clone
}

// Validate reports settings that defaults cannot repair: negative durations
// or sizes, and a hash algorithm package secure does not implement. Zero
// values are valid and mean the default.
func (c *Config) Validate() error {
	if c == nil {
		return nil
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"DialTimeout", c.DialTimeout},
		{"HandshakeTimeout", c.HandshakeTimeout},
		{"PingTimeout", c.PingTimeout},
		{"CloseTimeout", c.CloseTimeout},
		{"WriteTimeout", c.WriteTimeout},
	} {
		if d.value < 0 {
			return fmt.Errorf("%w: %s is negative (%s)", ErrInvalidConfig, d.name, d.value)
		}
	}
	if c.MaxMessageSize < 0 {
		return fmt.Errorf("%w: MaxMessageSize is negative (%d)", ErrInvalidConfig, c.MaxMessageSize)
	}
	if c.Hash != 0 {
		if _, err := secure.NewHasher(c.Hash); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}
	return nil
}

// withDefaults fills zero values from DefaultConfig.
func (c *Config) withDefaults() *Config {
	out := c.Clone()
	if out == nil {
		return DefaultConfig()
	}
	def := DefaultConfig()
	if out.DialTimeout <= 0 {
		out.DialTimeout = def.DialTimeout
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = def.HandshakeTimeout
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = def.PingTimeout
	}
	if out.CloseTimeout <= 0 {
		out.CloseTimeout = def.CloseTimeout
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = def.WriteTimeout
	}
	if out.MaxMessageSize <= 0 {
		out.MaxMessageSize = def.MaxMessageSize
	}
	if out.Hash == 0 {
		out.Hash = def.Hash
	}
	return out
}
