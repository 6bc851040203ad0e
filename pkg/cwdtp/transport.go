package cwdtp

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/colonialwars/cwclient/pkg/protocol"
)

// Transport is the duplex message stream a Conn owns. *websocket.Conn
// satisfies it.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetWriteDeadline(t time.Time) error
	Subprotocol() string
	Close() error
}

// Dialer opens a Transport to url.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Transport, error)
}

// WebSocketDialer dials with gorilla/websocket and requests the cwdtp
// subprotocol.
type WebSocketDialer struct {
	// Dialer is copied per dial. Nil means websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context, url string, header http.Header) (Transport, error) {
	base := websocket.DefaultDialer
	if d != nil && d.Dialer != nil {
		base = d.Dialer
	}
	wd := *base
	wd.Subprotocols = []string{protocol.Subprotocol}

	conn, resp, err := wd.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("cwdtp: dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("cwdtp: dial %s: %w", url, err)
	}
	return conn, nil
}

// dialHeader builds the upgrade request headers.
func dialHeader(cfg *Config) http.Header {
	h := cfg.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	if cfg.AuthToken != "" {
		h.Set("Authorization", "Bearer "+cfg.AuthToken)
	}
	return h
}

// checkToken rejects JWTs whose exp claim is in the past. Tokens that do
// not parse as JWTs are treated as opaque and left to the server.
func checkToken(token string, now time.Time) error {
	if token == "" {
		return nil
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if !exp.After(now) {
		return fmt.Errorf("%w at %s", ErrTokenExpired, exp.Time.UTC().Format(time.RFC3339))
	}
	return nil
}
