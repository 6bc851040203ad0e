package errors

import (
	stderrors "errors"
	"fmt"

	"github.com/colonialwars/cwclient/pkg/cwdtp"
	"github.com/colonialwars/cwclient/pkg/predict"
	"github.com/colonialwars/cwclient/pkg/protocol"
)

// Category groups codes by the layer that failed.
type Category string

const (
	CategoryTransport Category = "transport"
	CategoryHandshake Category = "handshake"
	CategoryLiveness  Category = "liveness"
	CategoryFraming   Category = "framing"
	CategoryConfig    Category = "config"
	CategoryCLI       Category = "cli"
)

// Location points at the file an error came from.
type Location struct {
	File string
	Line int
}

// String renders file:line, or just the file when Line is unknown.
func (l *Location) String() string {
	if l == nil {
		return ""
	}
	if l.Line > 0 {
		return fmt.Sprintf("%s:%d", l.File, l.Line)
	}
	return l.File
}

// ClientError is a coded error with an explanation and a fix suggestion.
type ClientError struct {
	// Code is a unique error identifier (e.g., "C001").
	Code string

	// Category is the error type.
	Category Category

	// Message is the one-line summary from the registry.
	Message string

	// Detail explains the failure in a sentence or two.
	Detail string

	// Location is the file the error relates to, if any.
	Location *Location

	// Suggestion tells the user what to change.
	Suggestion string

	// Wrapped is the cause.
	Wrapped error
}

func (e *ClientError) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Wrapped != nil {
		msg += ": " + e.Wrapped.Error()
	}
	return msg
}

// Unwrap exposes the cause to errors.Is and errors.As.
func (e *ClientError) Unwrap() error {
	return e.Wrapped
}

// WithLocation records the file and line. A zero line means the whole file.
func (e *ClientError) WithLocation(file string, line int) *ClientError {
	e.Location = &Location{File: file, Line: line}
	return e
}

// WithSuggestion replaces the registry hint.
func (e *ClientError) WithSuggestion(s string) *ClientError {
	e.Suggestion = s
	return e
}

// WithDetail replaces the registered explanation.
func (e *ClientError) WithDetail(d string) *ClientError {
	e.Detail = d
	return e
}

// Wrap records err as the cause.
func (e *ClientError) Wrap(err error) *ClientError {
	e.Wrapped = err
	return e
}

// New creates a ClientError from a registered error code.
func New(code string) *ClientError {
	template, ok := registry[code]
	if !ok {
		return &ClientError{
			Code:    code,
			Message: "Unknown error",
		}
	}
	return &ClientError{
		Code:       code,
		Category:   template.Category,
		Message:    template.Message,
		Detail:     template.Detail,
		Suggestion: template.Suggestion,
	}
}

// Newf creates a new ClientError with a formatted message (no code).
func Newf(category Category, format string, args ...any) *ClientError {
	return &ClientError{
		Category: category,
		Message:  fmt.Sprintf(format, args...),
	}
}

// FromError wraps err in a ClientError. Known library errors get their own
// code; anything else gets fallback.
func FromError(err error, fallback string) *ClientError {
	if err == nil {
		return nil
	}
	var ce *ClientError
	if stderrors.As(err, &ce) {
		return ce
	}
	return New(codeFor(err, fallback)).Wrap(err)
}

// Is reports whether err carries code.
func Is(err error, code string) bool {
	var ce *ClientError
	return stderrors.As(err, &ce) && ce.Code == code
}

func codeFor(err error, fallback string) string {
	var snapErr *predict.SnapshotError
	switch {
	case stderrors.Is(err, cwdtp.ErrTokenExpired):
		return "C005"
	case stderrors.Is(err, cwdtp.ErrInvalidSubprotocol):
		return "C002"
	case stderrors.Is(err, cwdtp.ErrHandshakeTimeout):
		return "C003"
	case stderrors.Is(err, cwdtp.ErrHandshakeFailed):
		return "C004"
	case stderrors.Is(err, cwdtp.ErrPingTimeout):
		return "C010"
	case stderrors.Is(err, cwdtp.ErrCloseAckTimeout):
		return "C011"
	case stderrors.Is(err, protocol.ErrIllegalMetaKey):
		return "C020"
	case stderrors.Is(err, protocol.ErrMalformed):
		return "C021"
	case stderrors.As(err, &snapErr):
		return "C022"
	case stderrors.Is(err, cwdtp.ErrConnectionAborted):
		return "C012"
	default:
		return fallback
	}
}
