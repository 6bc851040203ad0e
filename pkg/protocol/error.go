package protocol

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrIllegalMetaKey = errors.New("protocol: illegal metadata key")
	ErrMalformed      = errors.New("protocol: malformed envelope")
	ErrKindMismatch   = errors.New("protocol: binary kind mismatch")
	ErrEmptyEvent     = errors.New("protocol: empty event name")
)

// DecodeReason says which part of an inbound frame was unusable.
type DecodeReason uint8

const (
	ReasonPayload  DecodeReason = iota + 1 // Not decodable text or JSON
	ReasonEvent                            // event missing or not a string
	ReasonMeta                             // meta missing or not an object
	ReasonData                             // data missing or not an array
	ReasonBinary                           // bad binary tag
)

// String returns the string representation of the reason.
func (r DecodeReason) String() string {
	switch r {
	case ReasonPayload:
		return "Payload"
	case ReasonEvent:
		return "Event"
	case ReasonMeta:
		return "Meta"
	case ReasonData:
		return "Data"
	case ReasonBinary:
		return "Binary"
	default:
		return "Unknown"
	}
}

// DecodeError reports a garbled inbound frame. The connection drops the
// frame and stays open.
type DecodeError struct {
	Reason DecodeReason
	Detail string
	Err    error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	msg := "protocol: decode " + e.Reason.String()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns ErrMalformed so callers can match any decode failure.
func (e *DecodeError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrMalformed, e.Err}
	}
	return []error{ErrMalformed}
}

func decodeErr(reason DecodeReason, detail string, err error) *DecodeError {
	return &DecodeError{Reason: reason, Detail: detail, Err: err}
}

// MetaKeyError reports a metadata key outside the recognized set. This is a
// protocol violation rather than line noise.
type MetaKeyError struct {
	Key string
}

// Error implements the error interface.
func (e *MetaKeyError) Error() string {
	return fmt.Sprintf("protocol: illegal metadata key %q", e.Key)
}

// Unwrap returns ErrIllegalMetaKey.
func (e *MetaKeyError) Unwrap() error {
	return ErrIllegalMetaKey
}

// IsFatal reports whether err is a protocol violation as opposed to a
// recoverable garbled frame.
func IsFatal(err error) bool {
	return errors.Is(err, ErrIllegalMetaKey)
}
