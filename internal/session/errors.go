package session

import (
	"errors"
	"fmt"

	"github.com/audiolibrelab/memocapture/internal/capture"
	"github.com/audiolibrelab/memocapture/internal/encoding"
)

// ErrorKind classifies failures surfaced through LastError and OnError.
type ErrorKind string

const (
	KindPermissionDenied  ErrorKind = "permission_denied"
	KindDeviceUnavailable ErrorKind = "device_unavailable"
	KindUnsupportedFormat ErrorKind = "unsupported_format"
	KindEncodingFailure   ErrorKind = "encoding_failure"
)

// Usage errors. These are returned to the caller and never stored as the
// session's last error.
var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrBusy              = errors.New("session is starting")
	ErrClosed            = errors.New("engine closed")
	ErrNoArtifact        = errors.New("no artifact available")
	ErrNoPlayer          = errors.New("playback not available")
)

// Error is a capture or encoding failure attached to a session.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: k}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

// Message is the short text shown to users
func (e *Error) Message() string {
	switch e.Kind {
	case KindPermissionDenied:
		return "Microphone access was denied"
	case KindDeviceUnavailable:
		return "No usable capture device"
	case KindUnsupportedFormat:
		return "No supported recording format"
	case KindEncodingFailure:
		return "Recording could not be encoded"
	}
	return string(e.Kind)
}

// Kind sentinels for errors.Is
var (
	ErrPermissionDenied  = &Error{Kind: KindPermissionDenied}
	ErrDeviceUnavailable = &Error{Kind: KindDeviceUnavailable}
	ErrUnsupportedFormat = &Error{Kind: KindUnsupportedFormat}
	ErrEncodingFailure   = &Error{Kind: KindEncodingFailure}
)

// classify maps a lower layer error onto a kind. Unknown acquisition
// failures count as an unavailable device; unknown mid-take failures count
// as encoding failures.
func classify(op string, err error, fallback ErrorKind) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}

	kind := fallback
	switch {
	case errors.Is(err, capture.ErrPermissionDenied):
		kind = KindPermissionDenied
	case errors.Is(err, capture.ErrDeviceUnavailable):
		kind = KindDeviceUnavailable
	case errors.Is(err, capture.ErrUnsupportedFormat):
		kind = KindUnsupportedFormat
	case errors.Is(err, encoding.ErrEncoding):
		kind = KindEncodingFailure
	}
	return &Error{Kind: kind, Op: op, Err: err}
}
