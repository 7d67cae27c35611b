package dispatch

import (
	"errors"
	"fmt"
)

// HandlerErrorKind classifies mission handler failures.
type HandlerErrorKind int

const (
	// KindInternal is an unclassified failure.
	KindInternal HandlerErrorKind = iota
	// KindInvalidArgs indicates malformed command arguments.
	KindInvalidArgs
	// KindDevice indicates a camera, receiver, or other peripheral failure.
	KindDevice
	// KindIO indicates a filesystem failure.
	KindIO
	// KindTimeout indicates the handler or a subprocess ran out of time.
	KindTimeout
	// KindPanic indicates the handler panicked.
	KindPanic
)

func (k HandlerErrorKind) String() string {
	switch k {
	case KindInternal:
		return "internal"
	case KindInvalidArgs:
		return "invalid_args"
	case KindDevice:
		return "device"
	case KindIO:
		return "io"
	case KindTimeout:
		return "timeout"
	case KindPanic:
		return "panic"
	default:
		return fmt.Sprintf("kind_%d", int(k))
	}
}

// HandlerError is the typed result of a failed mission handler.
type HandlerError struct {
	// Kind classifies the failure.
	Kind HandlerErrorKind
	// Op names the step that failed (e.g. "capture", "compress").
	Op string
	// Err is the underlying error.
	Err error
}

func (e *HandlerError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// Fail wraps err as a HandlerError. Returns nil if err is nil.
func Fail(kind HandlerErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &HandlerError{Kind: kind, Op: op, Err: err}
}

// KindOf returns the classification of err. Errors that are not
// HandlerErrors are KindInternal.
func KindOf(err error) HandlerErrorKind {
	var hErr *HandlerError
	if errors.As(err, &hErr) {
		return hErr.Kind
	}
	return KindInternal
}

// IsKind reports whether err is a HandlerError of the given kind.
func IsKind(err error, kind HandlerErrorKind) bool {
	var hErr *HandlerError
	return errors.As(err, &hErr) && hErr.Kind == kind
}
