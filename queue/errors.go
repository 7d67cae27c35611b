package queue

import (
	"errors"
	"fmt"
	"io/fs"
	"syscall"
)

// ErrEmpty is returned by DequeueNext when no artifact is pending.
var ErrEmpty = errors.New("queue empty")

// Sentinel errors for filesystem failure classification.
// Use errors.Is(err, ErrXxx) for typed assertions.
var (
	// ErrPermissionDenied indicates a permission failure (EACCES, EPERM).
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotFound indicates the path vanished between scan and use.
	ErrNotFound = errors.New("not found")

	// ErrDiskFull indicates the flight filesystem is out of space (ENOSPC).
	ErrDiskFull = errors.New("no space left on device")

	// ErrCrossDevice indicates outbox and sent are on different volumes,
	// so the move to sent would not be atomic (EXDEV).
	ErrCrossDevice = errors.New("outbox and sent on different volumes")

	// ErrIO is the catch-all classification.
	ErrIO = errors.New("filesystem error")
)

// IOError wraps an underlying error with queue classification.
// It preserves the original error in the chain for inspection via errors.As.
type IOError struct {
	// Kind is the sentinel error for classification (e.g., ErrDiskFull).
	Kind error
	// Op is the operation that failed ("scan", "read", "move", "purge").
	Op string
	// Path is the filesystem path involved, if any.
	Path string
	// Err is the underlying error.
	Err error
}

func (e *IOError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("queue %s %s: %v: %v", e.Op, e.Path, e.Kind, e.Err)
	}
	return fmt.Sprintf("queue %s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As chain traversal.
func (e *IOError) Unwrap() error {
	return e.Err
}

// Is reports whether the error matches the target sentinel.
func (e *IOError) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

// wrapIOError classifies err and wraps it. Returns nil if err is nil.
func wrapIOError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &IOError{Kind: classifyError(err), Op: op, Path: path, Err: err}
}

// IsIOError reports whether err is a classified queue filesystem error.
func IsIOError(err error) bool {
	var ioErr *IOError
	return errors.As(err, &ioErr)
}

func classifyError(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return ErrNotFound
	case errors.Is(err, fs.ErrPermission):
		return ErrPermissionDenied
	case errors.Is(err, syscall.ENOSPC), errors.Is(err, syscall.EDQUOT):
		return ErrDiskFull
	case errors.Is(err, syscall.EXDEV):
		return ErrCrossDevice
	default:
		return ErrIO
	}
}
