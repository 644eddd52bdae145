// Package failure defines the error taxonomy shared by the extraction engine.
// Every component wraps one of the sentinels below so callers can classify
// outcomes with errors.Is without string matching.
package failure

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"os"
	"syscall"
)

var (
	// ErrDependencyMissing marks a plugin that runs with a reduced field set.
	ErrDependencyMissing = errors.New("optional dependency missing")
	// ErrContractViolation marks malformed plugin output or registration.
	ErrContractViolation = errors.New("plugin contract violation")
	// ErrStreamIO marks an unreadable or truncated input file.
	ErrStreamIO = errors.New("stream i/o error")
	// ErrTimeout marks a task that exceeded its deadline.
	ErrTimeout = errors.New("task timed out")
	// ErrCancelled marks a task cancelled by its caller.
	ErrCancelled = errors.New("task cancelled")
	// ErrCacheCorruption marks a warm-tier entry that could not be decoded.
	ErrCacheCorruption = errors.New("cache entry corrupted")
)

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as retryable at the task level. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err may succeed on a fresh attempt: errors
// marked with Transient, I/O timeouts, resource-temporarily-unavailable and
// stream read failures carrying an OS error. A stream error for a missing,
// forbidden or non-regular path is permanent. Cancellation, contract
// violations and task deadlines are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) || errors.Is(err, ErrContractViolation) || errors.Is(err, ErrTimeout) {
		return false
	}
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	if errors.Is(err, ErrStreamIO) {
		return retryableStreamError(err)
	}
	return false
}

func retryableStreamError(err error) bool {
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return false
	}
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case syscall.EISDIR, syscall.ENOTDIR, syscall.ENAMETOOLONG, syscall.ELOOP, syscall.EINVAL:
		return false
	}
	return true
}

// KindOf maps err onto a stable identifier used in per-domain status maps.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrContractViolation):
		return "contract_violation"
	case errors.Is(err, ErrStreamIO):
		return "stream_io"
	case errors.Is(err, ErrCacheCorruption):
		return "cache_corruption"
	case errors.Is(err, ErrDependencyMissing):
		return "dependency_missing"
	case IsTransient(err):
		return "transient"
	default:
		return "error"
	}
}
