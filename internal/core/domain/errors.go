package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Each kind decides whether the dispatcher retries or halts.
var (
	ErrSchema    = errors.New("schema error")
	ErrMigration = errors.New("migration error")
	ErrCodec     = errors.New("codec error")
	ErrFFI       = errors.New("ffi error")
	ErrExecution = errors.New("execution error")
	ErrTransport = errors.New("transport error")

	// ErrEarlyExit is not a fault. Handler code asked to stop the indexer.
	ErrEarlyExit = errors.New("early exit")
)

// Error attaches a kind and the failing operation to an underlying error.
type Error struct {
	Kind error
	Op   string
	Err  error
}

// Errorf builds an *Error of the given kind.
func Errorf(kind error, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap builds an *Error of the given kind around err. Returns nil if err is nil.
func Wrap(kind error, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%v: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinel as well as anything in the wrapped chain.
func (e *Error) Is(target error) bool {
	return e.Kind == target
}

// ExitError carries the status code of an early exit.
type ExitError struct {
	Code int32
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("early exit with code %d", e.Code)
}

func (e *ExitError) Is(target error) bool {
	return target == ErrEarlyExit
}

// KindOf returns the kind sentinel of err, or nil when err carries none.
func KindOf(err error) error {
	for _, kind := range []error{
		ErrEarlyExit, ErrSchema, ErrMigration, ErrCodec, ErrFFI, ErrExecution, ErrTransport,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	return KindOf(err) == ErrTransport
}
