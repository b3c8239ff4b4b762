package directory

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies directory failures.
type ErrorKind string

const (
	KindConnection ErrorKind = "connection"
	KindAuth       ErrorKind = "authentication"
	KindTimeout    ErrorKind = "timeout"
	KindOther      ErrorKind = "other"
)

// Sentinels for errors.Is checks against a classified *Error.
var (
	ErrConnection = errors.New("directory unreachable")
	ErrAuth       = errors.New("directory authentication failed")
	ErrTimeout    = errors.New("directory operation timed out")
)

// Error is a classified directory failure.
type Error struct {
	Kind      ErrorKind
	Operation string
	Err       error
}

func (e *Error) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("directory %s: %s: %v", e.Operation, e.Kind, e.Err)
	}
	return fmt.Sprintf("directory %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrConnection:
		return e.Kind == KindConnection
	case ErrAuth:
		return e.Kind == KindAuth
	case ErrTimeout:
		return e.Kind == KindTimeout
	}
	return false
}

// NewError wraps err with a kind. A nil err yields nil.
func NewError(kind ErrorKind, operation string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Operation: operation, Err: err}
}

// KindOf reports the kind of a directory error. Context deadline errors are
// reported as timeouts even when unclassified.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindOther
}
