package settings

import (
	"errors"
	"fmt"
)

// ErrInvalidConfiguration matches every *ConfigurationError via errors.Is.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// ConfigurationError reports an invalid settings field.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrInvalidConfiguration
}

func fieldError(field string, format string, args ...any) error {
	return &ConfigurationError{Field: field, Err: fmt.Errorf(format, args...)}
}

func wrapField(field string, err error) error {
	if err == nil {
		return nil
	}
	return &ConfigurationError{Field: field, Err: err}
}

func joinConfigErrors(errs ...error) error {
	return errors.Join(errs...)
}

// FieldErrors flattens err into the individual configuration errors it holds.
func FieldErrors(err error) []*ConfigurationError {
	if err == nil {
		return nil
	}

	var out []*ConfigurationError
	var walk func(error)
	walk = func(e error) {
		if ce, ok := e.(*ConfigurationError); ok {
			out = append(out, ce)
			return
		}
		if joined, ok := e.(interface{ Unwrap() []error }); ok {
			for _, inner := range joined.Unwrap() {
				walk(inner)
			}
			return
		}
		if inner := errors.Unwrap(e); inner != nil {
			walk(inner)
		}
	}
	walk(err)
	return out
}
