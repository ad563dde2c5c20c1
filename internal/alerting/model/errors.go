package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotReady is returned when a component is used before its model or
	// runtime has been initialized. Callers may retry after initialization.
	ErrNotReady = errors.New("component not ready")
)

// RetryableError marks a transient failure of a backing store or remote runtime.
type RetryableError struct {
	Op  string
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("%s: %v (retryable)", e.Op, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err as a RetryableError. A nil err stays nil.
func Retryable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Op: op, Err: err}
}

// IsRetryable reports whether the caller may retry the failed operation.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotReady) {
		return true
	}
	var re *RetryableError
	return errors.As(err, &re)
}
