package license

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidState  = errors.New("invalid state")
	ErrQuotaExceeded = errors.New("quota exceeded")
	ErrTransient     = errors.New("storage unavailable")
	ErrConflict      = errors.New("conflict")
	ErrInvalidInput  = errors.New("invalid input")

	// ErrInputTooLong is an ErrInvalidInput for values wider than their column.
	ErrInputTooLong = fmt.Errorf("%w: too long", ErrInvalidInput)
)

// StoreError carries a taxonomy kind together with the driver error that caused it.
// errors.Is matches both.
type StoreError struct {
	Op   string
	Kind error
	Err  error
}

func (e *StoreError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *StoreError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Transient marks err as a retryable storage failure.
func Transient(op string, err error) error {
	return &StoreError{Op: op, Kind: ErrTransient, Err: err}
}

// IsTransient reports whether the caller should retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
