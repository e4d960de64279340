package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a requested primary row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is the single category every storage failure surfaced by
	// hydration is folded into, whether the driver reported a constraint
	// violation or something else.
	ErrConflict = errors.New("storage conflict")
	// ErrInvalidRequest is returned for option values outside the documented
	// option space. It is always raised before any query runs.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrUnavailable indicates the backing store cannot serve requests.
	ErrUnavailable = errors.New("storage unavailable")
	// ErrTxClosed is returned when a committed or rolled back Tx is reused.
	ErrTxClosed = errors.New("transaction already closed")
)

// InvalidRequest formats an ErrInvalidRequest.
func InvalidRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// NotFound formats an ErrNotFound.
func NotFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Conflict folds err into ErrConflict. Errors already in that category are
// returned unchanged so nested callers do not wrap twice.
func Conflict(err error) error {
	if err == nil || errors.Is(err, ErrConflict) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrConflict, err)
}
