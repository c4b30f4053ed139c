// Package sieve holds the types shared by the Sieve runtime packages: execution
// status codes, the runtime error type, the parsed message handed to a script
// and the capability surface actions use to reach the outside world.
package sieve

import (
	"errors"
	"fmt"
)

// Status is the outcome of an instruction or of an action lifecycle call.
type Status int

const (
	StatusOk Status = iota
	StatusFailure
	StatusTempFailure
	StatusBinaryCorrupt
	StatusResourceLimit
	StatusKeepFailed
)

func (s Status) String() string {
	switch s {
	case StatusOk:
		return "ok"
	case StatusFailure:
		return "failure"
	case StatusTempFailure:
		return "temporary failure"
	case StatusBinaryCorrupt:
		return "binary corrupt"
	case StatusResourceLimit:
		return "resource limit"
	case StatusKeepFailed:
		return "keep failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Fatal reports whether the status aborts the execution for good. Re-running
// the same program against the same message yields the same outcome.
func (s Status) Fatal() bool {
	return s == StatusBinaryCorrupt || s == StatusResourceLimit
}

// Label is a short metrics-friendly form of the status.
func (s Status) Label() string {
	switch s {
	case StatusOk:
		return "ok"
	case StatusFailure:
		return "failure"
	case StatusTempFailure:
		return "tempfail"
	case StatusBinaryCorrupt:
		return "corrupt"
	case StatusResourceLimit:
		return "resource_limit"
	case StatusKeepFailed:
		return "keep_failed"
	default:
		return "unknown"
	}
}

// Error carries a Status together with the underlying cause.
type Error struct {
	Status Status
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Status.String()
	}
	return fmt.Sprintf("%s: %v", e.Status, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the status sentinels below, so errors.Is(err, ErrBinaryCorrupt)
// holds for every error carrying that status.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Err != nil {
		return false
	}
	return t.Status == e.Status
}

var (
	ErrFailure       = &Error{Status: StatusFailure}
	ErrTempFailure   = &Error{Status: StatusTempFailure}
	ErrBinaryCorrupt = &Error{Status: StatusBinaryCorrupt}
	ErrResourceLimit = &Error{Status: StatusResourceLimit}
	ErrKeepFailed    = &Error{Status: StatusKeepFailed}
)

// Errorf builds an *Error with a formatted cause. %w is honored.
func Errorf(status Status, format string, args ...any) error {
	return &Error{Status: status, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches status to err. A nil err stays nil.
func Wrap(status Status, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Status: status, Err: err}
}

// StatusOf extracts the status from err. Errors that carry no status are
// treated as permanent failures.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOk
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Status
	}
	return StatusFailure
}

// WithDefault attaches status to err unless err already carries a status.
func WithDefault(status Status, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Status: status, Err: err}
}
