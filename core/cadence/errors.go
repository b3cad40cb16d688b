package cadence

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRunning means a non-terminal instance already exists for the (card, template) pair.
	ErrAlreadyRunning = errors.New("cadence already running")
	// ErrNotFound is returned for unknown instances, items, templates or steps.
	ErrNotFound = errors.New("not found")
	// ErrClaimLost means the caller no longer owns the queue item it tried to settle.
	ErrClaimLost = errors.New("queue item claim lost")
	// ErrInvalidTransition rejects state changes the instance state machine does not allow.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrConflict is returned when optimistic transactions keep losing races.
	ErrConflict = errors.New("concurrent modification")
)

// AlreadyRunningError carries the id of the instance holding the slot.
type AlreadyRunningError struct {
	InstanceID string
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("%s: instance %s", ErrAlreadyRunning, e.InstanceID)
}

func (e *AlreadyRunningError) Is(target error) bool {
	return target == ErrAlreadyRunning
}

// RunningInstanceID extracts the conflicting instance id from an ErrAlreadyRunning error.
func RunningInstanceID(err error) string {
	var are *AlreadyRunningError
	if errors.As(err, &are) {
		return are.InstanceID
	}
	return ""
}

// TransientError marks a step failure that should be retried with backoff.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a step failure that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. Nil stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	var te *TransientError
	if errors.As(err, &te) {
		return err
	}
	return &TransientError{Err: err}
}

// Permanent wraps err as non-retryable. Nil stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	var pe *PermanentError
	if errors.As(err, &pe) {
		return err
	}
	return &PermanentError{Err: err}
}

// Permanentf formats a permanent error.
func Permanentf(format string, args ...any) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

// IsPermanent reports whether err was classified permanent. Unclassified errors are transient.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var pe *PermanentError
	return errors.As(err, &pe)
}
