package attachment

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateTarget matches any *DuplicateTargetError.
	ErrDuplicateTarget = errors.New("duplicate target")

	// ErrInvalidTransition matches any *InvalidTransitionError.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrTaskNotFound is returned by queue controls for unknown task ids.
	ErrTaskNotFound = errors.New("task not found")

	// ErrStaleEvent marks a backend event whose correlation id no longer
	// matches a live attempt. It is counted and logged, never returned.
	ErrStaleEvent = errors.New("stale event ignored")
)

// DuplicateTargetError is returned by Enqueue when a live task already exists
// for the same HashOrURL. Callers attach to Existing instead.
type DuplicateTargetError struct {
	HashOrURL string
	Existing  TaskHandle
}

func (e *DuplicateTargetError) Error() string {
	return fmt.Sprintf("target %s already has live task %s", e.HashOrURL, e.Existing.TaskID)
}

func (e *DuplicateTargetError) Is(target error) bool {
	return target == ErrDuplicateTarget
}

// InvalidTransitionError is returned when an operation is illegal for the
// task's current state. The task is left untouched.
type InvalidTransitionError struct {
	Op   string
	From State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s a task in state %s", e.Op, e.From)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// TransferFailedError is the terminal failure of one attempt as reported by
// the backend (or the stall watchdog).
type TransferFailedError struct {
	Reason string
	Err    error
}

func (e *TransferFailedError) Error() string {
	if e.Reason == "" {
		return "transfer failed"
	}

	return "transfer failed: " + e.Reason
}

func (e *TransferFailedError) Unwrap() error {
	return e.Err
}
