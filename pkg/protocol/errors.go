package protocol

import (
	"fmt"
	"time"
)

// CorruptDocumentError is returned when the shared document exists but
// cannot be parsed. It is fatal to the calling operation; the store never
// replaces a corrupt document with fabricated state.
type CorruptDocumentError struct {
	Path string
	Err  error
}

func (e *CorruptDocumentError) Error() string {
	return fmt.Sprintf("corrupt shared document %s: %v", e.Path, e.Err)
}

func (e *CorruptDocumentError) Unwrap() error { return e.Err }

// TaskNotFoundError represents a task lookup failure.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task %s not found", e.TaskID)
}

// TaskAlreadyAssignedError is returned when a task is owned by a
// different agent. The task queue treats it as an expected claim race.
type TaskAlreadyAssignedError struct {
	TaskID string
	Owner  string
}

func (e *TaskAlreadyAssignedError) Error() string {
	return fmt.Sprintf("task %s already assigned to %s", e.TaskID, e.Owner)
}

// LockTimeoutError is returned when a lock could not be acquired before
// its deadline. Owner is the holder last observed, if any.
type LockTimeoutError struct {
	Resource string
	Owner    string
	Timeout  time.Duration
}

func (e *LockTimeoutError) Error() string {
	if e.Owner == "" {
		return fmt.Sprintf("failed to acquire lock for %s after %s", e.Resource, e.Timeout)
	}
	return fmt.Sprintf("failed to acquire lock for %s after %s: held by %s", e.Resource, e.Timeout, e.Owner)
}
