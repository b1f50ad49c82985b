package gitsync

import (
	"errors"
	"fmt"
	"strings"
)

// ErrPushRejected is wrapped by VCS.Push when the remote refused a
// non-fast-forward update.
var ErrPushRejected = errors.New("push rejected: remote has diverged")

// ConflictError is returned when a pull leaves conflicts outside the
// coordination artifacts. The merge has been aborted by the time the
// caller sees it.
type ConflictError struct {
	Files []string // conflicted paths that could not be auto-resolved
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("unresolved merge conflict: conflicting files: %s", strings.Join(e.Files, ", "))
}

// PushExhaustedError is returned when a push was still rejected after
// the bounded number of pull-and-retry rounds.
type PushExhaustedError struct {
	Attempts int
	Err      error // last push error
}

func (e *PushExhaustedError) Error() string {
	return fmt.Sprintf("push failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *PushExhaustedError) Unwrap() error { return e.Err }
