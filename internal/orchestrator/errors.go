package orchestrator

import (
	"errors"
	"fmt"
)

// Sentinel errors for the polling contract. Unknown ids reuse
// task.ErrNotFound from the store.
var (
	// ErrNotReady is returned for results or artifacts requested before the
	// task has left the running state.
	ErrNotReady = errors.New("task not ready")

	// ErrNoResult is returned for a failed task that produced no result
	// record (it failed before any partial results existed).
	ErrNoResult = errors.New("no result recorded for task")
)

// ValidationError rejects a malformed submission synchronously, before any
// task record is created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func validationErrorf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
