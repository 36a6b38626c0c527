package utils

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across subsystems. Callers match them with errors.Is
// and wrap them with context at the point of failure.
var (
	// ErrNotFound reports an unknown alert, pattern, or record id.
	ErrNotFound = errors.New("not found")
	// ErrRepairNotAllowed reports a fix type outside the configured allow list.
	ErrRepairNotAllowed = errors.New("repair not allowed")
	// ErrRepairVerificationFailed reports a repair whose post-fix health check
	// did not pass and whose rollback plan was executed.
	ErrRepairVerificationFailed = errors.New("repair verification failed")
)

// AppError wraps an operation, human-facing message, and underlying error.
type AppError struct {
	Op  string
	Msg string
	Err error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError constructs an AppError.
func NewAppError(op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Err: err}
}
