package codex

import (
	"errors"
	"fmt"
)

// ErrThreadNotFound means the backend has no record of a thread id.
var ErrThreadNotFound = errors.New("codex thread not found")

// ResumeError reports that a persisted thread could not be resumed.
// Callers recover by starting a new thread.
type ResumeError struct {
	ThreadID string
	Err      error
}

func (e *ResumeError) Error() string {
	return fmt.Sprintf("resume codex thread %s: %v", e.ThreadID, e.Err)
}

func (e *ResumeError) Unwrap() error { return e.Err }

// BackendError reports a failed turn: process failure, turn.failed event, or malformed output.
type BackendError struct {
	ThreadID string
	Message  string
	ExitCode int // -1 when the process did not report one
	Err      error
}

func (e *BackendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("codex: %s: %v", e.Message, e.Err)
	}
	return "codex: " + e.Message
}

func (e *BackendError) Unwrap() error { return e.Err }

// IsResumeError reports whether err is (or wraps) a *ResumeError.
func IsResumeError(err error) bool {
	var re *ResumeError
	return errors.As(err, &re)
}
