package scheduler

import (
	"errors"
	"fmt"
)

// ErrClosed is returned once Shutdown has begun.
var ErrClosed = errors.New("scheduler is shut down")

// ValidationError rejects a job definition before any state changes.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// AlreadyRunningError rejects a run request while the job is executing.
type AlreadyRunningError struct {
	JobID int64
	Name  string
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("job %q is already running", e.Name)
}
