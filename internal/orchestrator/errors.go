package orchestrator

import "fmt"

type ErrorCode string

const (
	CodeMissingInput ErrorCode = "MissingInput"
	CodeUnknownAgent ErrorCode = "UnknownAgent"
)

// ValidationError rejects a submission before anything is written.
type ValidationError struct {
	Code    ErrorCode
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// SchedulingError means the run was recorded as pending but could not be
// handed to the dispatcher. The reconciler retries such runs.
type SchedulingError struct {
	RunID string
	Err   error
}

func (e *SchedulingError) Error() string {
	return fmt.Sprintf("schedule run %s: %v", e.RunID, e.Err)
}

func (e *SchedulingError) Unwrap() error {
	return e.Err
}
