// Package apschederr defines the error taxonomy shared across the
// store, scheduler, and worker (spec §7): lookup errors, conflict
// errors, and codec errors. Store-operation and job-execution failures
// use these pointer error types so callers can branch with errors.As.
package apschederr

import "fmt"

// TaskLookupError indicates the caller asked for an absent task id.
type TaskLookupError struct{ ID string }

func (e *TaskLookupError) Error() string { return fmt.Sprintf("task not found: %s", e.ID) }

// JobLookupError indicates the caller asked for an absent job id.
type JobLookupError struct{ ID string }

func (e *JobLookupError) Error() string { return fmt.Sprintf("job not found: %s", e.ID) }

// ConflictingIDError is raised by add_schedule when conflict_policy is
// "exception" and a schedule with the same id already exists.
type ConflictingIDError struct{ ID string }

func (e *ConflictingIDError) Error() string {
	return fmt.Sprintf("a schedule with the id %q already exists", e.ID)
}

// SerializationError wraps a failure to marshal a value for storage.
type SerializationError struct{ Cause error }

func (e *SerializationError) Error() string { return fmt.Sprintf("serialization error: %v", e.Cause) }
func (e *SerializationError) Unwrap() error { return e.Cause }

// DeserializationError wraps a failure to unmarshal a stored value.
type DeserializationError struct{ Cause error }

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("deserialization error: %v", e.Cause)
}
func (e *DeserializationError) Unwrap() error { return e.Cause }

// JobDeadlineMissed is raised by RunJob when the job's start deadline
// passed before a worker could execute it.
type JobDeadlineMissed struct{ JobID string }

func (e *JobDeadlineMissed) Error() string {
	return fmt.Sprintf("job %s missed its start deadline", e.JobID)
}

// JobCancelled is raised by RunJob when the job's outcome was cancelled.
type JobCancelled struct{ JobID string }

func (e *JobCancelled) Error() string { return fmt.Sprintf("job %s was cancelled", e.JobID) }
