package queue

import "fmt"

// ValidationError rejects malformed caller input before any state is touched.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

type NotFoundError struct {
	JobID string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("job %s not found", e.JobID) }

// OwnershipError means the caller does not hold the job's lease. It is
// always surfaced, never retried internally.
type OwnershipError struct {
	JobID string
	Owner string
}

func (e *OwnershipError) Error() string {
	owner := e.Owner
	if owner == "" {
		owner = "nobody"
	}
	return fmt.Sprintf("Job %s is owned by %s", e.JobID, owner)
}

// StateError means the requested transition is invalid for the job's
// current status, such as completing an already-terminal job.
type StateError struct {
	JobID  string
	Status string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("Job %s is %s and cannot be mutated", e.JobID, e.Status)
}
