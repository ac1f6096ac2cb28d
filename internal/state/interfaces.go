package state

import (
	"context"
	"time"
)

// Store is the single point of truth for job ownership. ClaimNextJob and
// RequeueExpired must be atomic with respect to each other: no two
// concurrent claims may return the same job.
type Store interface {
	CreateJob(ctx context.Context, job JobRecord) error
	GetJob(ctx context.Context, jobID string) (JobRecord, bool, error)
	// UpdateJob overwrites mutable job fields. It does not check ownership;
	// callers in the queue service enforce the lease contract first.
	UpdateJob(ctx context.Context, job JobRecord) error
	ListJobs(ctx context.Context, query JobQuery) ([]JobRecord, error)

	// ClaimNextJob atomically selects the highest-priority eligible queued
	// job, transitions it to running under the caller's lease, and returns
	// it. Returns found=false when nothing is eligible.
	ClaimNextJob(ctx context.Context, params ClaimParams) (JobRecord, bool, error)
	// RequeueExpired sweeps running jobs whose lease has lapsed: back to
	// queued with attempt+1, or to dead_letter when the attempt budget is
	// already spent. Returns the records after transition.
	RequeueExpired(ctx context.Context, now time.Time) ([]JobRecord, error)

	AppendJobEvent(ctx context.Context, event JobEventRecord) error
	ListJobEvents(ctx context.Context, jobID string, limit int) ([]JobEventRecord, error)

	AppendControlEvent(ctx context.Context, event ControlEventRecord) error
	ListControlEvents(ctx context.Context, jobID string, limit int) ([]ControlEventRecord, error)

	GetSystemState(ctx context.Context) (SystemState, error)
	SetSystemPaused(ctx context.Context, paused bool, actor, reason string) (SystemState, error)

	ListDeadLetterJobs(ctx context.Context, limit int) ([]JobRecord, error)
	// RequeueDeadLetters moves the named dead_letter jobs back to queued and
	// returns how many actually moved.
	RequeueDeadLetters(ctx context.Context, jobIDs []string) (int, error)
}
