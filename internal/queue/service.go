package queue

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/MoonLadderStudios/MoonMind-sub003/internal/observability"
	"github.com/MoonLadderStudios/MoonMind-sub003/internal/state"
)

// Control actions accepted on the operator endpoint.
const (
	ActionPause          = "pause"
	ActionResume         = "resume"
	ActionTakeover       = "takeover"
	ActionCancel         = "cancel"
	ActionRetryStep      = "retry_step"
	ActionHardResetStep  = "hard_reset_step"
	ActionResumeFromStep = "resume_from_step"
)

const maxOperatorMessageLen = 4000

type Options struct {
	// RetryBackoff delays re-claim of a retryable failure; the delay grows
	// linearly with the attempt number.
	RetryBackoff       time.Duration
	DefaultMaxAttempts int
}

// Service is the claim engine: every ownership transition of a job funnels
// through it, against a single Store.
type Service struct {
	store              state.Store
	retryBackoff       time.Duration
	defaultMaxAttempts int
}

func NewService(store state.Store, opts Options) *Service {
	backoff := opts.RetryBackoff
	if backoff <= 0 {
		backoff = 30 * time.Second
	}
	maxAttempts := opts.DefaultMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Service{store: store, retryBackoff: backoff, defaultMaxAttempts: maxAttempts}
}

type EnqueueParams struct {
	ID                   string
	Type                 string
	Priority             int
	Payload              string
	RequiredCapabilities []string
	MaxAttempts          int
	Actor                string
}

func (s *Service) Enqueue(ctx context.Context, params EnqueueParams) (state.JobRecord, error) {
	if strings.TrimSpace(params.Type) == "" {
		return state.JobRecord{}, &ValidationError{Msg: "type must be a non-empty string"}
	}
	id := params.ID
	if id == "" {
		id = uuid.NewString()
	}
	payload := params.Payload
	if strings.TrimSpace(payload) == "" {
		payload = "{}"
	}
	maxAttempts := params.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.defaultMaxAttempts
	}
	job := state.JobRecord{
		ID:                   id,
		Type:                 params.Type,
		Status:               state.StatusQueued,
		Priority:             params.Priority,
		Payload:              payload,
		RequiredCapabilities: params.RequiredCapabilities,
		Attempt:              1,
		MaxAttempts:          maxAttempts,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return state.JobRecord{}, err
	}
	created, _, err := s.store.GetJob(ctx, id)
	if err != nil {
		return state.JobRecord{}, err
	}
	s.appendEvent(ctx, id, "job.enqueued", "Job enqueued", params.Actor)
	observability.Default.IncCounter("queue_jobs_enqueued_total", map[string]string{"type": params.Type}, 1)
	return created, nil
}

// Claim reclaims expired leases, then hands the best eligible queued job to
// the caller under a fresh lease. A nil job with a nil error is the normal
// empty-queue outcome.
func (s *Service) Claim(ctx context.Context, workerID string, leaseSeconds int, allowedTypes, capabilities []string) (*state.JobRecord, state.SystemState, error) {
	ctx, span := observability.StartSpan(ctx, "queue.claim",
		attribute.String("worker.id", workerID),
	)
	defer span.End()

	if strings.TrimSpace(workerID) == "" {
		return nil, state.SystemState{}, &ValidationError{Msg: "workerId must be a non-empty string"}
	}
	if leaseSeconds < 1 {
		return nil, state.SystemState{}, &ValidationError{Msg: "leaseSeconds must be >= 1"}
	}

	system, err := s.store.GetSystemState(ctx)
	if err != nil {
		return nil, state.SystemState{}, err
	}
	if system.Paused {
		observability.Default.IncCounter("queue_claims_skipped_total", map[string]string{"reason": "system_paused"}, 1)
		return nil, system, nil
	}

	now := time.Now().UTC()
	if err := s.reclaimExpired(ctx, now); err != nil {
		return nil, system, err
	}

	job, found, err := s.store.ClaimNextJob(ctx, state.ClaimParams{
		WorkerID:     workerID,
		LeaseSeconds: leaseSeconds,
		AllowedTypes: allowedTypes,
		Capabilities: capabilities,
		Now:          now,
	})
	if err != nil {
		return nil, system, err
	}
	if !found {
		return nil, system, nil
	}
	s.appendEvent(ctx, job.ID, "job.claimed", "Job claimed", workerID)
	observability.Default.IncCounter("queue_jobs_claimed_total", map[string]string{"type": job.Type, "worker_id": workerID}, 1)
	return &job, system, nil
}

func (s *Service) reclaimExpired(ctx context.Context, now time.Time) error {
	reclaimed, err := s.store.RequeueExpired(ctx, now)
	if err != nil {
		return err
	}
	for _, j := range reclaimed {
		if j.Status == state.StatusDeadLetter {
			s.appendEvent(ctx, j.ID, "job.dead_letter", "Lease expired and max attempts reached before reclaim.", "queue")
			observability.Default.IncCounter("queue_jobs_dead_lettered_total", map[string]string{"reason": "lease_expired"}, 1)
		} else {
			s.appendEvent(ctx, j.ID, "job.requeued", "Lease expired; job returned to queue", "queue")
			observability.Default.IncCounter("queue_jobs_requeued_total", map[string]string{"reason": "lease_expired"}, 1)
		}
	}
	return nil
}

// Heartbeat extends the caller's lease and returns the fresh record so the
// worker observes live control without a separate read. A lease is never
// shortened: if the current expiry is already later, it stands.
func (s *Service) Heartbeat(ctx context.Context, jobID, workerID string, leaseSeconds int) (state.JobRecord, error) {
	if strings.TrimSpace(workerID) == "" {
		return state.JobRecord{}, &ValidationError{Msg: "workerId must be a non-empty string"}
	}
	if leaseSeconds < 1 {
		return state.JobRecord{}, &ValidationError{Msg: "leaseSeconds must be >= 1"}
	}
	job, err := s.requireRunningOwned(ctx, jobID, workerID)
	if err != nil {
		return state.JobRecord{}, err
	}
	now := time.Now().UTC()
	expiry := now.Add(time.Duration(leaseSeconds) * time.Second)
	if expiry.After(job.LeaseExpiresAt) {
		job.LeaseExpiresAt = expiry
	}
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return state.JobRecord{}, err
	}
	s.appendEvent(ctx, jobID, "job.heartbeat", "Heartbeat received", workerID)
	return job, nil
}

func (s *Service) Complete(ctx context.Context, jobID, workerID, resultSummary, artifactsPath string) (state.JobRecord, error) {
	job, err := s.requireRunningOwned(ctx, jobID, workerID)
	if err != nil {
		return state.JobRecord{}, err
	}
	now := time.Now().UTC()
	job.Status = state.StatusSucceeded
	job.ResultSummary = resultSummary
	if artifactsPath != "" {
		job.ArtifactsPath = artifactsPath
	}
	job.ClaimedBy = ""
	job.LeaseExpiresAt = time.Time{}
	job.FinishedAt = now
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return state.JobRecord{}, err
	}
	s.appendEvent(ctx, jobID, "job.completed", "Job completed", workerID)
	observability.Default.IncCounter("queue_jobs_completed_total", map[string]string{"type": job.Type}, 1)
	if !job.StartedAt.IsZero() {
		observability.Default.ObserveTimer("queue_job_duration_seconds", map[string]string{"type": job.Type}, now.Sub(job.StartedAt))
	}
	return job, nil
}

// Fail applies the fail contract: a retryable failure with budget left goes
// back to queued with a backoff, a retryable failure without budget is
// dead-lettered, and a non-retryable failure is terminal.
func (s *Service) Fail(ctx context.Context, jobID, workerID, errorMessage string, retryable bool) (state.JobRecord, error) {
	job, err := s.requireRunningOwned(ctx, jobID, workerID)
	if err != nil {
		return state.JobRecord{}, err
	}
	now := time.Now().UTC()
	job.ErrorMessage = errorMessage
	job.Retryable = retryable
	job.ClaimedBy = ""
	job.LeaseExpiresAt = time.Time{}
	switch {
	case retryable && job.Attempt < job.MaxAttempts:
		job.Status = state.StatusQueued
		job.Attempt++
		job.NextAttemptAt = now.Add(s.retryBackoff * time.Duration(job.Attempt))
		if err := s.store.UpdateJob(ctx, job); err != nil {
			return state.JobRecord{}, err
		}
		s.appendEvent(ctx, jobID, "job.failed", "Job failed (retryable)", workerID)
		observability.Default.IncCounter("queue_jobs_failed_total", map[string]string{"type": job.Type, "retryable": "true"}, 1)
	case retryable:
		job.Status = state.StatusDeadLetter
		job.FinishedAt = now
		if err := s.store.UpdateJob(ctx, job); err != nil {
			return state.JobRecord{}, err
		}
		s.appendEvent(ctx, jobID, "job.dead_letter", "Job dead-lettered", workerID)
		observability.Default.IncCounter("queue_jobs_dead_lettered_total", map[string]string{"reason": "attempts_exhausted"}, 1)
	default:
		job.Status = state.StatusFailed
		job.FinishedAt = now
		if err := s.store.UpdateJob(ctx, job); err != nil {
			return state.JobRecord{}, err
		}
		s.appendEvent(ctx, jobID, "job.failed", "Job failed", workerID)
		observability.Default.IncCounter("queue_jobs_failed_total", map[string]string{"type": job.Type, "retryable": "false"}, 1)
	}
	return job, nil
}

// AckCancel is the worker's acknowledgement of a cancellation request. The
// job moves to cancelled without a success or failure transition.
func (s *Service) AckCancel(ctx context.Context, jobID, workerID string) (state.JobRecord, error) {
	job, err := s.requireRunningOwned(ctx, jobID, workerID)
	if err != nil {
		return state.JobRecord{}, err
	}
	now := time.Now().UTC()
	job.Status = state.StatusCancelled
	job.ClaimedBy = ""
	job.LeaseExpiresAt = time.Time{}
	job.FinishedAt = now
	job.Control.CancelRequested = false
	job.Control.Version++
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return state.JobRecord{}, err
	}
	s.appendEvent(ctx, jobID, "job.cancelled", "Cancellation acknowledged", workerID)
	observability.Default.IncCounter("queue_jobs_cancelled_total", map[string]string{"type": job.Type}, 1)
	return job, nil
}

type ControlParams struct {
	Action   string
	StepID   string
	Strategy string
	Reason   string
	Actor    string
}

// Control applies an operator action to the job's live control state and
// records the append-only audit row. A recovery request replaces any prior
// unacknowledged one wholesale.
func (s *Service) Control(ctx context.Context, jobID string, params ControlParams) (state.JobRecord, error) {
	job, found, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return state.JobRecord{}, err
	}
	if !found {
		return state.JobRecord{}, &NotFoundError{JobID: jobID}
	}
	now := time.Now().UTC()
	switch params.Action {
	case ActionPause:
		job.Control.Paused = true
	case ActionResume:
		job.Control.Paused = false
		job.Control.Takeover = false
	case ActionTakeover:
		job.Control.Paused = true
		job.Control.Takeover = true
	case ActionCancel:
		if state.IsTerminalStatus(job.Status) {
			return state.JobRecord{}, &StateError{JobID: jobID, Status: job.Status}
		}
		job.Control.CancelRequested = true
	case ActionRetryStep, ActionHardResetStep, ActionResumeFromStep:
		job.Control.Recovery = &state.RecoveryRequest{
			Action:      params.Action,
			StepID:      params.StepID,
			Strategy:    params.Strategy,
			RequestedBy: params.Actor,
			Reason:      params.Reason,
			UpdatedAt:   now,
		}
	default:
		return state.JobRecord{}, &ValidationError{Msg: "unsupported control action " + params.Action}
	}
	job.Control.Version++
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return state.JobRecord{}, err
	}
	if err := s.store.AppendControlEvent(ctx, state.ControlEventRecord{
		JobID:    jobID,
		Action:   params.Action,
		StepID:   params.StepID,
		Strategy: params.Strategy,
		Reason:   params.Reason,
		Actor:    params.Actor,
	}); err != nil {
		return state.JobRecord{}, err
	}
	s.appendEvent(ctx, jobID, "job.control", "Control action "+params.Action, params.Actor)
	observability.Default.IncCounter("queue_control_actions_total", map[string]string{"action": params.Action}, 1)
	updated, _, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return state.JobRecord{}, err
	}
	return updated, nil
}

// AckRecovery clears a pending recovery request once the worker has honored
// it, and audits the acknowledgement.
func (s *Service) AckRecovery(ctx context.Context, jobID, workerID, action string) (state.JobRecord, error) {
	job, err := s.requireRunningOwned(ctx, jobID, workerID)
	if err != nil {
		return state.JobRecord{}, err
	}
	if job.Control.Recovery == nil {
		return job, nil
	}
	job.Control.Recovery = nil
	job.Control.Version++
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return state.JobRecord{}, err
	}
	if err := s.store.AppendControlEvent(ctx, state.ControlEventRecord{
		JobID:  jobID,
		Action: "recovery_ack",
		Reason: action,
		Actor:  workerID,
	}); err != nil {
		return state.JobRecord{}, err
	}
	s.appendEvent(ctx, jobID, "control.recovery.ack", "Recovery request acknowledged: "+action, workerID)
	observability.Default.IncCounter("queue_recovery_acks_total", map[string]string{"action": action}, 1)
	return job, nil
}

func (s *Service) AppendMessage(ctx context.Context, jobID, from, text string) (state.JobRecord, error) {
	if strings.TrimSpace(text) == "" {
		return state.JobRecord{}, &ValidationError{Msg: "message must be a non-empty string"}
	}
	if len(text) > maxOperatorMessageLen {
		return state.JobRecord{}, &ValidationError{Msg: "message must be at most 4000 characters"}
	}
	job, found, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return state.JobRecord{}, err
	}
	if !found {
		return state.JobRecord{}, &NotFoundError{JobID: jobID}
	}
	job.Messages = append(job.Messages, state.OperatorMessage{
		From:      from,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	})
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return state.JobRecord{}, err
	}
	s.appendEvent(ctx, jobID, "job.message", "Operator message appended", from)
	return job, nil
}

func (s *Service) GetJob(ctx context.Context, jobID string) (state.JobRecord, error) {
	job, found, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return state.JobRecord{}, err
	}
	if !found {
		return state.JobRecord{}, &NotFoundError{JobID: jobID}
	}
	return job, nil
}

func (s *Service) ListJobs(ctx context.Context, query state.JobQuery) ([]state.JobRecord, error) {
	return s.store.ListJobs(ctx, query)
}

func (s *Service) ListJobEvents(ctx context.Context, jobID string, limit int) ([]state.JobEventRecord, error) {
	return s.store.ListJobEvents(ctx, jobID, limit)
}

func (s *Service) ListControlEvents(ctx context.Context, jobID string, limit int) ([]state.ControlEventRecord, error) {
	return s.store.ListControlEvents(ctx, jobID, limit)
}

func (s *Service) SystemState(ctx context.Context) (state.SystemState, error) {
	return s.store.GetSystemState(ctx)
}

func (s *Service) SetSystemPaused(ctx context.Context, paused bool, actor, reason string) (state.SystemState, error) {
	system, err := s.store.SetSystemPaused(ctx, paused, actor, reason)
	if err != nil {
		return state.SystemState{}, err
	}
	action := "system_pause"
	if !paused {
		action = "system_resume"
	}
	if err := s.store.AppendControlEvent(ctx, state.ControlEventRecord{
		Action: action,
		Reason: reason,
		Actor:  actor,
	}); err != nil {
		return state.SystemState{}, err
	}
	return system, nil
}

func (s *Service) ListDeadLetterJobs(ctx context.Context, limit int) ([]state.JobRecord, error) {
	return s.store.ListDeadLetterJobs(ctx, limit)
}

func (s *Service) RequeueDeadLetters(ctx context.Context, jobIDs []string) (int, error) {
	moved, err := s.store.RequeueDeadLetters(ctx, jobIDs)
	if err != nil {
		return moved, err
	}
	for _, id := range jobIDs {
		s.appendEvent(ctx, id, "job.requeued", "Dead-letter job requeued by admin", "admin")
	}
	observability.Default.IncCounter("queue_dead_letter_requeued_total", nil, float64(moved))
	return moved, nil
}

// ReclaimLoop runs the expired-lease sweep on a fixed tick until the
// context ends. Claim calls also sweep, so this only bounds staleness when
// no worker is polling.
func (s *Service) ReclaimLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			_ = s.reclaimExpired(ctx, now.UTC())
		}
	}
}

func (s *Service) requireRunningOwned(ctx context.Context, jobID, workerID string) (state.JobRecord, error) {
	job, found, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return state.JobRecord{}, err
	}
	if !found {
		return state.JobRecord{}, &NotFoundError{JobID: jobID}
	}
	if job.Status != state.StatusRunning {
		return state.JobRecord{}, &StateError{JobID: jobID, Status: job.Status}
	}
	if job.ClaimedBy != workerID {
		return state.JobRecord{}, &OwnershipError{JobID: jobID, Owner: job.ClaimedBy}
	}
	return job, nil
}

func (s *Service) appendEvent(ctx context.Context, jobID, kind, message, actor string) {
	_ = s.store.AppendJobEvent(ctx, state.JobEventRecord{
		JobID:   jobID,
		Kind:    kind,
		Message: message,
		Actor:   actor,
	})
}
