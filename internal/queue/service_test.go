package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MoonLadderStudios/MoonMind-sub003/internal/state"
)

func newTestService(t *testing.T) (*Service, *state.MemoryStore) {
	t.Helper()
	store := state.NewMemoryStore()
	return NewService(store, Options{RetryBackoff: time.Second, DefaultMaxAttempts: 3}), store
}

func enqueueAndClaim(t *testing.T, svc *Service, workerID string) state.JobRecord {
	t.Helper()
	ctx := context.Background()
	if _, err := svc.Enqueue(ctx, EnqueueParams{Type: "agent"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, _, err := svc.Claim(ctx, workerID, 60, nil, nil)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if job == nil {
		t.Fatal("claim returned no job")
	}
	return *job
}

func TestEnqueueValidation(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Enqueue(context.Background(), EnqueueParams{Type: "  "})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestEnqueueDefaults(t *testing.T) {
	svc, _ := newTestService(t)
	job, err := svc.Enqueue(context.Background(), EnqueueParams{Type: "agent"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job.ID == "" {
		t.Fatal("expected a generated job id")
	}
	if job.Payload != "{}" {
		t.Fatalf("payload default: got %q", job.Payload)
	}
	if job.Attempt != 1 || job.MaxAttempts != 3 {
		t.Fatalf("attempt defaults: %+v", job)
	}
	if job.Status != state.StatusQueued {
		t.Fatalf("status: got %s", job.Status)
	}
}

func TestClaimValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	var verr *ValidationError
	if _, _, err := svc.Claim(ctx, "", 60, nil, nil); !errors.As(err, &verr) {
		t.Fatalf("empty worker id: got %v", err)
	}
	if verr.Msg != "workerId must be a non-empty string" {
		t.Fatalf("worker id message: %q", verr.Msg)
	}
	if _, _, err := svc.Claim(ctx, "w1", 0, nil, nil); !errors.As(err, &verr) {
		t.Fatalf("zero lease: got %v", err)
	}
	if verr.Msg != "leaseSeconds must be >= 1" {
		t.Fatalf("lease message: %q", verr.Msg)
	}
}

func TestClaimSkippedWhileSystemPaused(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	if _, err := svc.Enqueue(ctx, EnqueueParams{Type: "agent"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := svc.SetSystemPaused(ctx, true, "admin", "maintenance"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	job, system, err := svc.Claim(ctx, "w1", 60, nil, nil)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if job != nil {
		t.Fatalf("claimed a job while paused: %+v", job)
	}
	if !system.Paused {
		t.Fatal("expected paused system state in claim response")
	}
	if _, err := svc.SetSystemPaused(ctx, false, "admin", ""); err != nil {
		t.Fatalf("resume: %v", err)
	}
	job, _, err = svc.Claim(ctx, "w1", 60, nil, nil)
	if err != nil || job == nil {
		t.Fatalf("claim after resume: job=%v err=%v", job, err)
	}
}

func TestClaimReclaimsExpiredLease(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	job := enqueueAndClaim(t, svc, "w1")

	// Backdate the lease so the next claim sweep treats it as abandoned.
	job.LeaseExpiresAt = time.Now().UTC().Add(-time.Minute)
	if err := store.UpdateJob(ctx, job); err != nil {
		t.Fatalf("update: %v", err)
	}

	reclaimed, _, err := svc.Claim(ctx, "w2", 60, nil, nil)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if reclaimed == nil || reclaimed.ID != job.ID {
		t.Fatalf("expected the expired job to be reclaimed, got %+v", reclaimed)
	}
	if reclaimed.ClaimedBy != "w2" {
		t.Fatalf("reclaimed job: %+v", reclaimed)
	}
	if reclaimed.Attempt != 1 {
		t.Fatalf("reclaim incremented the attempt count: %+v", reclaimed)
	}
}

func TestHeartbeatNeverShortensLease(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	job := enqueueAndClaim(t, svc, "w1")

	longer, err := svc.Heartbeat(ctx, job.ID, "w1", 600)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if !longer.LeaseExpiresAt.After(job.LeaseExpiresAt) {
		t.Fatalf("lease not extended: %v -> %v", job.LeaseExpiresAt, longer.LeaseExpiresAt)
	}
	shorter, err := svc.Heartbeat(ctx, job.ID, "w1", 1)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if !shorter.LeaseExpiresAt.Equal(longer.LeaseExpiresAt) {
		t.Fatalf("lease was shortened: %v -> %v", longer.LeaseExpiresAt, shorter.LeaseExpiresAt)
	}
}

func TestHeartbeatOwnership(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	job := enqueueAndClaim(t, svc, "w1")

	var oerr *OwnershipError
	if _, err := svc.Heartbeat(ctx, job.ID, "w2", 60); !errors.As(err, &oerr) {
		t.Fatalf("wrong worker: got %v", err)
	}
	var nerr *NotFoundError
	if _, err := svc.Heartbeat(ctx, "missing", "w1", 60); !errors.As(err, &nerr) {
		t.Fatalf("missing job: got %v", err)
	}
	if _, err := svc.Complete(ctx, job.ID, "w1", "done", ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	var serr *StateError
	if _, err := svc.Heartbeat(ctx, job.ID, "w1", 60); !errors.As(err, &serr) {
		t.Fatalf("terminal job: got %v", err)
	}
}

func TestCompleteClearsLease(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	job := enqueueAndClaim(t, svc, "w1")

	done, err := svc.Complete(ctx, job.ID, "w1", "3 steps completed", "/artifacts/x")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != state.StatusSucceeded {
		t.Fatalf("status: %s", done.Status)
	}
	if done.ClaimedBy != "" || !done.LeaseExpiresAt.IsZero() {
		t.Fatalf("lease not released: %+v", done)
	}
	if done.ResultSummary != "3 steps completed" || done.ArtifactsPath != "/artifacts/x" {
		t.Fatalf("result fields: %+v", done)
	}
	if done.FinishedAt.IsZero() {
		t.Fatal("finished_at not set")
	}
}

func TestFailRetryableRequeuesWithBackoff(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	job := enqueueAndClaim(t, svc, "w1")

	failed, err := svc.Fail(ctx, job.ID, "w1", "transient network error", true)
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if failed.Status != state.StatusQueued {
		t.Fatalf("status: %s", failed.Status)
	}
	if failed.Attempt != 2 {
		t.Fatalf("attempt: %d", failed.Attempt)
	}
	if !failed.NextAttemptAt.After(time.Now().UTC()) {
		t.Fatalf("next attempt not deferred: %v", failed.NextAttemptAt)
	}
	if failed.ClaimedBy != "" || !failed.LeaseExpiresAt.IsZero() {
		t.Fatalf("lease not released: %+v", failed)
	}
}

func TestFailRetryableExhaustedDeadLetters(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	if _, err := svc.Enqueue(ctx, EnqueueParams{ID: "one-shot", Type: "agent", MaxAttempts: 1}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, _, err := svc.Claim(ctx, "w1", 60, nil, nil)
	if err != nil || job == nil {
		t.Fatalf("claim: job=%v err=%v", job, err)
	}
	failed, err := svc.Fail(ctx, job.ID, "w1", "still broken", true)
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if failed.Status != state.StatusDeadLetter {
		t.Fatalf("status: %s", failed.Status)
	}
	if failed.FinishedAt.IsZero() {
		t.Fatal("finished_at not set")
	}
}

func TestFailNonRetryableIsTerminal(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	job := enqueueAndClaim(t, svc, "w1")

	failed, err := svc.Fail(ctx, job.ID, "w1", "checkpoint hash mismatch", false)
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if failed.Status != state.StatusFailed {
		t.Fatalf("status: %s", failed.Status)
	}
	if failed.ErrorMessage != "checkpoint hash mismatch" || failed.Retryable {
		t.Fatalf("failure fields: %+v", failed)
	}
}

func TestAckCancel(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	job := enqueueAndClaim(t, svc, "w1")

	if _, err := svc.Control(ctx, job.ID, ControlParams{Action: ActionCancel, Actor: "op"}); err != nil {
		t.Fatalf("control: %v", err)
	}
	cancelled, err := svc.AckCancel(ctx, job.ID, "w1")
	if err != nil {
		t.Fatalf("ack cancel: %v", err)
	}
	if cancelled.Status != state.StatusCancelled {
		t.Fatalf("status: %s", cancelled.Status)
	}
	if cancelled.Control.CancelRequested {
		t.Fatal("cancel flag not cleared")
	}
}

func TestControlActions(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	job := enqueueAndClaim(t, svc, "w1")

	paused, err := svc.Control(ctx, job.ID, ControlParams{Action: ActionPause, Actor: "op"})
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !paused.Control.Paused || paused.Control.Version != job.Control.Version+1 {
		t.Fatalf("pause state: %+v", paused.Control)
	}

	taken, err := svc.Control(ctx, job.ID, ControlParams{Action: ActionTakeover, Actor: "op"})
	if err != nil {
		t.Fatalf("takeover: %v", err)
	}
	if !taken.Control.Paused || !taken.Control.Takeover {
		t.Fatalf("takeover state: %+v", taken.Control)
	}

	resumed, err := svc.Control(ctx, job.ID, ControlParams{Action: ActionResume, Actor: "op"})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Control.Paused || resumed.Control.Takeover {
		t.Fatalf("resume state: %+v", resumed.Control)
	}
	if resumed.Control.Version != paused.Control.Version+2 {
		t.Fatalf("version did not increment per action: %+v", resumed.Control)
	}

	var verr *ValidationError
	if _, err := svc.Control(ctx, job.ID, ControlParams{Action: "explode"}); !errors.As(err, &verr) {
		t.Fatalf("unsupported action: got %v", err)
	}
	var nerr *NotFoundError
	if _, err := svc.Control(ctx, "missing", ControlParams{Action: ActionPause}); !errors.As(err, &nerr) {
		t.Fatalf("missing job: got %v", err)
	}
}

func TestControlCancelTerminalJob(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	job := enqueueAndClaim(t, svc, "w1")
	if _, err := svc.Complete(ctx, job.ID, "w1", "done", ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	var serr *StateError
	if _, err := svc.Control(ctx, job.ID, ControlParams{Action: ActionCancel}); !errors.As(err, &serr) {
		t.Fatalf("cancel of terminal job: got %v", err)
	}
}

func TestRecoveryRequestLastWriterWins(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	job := enqueueAndClaim(t, svc, "w1")

	if _, err := svc.Control(ctx, job.ID, ControlParams{Action: ActionRetryStep, StepID: "step-1", Actor: "op-a"}); err != nil {
		t.Fatalf("first recovery: %v", err)
	}
	updated, err := svc.Control(ctx, job.ID, ControlParams{Action: ActionResumeFromStep, StepID: "step-3", Actor: "op-b"})
	if err != nil {
		t.Fatalf("second recovery: %v", err)
	}
	rec := updated.Control.Recovery
	if rec == nil || rec.Action != ActionResumeFromStep || rec.StepID != "step-3" || rec.RequestedBy != "op-b" {
		t.Fatalf("recovery not replaced: %+v", rec)
	}

	acked, err := svc.AckRecovery(ctx, job.ID, "w1", ActionResumeFromStep)
	if err != nil {
		t.Fatalf("ack recovery: %v", err)
	}
	if acked.Control.Recovery != nil {
		t.Fatalf("recovery not cleared: %+v", acked.Control.Recovery)
	}

	// Acking again with nothing pending is a no-op, not an error.
	if _, err := svc.AckRecovery(ctx, job.ID, "w1", ActionResumeFromStep); err != nil {
		t.Fatalf("repeat ack: %v", err)
	}
}

func TestControlAudit(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	job := enqueueAndClaim(t, svc, "w1")

	if _, err := svc.Control(ctx, job.ID, ControlParams{Action: ActionPause, Actor: "op", Reason: "inspect"}); err != nil {
		t.Fatalf("control: %v", err)
	}
	events, err := svc.ListControlEvents(ctx, job.ID, 10)
	if err != nil {
		t.Fatalf("list control events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("control events: got %d", len(events))
	}
	ev := events[0]
	if ev.Action != ActionPause || ev.Actor != "op" || ev.Reason != "inspect" {
		t.Fatalf("audit row: %+v", ev)
	}
	if ev.EventHash == "" {
		t.Fatal("audit row missing hash")
	}
}

func TestAppendMessage(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	job := enqueueAndClaim(t, svc, "w1")

	updated, err := svc.AppendMessage(ctx, job.ID, "operator", "focus on the failing test")
	if err != nil {
		t.Fatalf("append message: %v", err)
	}
	if len(updated.Messages) != 1 || updated.Messages[0].Text != "focus on the failing test" {
		t.Fatalf("messages: %+v", updated.Messages)
	}

	var verr *ValidationError
	if _, err := svc.AppendMessage(ctx, job.ID, "operator", "  "); !errors.As(err, &verr) {
		t.Fatalf("blank message: got %v", err)
	}
	long := make([]byte, maxOperatorMessageLen+1)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := svc.AppendMessage(ctx, job.ID, "operator", string(long)); !errors.As(err, &verr) {
		t.Fatalf("oversized message: got %v", err)
	}
	if verr.Msg != "message must be at most 4000 characters" {
		t.Fatalf("oversized message text: %q", verr.Msg)
	}
}

func TestRequeueDeadLetters(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	if _, err := svc.Enqueue(ctx, EnqueueParams{ID: "dead", Type: "agent", MaxAttempts: 1}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, _, err := svc.Claim(ctx, "w1", 60, nil, nil)
	if err != nil || job == nil {
		t.Fatalf("claim: job=%v err=%v", job, err)
	}
	if _, err := svc.Fail(ctx, job.ID, "w1", "boom", true); err != nil {
		t.Fatalf("fail: %v", err)
	}

	dead, err := svc.ListDeadLetterJobs(ctx, 10)
	if err != nil || len(dead) != 1 {
		t.Fatalf("dead letters: n=%d err=%v", len(dead), err)
	}
	moved, err := svc.RequeueDeadLetters(ctx, []string{"dead", "never-existed"})
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if moved != 1 {
		t.Fatalf("moved: %d", moved)
	}
	requeued, err := svc.GetJob(ctx, "dead")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if requeued.Status != state.StatusQueued || requeued.Attempt != 1 {
		t.Fatalf("requeued job: %+v", requeued)
	}
}

func TestJobEventsRecorded(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	job := enqueueAndClaim(t, svc, "w1")
	if _, err := svc.Complete(ctx, job.ID, "w1", "done", ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	events, err := svc.ListJobEvents(ctx, job.ID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	kinds := make(map[string]bool, len(events))
	for _, ev := range events {
		kinds[ev.Kind] = true
	}
	for _, want := range []string{"job.enqueued", "job.claimed", "job.completed"} {
		if !kinds[want] {
			t.Fatalf("missing event %s in %v", want, events)
		}
	}
}
