// Package runner executes a claimed job's steps inside a git workspace,
// supervised by the self-heal controller and the operator's live control
// state.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MoonLadderStudios/MoonMind-sub003/internal/checkpoint"
	"github.com/MoonLadderStudios/MoonMind-sub003/internal/queue"
	"github.com/MoonLadderStudios/MoonMind-sub003/internal/selfheal"
	"github.com/MoonLadderStudios/MoonMind-sub003/pkg/queueapi"
	"github.com/MoonLadderStudios/MoonMind-sub003/worker/internal/config"
	"github.com/MoonLadderStudios/MoonMind-sub003/worker/internal/gateway"
	"github.com/MoonLadderStudios/MoonMind-sub003/worker/internal/heartbeat"
	"github.com/MoonLadderStudios/MoonMind-sub003/worker/internal/telemetry"
)

// ErrCancelled means the operator requested cancellation and the worker
// acknowledged it; the job is already terminal on the gateway side.
var ErrCancelled = errors.New("job cancelled by operator")

type Runner struct {
	cfg         config.Config
	client      *gateway.Client
	checkpoints *checkpoint.Store
	archiver    *checkpoint.Archiver
	classifier  *selfheal.Classifier
	healCfg     selfheal.Config
	redactor    *selfheal.Redactor
	adapter     Adapter
	tel         telemetry.Client
}

func New(cfg config.Config, client *gateway.Client, store *checkpoint.Store, archiver *checkpoint.Archiver, classifier *selfheal.Classifier, healCfg selfheal.Config, redactor *selfheal.Redactor, adapter Adapter, tel telemetry.Client) *Runner {
	return &Runner{
		cfg:         cfg,
		client:      client,
		checkpoints: store,
		archiver:    archiver,
		classifier:  classifier,
		healCfg:     healCfg,
		redactor:    redactor,
		adapter:     adapter,
		tel:         tel,
	}
}

func (r *Runner) RunJob(ctx context.Context, job queueapi.JobView) error {
	payload, err := ParsePayload(job.Payload)
	if err != nil {
		return r.failJob(ctx, job.ID, err.Error(), false)
	}
	steps := ResolveSteps(payload)
	controller := selfheal.NewController(r.healCfg, r.redactor)

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	hb := heartbeat.New(r.client, r.cfg.WorkerID, job.ID, r.cfg.LeaseSeconds, r.cfg.HeartbeatInterval)
	go hb.Start(jobCtx)
	go func() {
		select {
		case <-hb.LeaseLost():
			cancel()
		case <-jobCtx.Done():
		}
	}()

	ws, err := PrepareWorkspace(jobCtx, r.cfg.WorkspaceRoot, job.ID, payload.Repo)
	if err != nil {
		return r.failJob(ctx, job.ID, "prepare workspace: "+err.Error(), true)
	}

	// Checkpoints from an earlier queue attempt let the job resume instead
	// of redoing finished steps.
	done := map[int]checkpoint.StepCheckpoint{}
	if cps, err := r.checkpoints.ListCheckpoints(job.ID); err == nil {
		for _, cp := range cps {
			done[cp.StepIndex] = cp
		}
	}

	si := 0
	for si < len(steps) {
		if cp, ok := done[si]; ok {
			if err := r.replayStep(jobCtx, job.ID, ws, cp); err != nil {
				return err
			}
			si++
			continue
		}
		step := steps[si]
		controller.BeginStep(step.ID, si)
		next, err := r.runStep(jobCtx, job, payload, steps, si, controller, ws, hb)
		if err != nil {
			if errors.Is(err, ErrCancelled) {
				return nil
			}
			return err
		}
		if next != si+1 {
			// Operator rewound or skipped; drop checkpoints at and past the
			// target and rebuild the tree to the state before it.
			for idx := range done {
				if idx >= next {
					delete(done, idx)
				}
			}
			if err := ws.Rebuild(jobCtx, r.checkpoints, job.ID, payload.Repo, next); err != nil {
				return r.reportRebuildFailure(ctx, job.ID, err)
			}
		}
		si = next
	}

	return r.publish(jobCtx, job.ID, ws, len(steps))
}

func (r *Runner) replayStep(ctx context.Context, jobID string, ws *Workspace, cp checkpoint.StepCheckpoint) error {
	patch, err := r.checkpoints.LoadVerifiedPatch(jobID, cp)
	if err != nil {
		var hm *checkpoint.HashMismatchError
		if errors.As(err, &hm) {
			return r.failJob(ctx, jobID, err.Error(), false)
		}
		return r.failJob(ctx, jobID, "load checkpoint: "+err.Error(), true)
	}
	if err := ws.ApplyPatch(ctx, patch); err != nil {
		return r.failJob(ctx, jobID, "replay checkpoint: "+err.Error(), true)
	}
	if _, _, err := ws.CapturePatch(ctx); err != nil {
		return r.failJob(ctx, jobID, "stage replay: "+err.Error(), true)
	}
	if err := ws.CommitStep(ctx, cp.StepID); err != nil {
		return r.failJob(ctx, jobID, err.Error(), true)
	}
	return nil
}

// runStep drives one step to success or a terminal outcome. It returns the
// index of the next step to run, which is si+1 unless the operator resumed
// from elsewhere.
func (r *Runner) runStep(ctx context.Context, job queueapi.JobView, payload JobPayload, steps []ResolvedStep, si int, controller *selfheal.Controller, ws *Workspace, hb *heartbeat.Monitor) (int, error) {
	step := steps[si]
	for {
		jump, err := r.waitForGo(ctx, job.ID, steps, si, controller, ws, payload, hb)
		if err != nil {
			return 0, err
		}
		if jump >= 0 {
			return jump, nil
		}

		rec, err := controller.NewAttempt()
		if err != nil {
			return 0, r.failJob(ctx, job.ID, "step attempt budget exhausted", true)
		}
		r.tel.Incr("worker.step.attempt_started", nil)

		instructions := ComposeInstructions(payload.Objective, step)
		result, cause, idle, runErr := r.runAttempt(ctx, job.ID, step, rec.Attempt, ws.Dir(), instructions)
		if ctx.Err() != nil {
			// Lease lost or shutting down; the queue will reclaim the job.
			return 0, ctx.Err()
		}
		if runErr != nil {
			return 0, r.failJob(ctx, job.ID, "step runtime: "+runErr.Error(), true)
		}

		patch, changed, perr := ws.CapturePatch(ctx)
		if perr != nil {
			return 0, r.failJob(ctx, job.ID, perr.Error(), true)
		}
		diffHash := checkpoint.DiffHash(patch)
		now := time.Now().UTC()
		rec.FinishedAt = now
		rec.DiffHash = diffHash
		rec.ChangedFiles = changed
		rec.WallClockSeconds = float64(now.Sub(rec.StartedAt)) / float64(time.Second)
		rec.IdleSeconds = idle.Seconds()
		if len(result.Output) > 0 {
			_ = r.checkpoints.AppendStepLog(job.ID, si, []byte(controller.Scrub(string(result.Output))))
		}

		if cause == selfheal.CauseNone && result.ExitCode == 0 {
			rec.Succeeded = true
			cp := checkpoint.StepCheckpoint{
				StepID:       step.ID,
				StepIndex:    si,
				Attempt:      rec.Attempt,
				DiffHash:     diffHash,
				ChangedFiles: changed,
				Summary:      controller.Scrub(result.Summary),
				FinishedAt:   now,
			}
			if err := r.checkpoints.SaveCheckpoint(job.ID, cp, patch); err != nil {
				return 0, r.failJob(ctx, job.ID, "save checkpoint: "+err.Error(), true)
			}
			_ = r.checkpoints.SaveAttemptRecord(job.ID, si, rec.Sequence, rec)
			if err := ws.CommitStep(ctx, step.ID); err != nil {
				return 0, r.failJob(ctx, job.ID, err.Error(), true)
			}
			controller.ResetAfterSuccess()
			r.tel.Incr("worker.step.succeeded", nil)
			return si + 1, nil
		}

		msg := controller.Scrub(result.Message)
		hint := controller.Scrub(result.Hint)
		sig := controller.BuildSignature(selfheal.SignatureInput{
			StepID:   step.ID,
			SkillID:  step.Skill,
			ExitCode: result.ExitCode,
			Hint:     hint,
			Message:  msg,
		})
		noProgress, unchanged := controller.ActiveStep().RecordFailure(sig, diffHash)
		class := r.classifier.Classify(selfheal.Outcome{
			ExitCode:     result.ExitCode,
			Message:      msg,
			Hint:         hint,
			WallTimedOut: cause == selfheal.CauseWallClock,
			IdleTimedOut: cause == selfheal.CauseIdle,
		}, noProgress, unchanged)
		decision := selfheal.Decide(r.healCfg, class, controller.ActiveStep(), controller.CanHardReset())

		rec.FailureClass = class
		rec.Strategy = decision.Strategy
		if sig != nil {
			rec.FailureSignature = sig.Value
			rec.FailureSignatureHash = sig.Fingerprint
		}
		_ = r.checkpoints.SaveAttemptRecord(job.ID, si, rec.Sequence, rec)
		if err := ws.DiscardChanges(ctx); err != nil {
			return 0, r.failJob(ctx, job.ID, err.Error(), true)
		}
		r.tel.Incr("worker.step.attempt_failed", map[string]string{
			"class":    string(class),
			"strategy": string(decision.Strategy),
		})
		log.Printf("step attempt failed job=%s step=%s attempt=%d class=%s strategy=%s", job.ID, step.ID, rec.Attempt, class, decision.Strategy)

		healLabels := map[string]string{
			"class":    string(class),
			"strategy": string(decision.Strategy),
		}
		switch decision.Strategy {
		case selfheal.StrategySoftReset:
			r.tel.Incr("worker.self_heal.triggered", healLabels)
			continue
		case selfheal.StrategyHardReset:
			if err := controller.ConsumeHardReset(); err != nil {
				r.tel.Incr("worker.self_heal.exhausted", healLabels)
				return 0, r.failJob(ctx, job.ID, msg, true)
			}
			r.tel.Incr("worker.self_heal.triggered", healLabels)
			if err := ws.Rebuild(ctx, r.checkpoints, job.ID, payload.Repo, si); err != nil {
				return 0, r.reportRebuildFailure(ctx, job.ID, err)
			}
			// The rebuilt tree gets a fresh local budget; the hard-reset cap
			// keeps the overall loop bounded.
			controller.BeginStep(step.ID, si)
			r.tel.Incr("worker.step.hard_reset", healLabels)
			continue
		case selfheal.StrategyQueueRetry:
			r.tel.Incr("worker.self_heal.exhausted", healLabels)
			return 0, r.failJob(ctx, job.ID, msg, true)
		default:
			if decision.Terminal {
				r.tel.Incr("worker.self_heal.exhausted", healLabels)
			}
			return 0, r.failJob(ctx, job.ID, msg, decision.Retryable)
		}
	}
}

// runAttempt executes the adapter under the watchdog. A tripped timer
// cancels the attempt's context, which kills the runtime process.
func (r *Runner) runAttempt(ctx context.Context, jobID string, step ResolvedStep, attempt int, workspaceDir, instructions string) (Result, selfheal.TimeoutCause, time.Duration, error) {
	wd := selfheal.NewWatchdog(r.healCfg.WallClockTimeout, r.healCfg.IdleTimeout)
	attemptCtx, cancelAttempt := context.WithCancel(ctx)
	defer cancelAttempt()

	var result Result
	var cause selfheal.TimeoutCause
	g := new(errgroup.Group)
	g.Go(func() error {
		res, err := r.adapter.Run(attemptCtx, Attempt{
			JobID:        jobID,
			Step:         step,
			Number:       attempt,
			WorkspaceDir: workspaceDir,
			Instructions: instructions,
			Pulse:        wd.Pulse,
		})
		result = res
		cancelAttempt()
		return err
	})
	g.Go(func() error {
		if c := wd.Watch(attemptCtx); c != selfheal.CauseNone {
			cause = c
			cancelAttempt()
		}
		return nil
	})
	err := g.Wait()
	if cause != selfheal.CauseNone {
		// The kill was ours, not a runtime defect.
		err = nil
		if result.Message == "" {
			result.Message = "step attempt timed out (" + string(cause) + ")"
		}
		if result.ExitCode == 0 {
			result.ExitCode = -1
		}
	}
	return result, cause, wd.IdleFor(), err
}

// waitForGo blocks while the job is paused or taken over, honors a pending
// cancel, and applies operator recovery requests. It returns a non-negative
// index when the operator moved execution to another step.
func (r *Runner) waitForGo(ctx context.Context, jobID string, steps []ResolvedStep, si int, controller *selfheal.Controller, ws *Workspace, payload JobPayload, hb *heartbeat.Monitor) (int, error) {
	for {
		if ctx.Err() != nil {
			return -1, ctx.Err()
		}
		c := hb.Control()
		if c.CancelRequested {
			if err := r.client.AckCancel(ctx, jobID, r.cfg.WorkerID); err != nil {
				log.Printf("ack cancel failed job=%s: %v", jobID, err)
			}
			r.tel.Incr("worker.job.cancelled", nil)
			return -1, ErrCancelled
		}
		if rec := c.Recovery; rec != nil {
			jump, err := r.applyRecovery(ctx, jobID, steps, si, controller, ws, payload, rec)
			if err != nil {
				return -1, err
			}
			if err := r.client.AckRecovery(ctx, jobID, r.cfg.WorkerID, rec.Action); err != nil {
				log.Printf("ack recovery failed job=%s action=%s: %v", jobID, rec.Action, err)
			}
			// Refresh the cached control state so the acked request is not
			// applied twice.
			_ = hb.RenewNow(ctx)
			if jump >= 0 {
				return jump, nil
			}
			continue
		}
		if c.Paused || c.Takeover {
			select {
			case <-ctx.Done():
				return -1, ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		return -1, nil
	}
}

func (r *Runner) applyRecovery(ctx context.Context, jobID string, steps []ResolvedStep, si int, controller *selfheal.Controller, ws *Workspace, payload JobPayload, rec *queueapi.RecoveryView) (int, error) {
	switch rec.Action {
	case queue.ActionRetryStep:
		controller.BeginStep(steps[si].ID, si)
		return -1, nil
	case queue.ActionHardResetStep:
		if err := ws.Rebuild(ctx, r.checkpoints, jobID, payload.Repo, si); err != nil {
			return -1, r.reportRebuildFailure(ctx, jobID, err)
		}
		controller.BeginStep(steps[si].ID, si)
		r.tel.Incr("worker.step.hard_reset", map[string]string{"strategy": string(selfheal.StrategyOperatorRequest)})
		return -1, nil
	case queue.ActionResumeFromStep:
		target := indexOfStep(steps, rec.StepID)
		if target < 0 {
			log.Printf("resume_from_step references unknown step %q job=%s", rec.StepID, jobID)
			return -1, nil
		}
		r.tel.Incr("worker.step.resume_from", nil)
		return target, nil
	default:
		log.Printf("ignoring unknown recovery action %q job=%s", rec.Action, jobID)
		return -1, nil
	}
}

func indexOfStep(steps []ResolvedStep, stepID string) int {
	for _, s := range steps {
		if s.ID == stepID {
			return s.Index
		}
	}
	return -1
}

func (r *Runner) reportRebuildFailure(ctx context.Context, jobID string, err error) error {
	var hm *checkpoint.HashMismatchError
	if errors.As(err, &hm) {
		return r.failJob(ctx, jobID, err.Error(), false)
	}
	return r.failJob(ctx, jobID, "workspace rebuild: "+err.Error(), true)
}

// publish writes the job's cumulative patch exactly once, archives the
// artifact tree when an object store is configured, and completes the job.
func (r *Runner) publish(ctx context.Context, jobID string, ws *Workspace, stepCount int) error {
	final, err := ws.FinalPatch(ctx)
	if err != nil {
		return r.failJob(ctx, jobID, err.Error(), true)
	}
	if _, err := r.checkpoints.SaveFinalPatch(jobID, final); err != nil {
		return r.failJob(ctx, jobID, "save final patch: "+err.Error(), true)
	}
	artifacts, err := r.checkpoints.JobPath(jobID)
	if err != nil {
		return r.failJob(ctx, jobID, err.Error(), false)
	}
	if r.archiver != nil {
		if n, err := r.archiver.ArchiveJob(ctx, jobID); err != nil {
			log.Printf("artifact archive failed job=%s: %v", jobID, err)
		} else {
			log.Printf("archived %d artifacts job=%s", n, jobID)
		}
	}
	summary := fmt.Sprintf("%d steps completed", stepCount)
	if err := r.client.Complete(ctx, jobID, queueapi.CompleteJobRequest{
		WorkerID:      r.cfg.WorkerID,
		Result:        summary,
		ArtifactsPath: artifacts,
	}); err != nil {
		return fmt.Errorf("report completion: %w", err)
	}
	r.tel.Incr("worker.job.completed", nil)
	return nil
}

func (r *Runner) failJob(ctx context.Context, jobID, message string, retryable bool) error {
	if err := r.client.Fail(ctx, jobID, queueapi.FailJobRequest{
		WorkerID:  r.cfg.WorkerID,
		Error:     message,
		Retryable: retryable,
	}); err != nil {
		log.Printf("report failure failed job=%s: %v", jobID, err)
	}
	r.tel.Incr("worker.job.failed", nil)
	return fmt.Errorf("job %s failed: %s", jobID, message)
}
