// Package runtime is the worker's outer loop: claim a job, run it, repeat.
package runtime

import (
	"context"
	"log"
	"time"

	"github.com/MoonLadderStudios/MoonMind-sub003/pkg/queueapi"
	"github.com/MoonLadderStudios/MoonMind-sub003/worker/internal/config"
	"github.com/MoonLadderStudios/MoonMind-sub003/worker/internal/gateway"
	"github.com/MoonLadderStudios/MoonMind-sub003/worker/internal/runner"
	"github.com/MoonLadderStudios/MoonMind-sub003/worker/internal/telemetry"
)

type Runtime struct {
	cfg    config.Config
	client *gateway.Client
	runner *runner.Runner
	tel    telemetry.Client
}

func New(cfg config.Config, client *gateway.Client, r *runner.Runner, tel telemetry.Client) *Runtime {
	return &Runtime{cfg: cfg, client: client, runner: r, tel: tel}
}

func (r *Runtime) Run(ctx context.Context) error {
	t := time.NewTicker(r.cfg.PollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := r.pollAndRun(ctx); err != nil && ctx.Err() == nil {
				log.Printf("poll failed: %v", err)
			}
		}
	}
}

func (r *Runtime) pollAndRun(ctx context.Context) error {
	resp, err := r.client.Claim(ctx, queueapi.ClaimRequest{
		WorkerID:     r.cfg.WorkerID,
		LeaseSeconds: r.cfg.LeaseSeconds,
		AllowedTypes: r.cfg.AllowedJobTypes,
		Capabilities: r.cfg.Capabilities,
	})
	if err != nil {
		return err
	}
	if resp.SystemState.Paused {
		return nil
	}
	if resp.Job == nil {
		return nil
	}
	job := *resp.Job
	r.tel.Incr("worker.job.claimed", nil)
	log.Printf("claimed job=%s type=%s attempt=%d", job.ID, job.Type, job.Attempt)
	if err := r.runner.RunJob(ctx, job); err != nil && ctx.Err() == nil {
		log.Printf("job finished with failure job=%s: %v", job.ID, err)
	}
	return nil
}
