package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MoonLadderStudios/MoonMind-sub003/internal/api"
	"github.com/MoonLadderStudios/MoonMind-sub003/internal/checkpoint"
	"github.com/MoonLadderStudios/MoonMind-sub003/internal/queue"
	"github.com/MoonLadderStudios/MoonMind-sub003/internal/selfheal"
	"github.com/MoonLadderStudios/MoonMind-sub003/internal/state"
	"github.com/MoonLadderStudios/MoonMind-sub003/pkg/queueapi"
	"github.com/MoonLadderStudios/MoonMind-sub003/worker/internal/config"
	"github.com/MoonLadderStudios/MoonMind-sub003/worker/internal/gateway"
)

// fakeAdapter scripts step outcomes and records every attempt it was asked
// to run.
type fakeAdapter struct {
	mu    sync.Mutex
	calls []Attempt
	run   func(ctx context.Context, a Attempt, call int) (Result, error)
}

func (f *fakeAdapter) Run(ctx context.Context, a Attempt) (Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, a)
	n := len(f.calls)
	f.mu.Unlock()
	a.Pulse()
	return f.run(ctx, a, n)
}

func (f *fakeAdapter) attempts() []Attempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Attempt(nil), f.calls...)
}

type fakeTelemetry struct {
	mu     sync.Mutex
	counts map[string]int
	labels map[string][]map[string]string
}

func (f *fakeTelemetry) Incr(name string, labels map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counts == nil {
		f.counts = map[string]int{}
		f.labels = map[string][]map[string]string{}
	}
	f.counts[name]++
	f.labels[name] = append(f.labels[name], labels)
}

func (f *fakeTelemetry) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[name]
}

func (f *fakeTelemetry) labelled(name string) []map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]string(nil), f.labels[name]...)
}

// runnerEnv wires a runner against a real gateway server backed by the
// in-memory store, with a throwaway git workspace and artifact tree.
type runnerEnv struct {
	t      *testing.T
	svc    *queue.Service
	store  *state.MemoryStore
	cps    *checkpoint.Store
	client *gateway.Client
	tel    *fakeTelemetry
	wsRoot string
}

func newRunnerEnv(t *testing.T) *runnerEnv {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	store := state.NewMemoryStore()
	svc := queue.NewService(store, queue.Options{RetryBackoff: 10 * time.Millisecond})
	ts := httptest.NewServer(api.NewServer(svc).Handler())
	t.Cleanup(ts.Close)
	cps, err := checkpoint.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("checkpoint store: %v", err)
	}
	return &runnerEnv{
		t:      t,
		svc:    svc,
		store:  store,
		cps:    cps,
		client: gateway.New(ts.URL, ""),
		tel:    &fakeTelemetry{},
		wsRoot: t.TempDir(),
	}
}

func (e *runnerEnv) newRunner(adapter Adapter, healCfg selfheal.Config) *Runner {
	cfg := config.Config{
		WorkerID:          "w1",
		LeaseSeconds:      60,
		HeartbeatInterval: 20 * time.Millisecond,
		WorkspaceRoot:     e.wsRoot,
	}
	return New(cfg, e.client, e.cps, nil, selfheal.NewDefaultClassifier(), healCfg, selfheal.NewRedactor(nil), adapter, e.tel)
}

func (e *runnerEnv) submit(payload JobPayload) string {
	e.t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		e.t.Fatalf("marshal payload: %v", err)
	}
	job, err := e.svc.Enqueue(context.Background(), queue.EnqueueParams{Type: "agent", Payload: string(raw)})
	if err != nil {
		e.t.Fatalf("enqueue: %v", err)
	}
	return job.ID
}

func (e *runnerEnv) claim() queueapi.JobView {
	e.t.Helper()
	resp, err := e.client.Claim(context.Background(), queueapi.ClaimRequest{WorkerID: "w1", LeaseSeconds: 60})
	if err != nil {
		e.t.Fatalf("claim: %v", err)
	}
	if resp.Job == nil {
		e.t.Fatal("claim returned no job")
	}
	return *resp.Job
}

func (e *runnerEnv) job(id string) state.JobRecord {
	e.t.Helper()
	rec, ok, err := e.store.GetJob(context.Background(), id)
	if err != nil || !ok {
		e.t.Fatalf("get job %s: ok=%v err=%v", id, ok, err)
	}
	return rec
}

// attemptRecords loads the persisted audit records for one step, oldest
// first.
func (e *runnerEnv) attemptRecords(jobID string, stepIndex int) []selfheal.AttemptRecord {
	e.t.Helper()
	jobPath, err := e.cps.JobPath(jobID)
	if err != nil {
		e.t.Fatalf("job path: %v", err)
	}
	pattern := filepath.Join(jobPath, "state", "self_heal", fmt.Sprintf("attempt-%04d-*.json", stepIndex))
	files, err := filepath.Glob(pattern)
	if err != nil {
		e.t.Fatalf("glob attempt records: %v", err)
	}
	sort.Strings(files)
	out := make([]selfheal.AttemptRecord, 0, len(files))
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			e.t.Fatalf("read %s: %v", f, err)
		}
		var rec selfheal.AttemptRecord
		if err := json.Unmarshal(b, &rec); err != nil {
			e.t.Fatalf("decode %s: %v", f, err)
		}
		out = append(out, rec)
	}
	return out
}

// writeWorkspaceFile is called from adapter goroutines, so it reports
// through Errorf rather than stopping the test.
func writeWorkspaceFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Errorf("write %s: %v", name, err)
	}
}

func generousHealConfig() selfheal.Config {
	return selfheal.Config{
		StepMaxAttempts:  3,
		WallClockTimeout: 30 * time.Second,
		IdleTimeout:      30 * time.Second,
		NoProgressLimit:  3,
		HardResetBudget:  1,
	}
}

func TestRunJobCompletesMultiStepWithRetries(t *testing.T) {
	env := newRunnerEnv(t)

	var mu sync.Mutex
	step2Failures := 0
	ad := &fakeAdapter{run: func(_ context.Context, a Attempt, _ int) (Result, error) {
		if a.Step.ID == "step-2" {
			mu.Lock()
			step2Failures++
			n := step2Failures
			mu.Unlock()
			if n <= 2 {
				return Result{ExitCode: 1, Message: fmt.Sprintf("dial tcp: connection refused (try %d)", n)}, nil
			}
		}
		writeWorkspaceFile(t, a.WorkspaceDir, a.Step.ID+".txt", a.Step.ID)
		return Result{Summary: a.Step.ID + " done"}, nil
	}}

	jobID := env.submit(JobPayload{
		Objective: "land the feature",
		Steps:     []StepSpec{{ID: "step-1"}, {ID: "step-2"}, {ID: "step-3"}},
	})
	job := env.claim()
	r := env.newRunner(ad, generousHealConfig())
	if err := r.RunJob(context.Background(), job); err != nil {
		t.Fatalf("run job: %v", err)
	}

	rec := env.job(jobID)
	if rec.Status != state.StatusSucceeded {
		t.Fatalf("job status %q, want succeeded: %+v", rec.Status, rec)
	}

	cps, err := env.cps.ListCheckpoints(jobID)
	if err != nil || len(cps) != 3 {
		t.Fatalf("checkpoints: %d err=%v", len(cps), err)
	}

	// One audit record per attempt: a single one for steps 1 and 3, three
	// for step 2.
	if got := env.attemptRecords(jobID, 0); len(got) != 1 {
		t.Fatalf("step 1 records: %d", len(got))
	}
	step2 := env.attemptRecords(jobID, 1)
	if len(step2) != 3 {
		t.Fatalf("step 2 records: %d, want 3", len(step2))
	}
	if step2[0].Succeeded || step2[1].Succeeded || !step2[2].Succeeded {
		t.Fatalf("step 2 outcomes: %+v", step2)
	}
	if step2[0].Strategy != selfheal.StrategySoftReset {
		t.Fatalf("first failure strategy %q", step2[0].Strategy)
	}

	if got := env.tel.count("worker.job.completed"); got != 1 {
		t.Fatalf("job completed %d times", got)
	}
	if got := env.tel.count("worker.job.failed"); got != 0 {
		t.Fatalf("job failed %d times", got)
	}
	triggered := env.tel.labelled("worker.self_heal.triggered")
	if len(triggered) != 2 {
		t.Fatalf("self heal triggered %d times: %v", len(triggered), triggered)
	}
	for _, labels := range triggered {
		if labels["class"] != string(selfheal.ClassTransientRuntime) || labels["strategy"] != string(selfheal.StrategySoftReset) {
			t.Fatalf("trigger labels: %v", labels)
		}
	}

	jobPath, _ := env.cps.JobPath(jobID)
	if _, err := os.Stat(filepath.Join(jobPath, "changes.patch")); err != nil {
		t.Fatalf("final patch missing: %v", err)
	}
}

func TestRunJobHardResetKeepsAttemptHistory(t *testing.T) {
	env := newRunnerEnv(t)

	ad := &fakeAdapter{}
	ad.run = func(_ context.Context, a Attempt, call int) (Result, error) {
		if call <= 2 {
			// The same wrong fix twice: identical diff, identical failure.
			writeWorkspaceFile(t, a.WorkspaceDir, "broken.txt", "does not fix it")
			return Result{ExitCode: 1, Hint: "test_failure", Message: "unit suite red"}, nil
		}
		writeWorkspaceFile(t, a.WorkspaceDir, "fixed.txt", "fixed")
		return Result{Summary: "fixed"}, nil
	}

	jobID := env.submit(JobPayload{Objective: "fix the suite", Steps: []StepSpec{{ID: "step-1"}}})
	job := env.claim()
	r := env.newRunner(ad, generousHealConfig())
	if err := r.RunJob(context.Background(), job); err != nil {
		t.Fatalf("run job: %v", err)
	}
	if rec := env.job(jobID); rec.Status != state.StatusSucceeded {
		t.Fatalf("job status %q: %+v", rec.Status, rec)
	}

	// Attempt numbering restarts after the rebuild, yet all three attempts
	// keep their own record file.
	records := env.attemptRecords(jobID, 0)
	if len(records) != 3 {
		t.Fatalf("attempt records: %d, want 3", len(records))
	}
	if records[0].Attempt != 1 || records[0].Sequence != 1 {
		t.Fatalf("first record: %+v", records[0])
	}
	if records[1].FailureClass != selfheal.ClassDeterministicRepo || records[1].Strategy != selfheal.StrategyHardReset {
		t.Fatalf("second record: %+v", records[1])
	}
	last := records[2]
	if !last.Succeeded || last.Attempt != 1 || last.Sequence != 3 {
		t.Fatalf("post-reset record: %+v", last)
	}

	if got := env.tel.count("worker.step.hard_reset"); got != 1 {
		t.Fatalf("hard reset count %d", got)
	}
	found := false
	for _, labels := range env.tel.labelled("worker.self_heal.triggered") {
		if labels["class"] == string(selfheal.ClassDeterministicRepo) && labels["strategy"] == string(selfheal.StrategyHardReset) {
			found = true
		}
	}
	if !found {
		t.Fatalf("no repo hard-reset trigger event: %v", env.tel.labelled("worker.self_heal.triggered"))
	}
}

func TestRunJobRepoFailurePersistsAfterHardReset(t *testing.T) {
	env := newRunnerEnv(t)

	// Every attempt makes the same doomed change and fails identically, so
	// the one hard reset gets spent and the class turns terminal.
	ad := &fakeAdapter{run: func(_ context.Context, a Attempt, _ int) (Result, error) {
		writeWorkspaceFile(t, a.WorkspaceDir, "broken.txt", "does not fix it")
		return Result{ExitCode: 1, Hint: "test_failure", Message: "unit suite red"}, nil
	}}

	jobID := env.submit(JobPayload{Objective: "unfixable"})
	job := env.claim()
	r := env.newRunner(ad, generousHealConfig())
	if err := r.RunJob(context.Background(), job); err == nil {
		t.Fatal("expected the job to fail")
	}

	rec := env.job(jobID)
	if rec.Status != state.StatusFailed || rec.Retryable {
		t.Fatalf("persistent repo failure must be terminal: %+v", rec)
	}

	// Soft reset, hard reset, soft reset, terminal: four attempts, each
	// with its own surviving record.
	records := env.attemptRecords(jobID, 0)
	if len(records) != 4 {
		t.Fatalf("attempt records: %d, want 4", len(records))
	}
	last := records[3]
	if last.FailureClass != selfheal.ClassDeterministicRepo || last.Strategy != selfheal.StrategyNone {
		t.Fatalf("final record: %+v", last)
	}
	exhausted := env.tel.labelled("worker.self_heal.exhausted")
	if len(exhausted) != 1 || exhausted[0]["class"] != string(selfheal.ClassDeterministicRepo) {
		t.Fatalf("exhausted events: %v", exhausted)
	}
}

func TestRunJobWallClockTimeoutSoftResets(t *testing.T) {
	env := newRunnerEnv(t)

	ad := &fakeAdapter{}
	ad.run = func(ctx context.Context, a Attempt, call int) (Result, error) {
		if call == 1 {
			<-ctx.Done()
			return Result{}, ctx.Err()
		}
		writeWorkspaceFile(t, a.WorkspaceDir, "done.txt", "done")
		return Result{Summary: "done"}, nil
	}

	cfg := generousHealConfig()
	cfg.WallClockTimeout = 200 * time.Millisecond
	cfg.IdleTimeout = 400 * time.Millisecond

	jobID := env.submit(JobPayload{Objective: "slow job"})
	job := env.claim()
	r := env.newRunner(ad, cfg)
	if err := r.RunJob(context.Background(), job); err != nil {
		t.Fatalf("run job: %v", err)
	}
	if rec := env.job(jobID); rec.Status != state.StatusSucceeded {
		t.Fatalf("job status %q: %+v", rec.Status, rec)
	}

	records := env.attemptRecords(jobID, 0)
	if len(records) != 2 {
		t.Fatalf("attempt records: %d, want 2", len(records))
	}
	if records[0].FailureClass != selfheal.ClassStuckNoProgress {
		t.Fatalf("timeout class %q: %+v", records[0].FailureClass, records[0])
	}
	if records[0].Strategy != selfheal.StrategySoftReset {
		t.Fatalf("timeout strategy %q", records[0].Strategy)
	}
	if !strings.Contains(records[0].FailureSignature, "wall_clock") {
		t.Fatalf("signature does not name the timeout: %q", records[0].FailureSignature)
	}
}

func TestRunJobPolicyFailureIsTerminal(t *testing.T) {
	env := newRunnerEnv(t)

	ad := &fakeAdapter{run: func(_ context.Context, _ Attempt, _ int) (Result, error) {
		return Result{ExitCode: 1, Hint: "policy", Message: "write outside sandbox denied"}, nil
	}}

	jobID := env.submit(JobPayload{Objective: "forbidden change"})
	job := env.claim()
	r := env.newRunner(ad, generousHealConfig())
	if err := r.RunJob(context.Background(), job); err == nil {
		t.Fatal("expected the job to fail")
	}

	rec := env.job(jobID)
	if rec.Status != state.StatusFailed || rec.Retryable {
		t.Fatalf("policy failure not terminal: %+v", rec)
	}
	if got := len(ad.attempts()); got != 1 {
		t.Fatalf("adapter ran %d times, want 1", got)
	}
	exhausted := env.tel.labelled("worker.self_heal.exhausted")
	if len(exhausted) != 1 || exhausted[0]["class"] != string(selfheal.ClassDeterministicPolicy) {
		t.Fatalf("exhausted events: %v", exhausted)
	}
}

func TestRunJobSurrendersToQueueWhenExhausted(t *testing.T) {
	env := newRunnerEnv(t)

	ad := &fakeAdapter{run: func(_ context.Context, _ Attempt, _ int) (Result, error) {
		return Result{ExitCode: 1, Message: "connection reset by peer"}, nil
	}}

	cfg := selfheal.Config{
		StepMaxAttempts:  1,
		WallClockTimeout: 30 * time.Second,
		IdleTimeout:      30 * time.Second,
		NoProgressLimit:  1,
		HardResetBudget:  0,
	}

	jobID := env.submit(JobPayload{Objective: "flaky environment"})
	job := env.claim()
	r := env.newRunner(ad, cfg)
	if err := r.RunJob(context.Background(), job); err == nil {
		t.Fatal("expected a queue retry error")
	}

	rec := env.job(jobID)
	if rec.Status != state.StatusQueued || rec.Attempt != 2 {
		t.Fatalf("job not surrendered to the queue: %+v", rec)
	}
	exhausted := env.tel.labelled("worker.self_heal.exhausted")
	if len(exhausted) != 1 || exhausted[0]["strategy"] != string(selfheal.StrategyQueueRetry) {
		t.Fatalf("exhausted events: %v", exhausted)
	}
}

func TestRunJobResumesFromCheckpoints(t *testing.T) {
	env := newRunnerEnv(t)

	first := &fakeAdapter{}
	first.run = func(_ context.Context, a Attempt, _ int) (Result, error) {
		if a.Step.ID == "step-2" {
			return Result{ExitCode: 1, Message: "connection reset by peer"}, nil
		}
		writeWorkspaceFile(t, a.WorkspaceDir, a.Step.ID+".txt", a.Step.ID)
		return Result{Summary: a.Step.ID + " done"}, nil
	}

	cfg := selfheal.Config{
		StepMaxAttempts:  1,
		WallClockTimeout: 30 * time.Second,
		IdleTimeout:      30 * time.Second,
		NoProgressLimit:  1,
		HardResetBudget:  0,
	}

	jobID := env.submit(JobPayload{
		Objective: "two stage change",
		Steps:     []StepSpec{{ID: "step-1"}, {ID: "step-2"}},
	})
	job := env.claim()
	if err := env.newRunner(first, cfg).RunJob(context.Background(), job); err == nil {
		t.Fatal("expected the first run to surrender")
	}
	if rec := env.job(jobID); rec.Status != state.StatusQueued {
		t.Fatalf("job not requeued: %+v", rec)
	}

	// Wait out the retry backoff, then resume on a worker whose workspace
	// starts empty. Step 1 must come back via its checkpoint, not rerun.
	time.Sleep(50 * time.Millisecond)
	env.wsRoot = t.TempDir()

	second := &fakeAdapter{}
	second.run = func(_ context.Context, a Attempt, _ int) (Result, error) {
		writeWorkspaceFile(t, a.WorkspaceDir, a.Step.ID+".txt", a.Step.ID)
		return Result{Summary: a.Step.ID + " done"}, nil
	}

	resumed := env.claim()
	if resumed.ID != jobID {
		t.Fatalf("claimed %s, want %s", resumed.ID, jobID)
	}
	if err := env.newRunner(second, cfg).RunJob(context.Background(), resumed); err != nil {
		t.Fatalf("resume run: %v", err)
	}

	if rec := env.job(jobID); rec.Status != state.StatusSucceeded {
		t.Fatalf("job status %q: %+v", rec.Status, rec)
	}
	calls := second.attempts()
	if len(calls) != 1 || calls[0].Step.ID != "step-2" {
		t.Fatalf("resume reran finished steps: %+v", calls)
	}
	cps, err := env.cps.ListCheckpoints(jobID)
	if err != nil || len(cps) != 2 {
		t.Fatalf("checkpoints after resume: %d err=%v", len(cps), err)
	}
	if got := env.tel.count("worker.job.completed"); got != 1 {
		t.Fatalf("job completed %d times", got)
	}
}
