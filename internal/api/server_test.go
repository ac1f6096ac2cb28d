package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MoonLadderStudios/MoonMind-sub003/internal/queue"
	"github.com/MoonLadderStudios/MoonMind-sub003/internal/state"
	"github.com/MoonLadderStudios/MoonMind-sub003/pkg/queueapi"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	svc := queue.NewService(state.NewMemoryStore(), queue.Options{})
	ts := httptest.NewServer(NewServer(svc).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url, token string, payload, out any) int {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("encode request: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("X-AgentQ-Token", token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response from %s %s: %v", method, url, err)
		}
	}
	return resp.StatusCode
}

func submitJob(t *testing.T, ts *httptest.Server, token string) string {
	t.Helper()
	var resp queueapi.SubmitJobResponse
	code := doJSON(t, http.MethodPost, ts.URL+"/v1/jobs", token, queueapi.SubmitJobRequest{Type: "agent"}, &resp)
	if code != http.StatusAccepted {
		t.Fatalf("submit: status %d", code)
	}
	if resp.JobID == "" {
		t.Fatal("submit: empty job id")
	}
	return resp.JobID
}

func claimJob(t *testing.T, ts *httptest.Server, token, workerID string) queueapi.JobView {
	t.Helper()
	var resp queueapi.ClaimResponse
	code := doJSON(t, http.MethodPost, ts.URL+"/v1/queue/claim", token,
		queueapi.ClaimRequest{WorkerID: workerID, LeaseSeconds: 60}, &resp)
	if code != http.StatusOK {
		t.Fatalf("claim: status %d", code)
	}
	if resp.Job == nil {
		t.Fatal("claim: no job returned")
	}
	return *resp.Job
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	jobID := submitJob(t, ts, "")
	job := claimJob(t, ts, "", "w1")
	if job.ID != jobID || job.Status != state.StatusRunning {
		t.Fatalf("claimed job: %+v", job)
	}

	var hb queueapi.HeartbeatResponse
	code := doJSON(t, http.MethodPost, ts.URL+"/v1/queue/jobs/"+jobID+"/heartbeat", "",
		queueapi.HeartbeatRequest{WorkerID: "w1", LeaseSeconds: 120}, &hb)
	if code != http.StatusOK {
		t.Fatalf("heartbeat: status %d", code)
	}
	if hb.Job.ID != jobID {
		t.Fatalf("heartbeat job: %+v", hb.Job)
	}

	var done queueapi.JobView
	code = doJSON(t, http.MethodPost, ts.URL+"/v1/queue/jobs/"+jobID+"/complete", "",
		queueapi.CompleteJobRequest{WorkerID: "w1", Result: "2 steps completed"}, &done)
	if code != http.StatusOK {
		t.Fatalf("complete: status %d", code)
	}
	if done.Status != state.StatusSucceeded {
		t.Fatalf("completed job: %+v", done)
	}

	var fetched queueapi.JobView
	code = doJSON(t, http.MethodGet, ts.URL+"/v1/jobs/"+jobID, "", nil, &fetched)
	if code != http.StatusOK || fetched.Status != state.StatusSucceeded {
		t.Fatalf("get job: status=%d job=%+v", code, fetched)
	}

	var events queueapi.ListJobEventsResponse
	code = doJSON(t, http.MethodGet, ts.URL+"/v1/jobs/"+jobID+"/events", "", nil, &events)
	if code != http.StatusOK || len(events.Events) == 0 {
		t.Fatalf("events: status=%d n=%d", code, len(events.Events))
	}
}

func TestControlEndpoint(t *testing.T) {
	ts := newTestServer(t)
	jobID := submitJob(t, ts, "")
	claimJob(t, ts, "", "w1")

	var job queueapi.JobView
	code := doJSON(t, http.MethodPost, ts.URL+"/v1/jobs/"+jobID+"/control", "",
		queueapi.ControlRequest{Action: queue.ActionPause, Reason: "inspect"}, &job)
	if code != http.StatusOK {
		t.Fatalf("control: status %d", code)
	}
	if !job.LiveControl.Paused || job.LiveControl.Version != 1 {
		t.Fatalf("live control: %+v", job.LiveControl)
	}

	var events queueapi.ListControlEventsResponse
	code = doJSON(t, http.MethodGet, ts.URL+"/v1/jobs/"+jobID+"/control-events", "", nil, &events)
	if code != http.StatusOK || len(events.Events) != 1 {
		t.Fatalf("control events: status=%d n=%d", code, len(events.Events))
	}
	if events.Events[0].Action != queue.ActionPause {
		t.Fatalf("control event: %+v", events.Events[0])
	}
}

func TestErrorStatusMapping(t *testing.T) {
	ts := newTestServer(t)
	jobID := submitJob(t, ts, "")
	claimJob(t, ts, "", "w1")

	var errBody map[string]string

	// Validation errors map to 400.
	code := doJSON(t, http.MethodPost, ts.URL+"/v1/queue/claim", "",
		queueapi.ClaimRequest{WorkerID: "", LeaseSeconds: 60}, &errBody)
	if code != http.StatusBadRequest {
		t.Fatalf("validation: status %d", code)
	}

	// Unknown jobs map to 404.
	code = doJSON(t, http.MethodGet, ts.URL+"/v1/jobs/missing", "", nil, &errBody)
	if code != http.StatusNotFound {
		t.Fatalf("not found: status %d", code)
	}

	// Lease ownership violations map to 409.
	code = doJSON(t, http.MethodPost, ts.URL+"/v1/queue/jobs/"+jobID+"/complete", "",
		queueapi.CompleteJobRequest{WorkerID: "intruder", Result: "x"}, &errBody)
	if code != http.StatusConflict {
		t.Fatalf("ownership: status %d", code)
	}
	if errBody["error"] != fmt.Sprintf("Job %s is owned by w1", jobID) {
		t.Fatalf("ownership message: %q", errBody["error"])
	}

	// Transitions on a job in the wrong state map to 409.
	code = doJSON(t, http.MethodPost, ts.URL+"/v1/queue/jobs/"+jobID+"/complete", "",
		queueapi.CompleteJobRequest{WorkerID: "w1", Result: "done"}, nil)
	if code != http.StatusOK {
		t.Fatalf("complete: status %d", code)
	}
	code = doJSON(t, http.MethodPost, ts.URL+"/v1/queue/jobs/"+jobID+"/fail", "",
		queueapi.FailJobRequest{WorkerID: "w1", Error: "late"}, &errBody)
	if code != http.StatusConflict {
		t.Fatalf("state: status %d", code)
	}
}

func TestAuthScopes(t *testing.T) {
	t.Setenv("AGENTQ_API_TOKENS", "etok=enqueue,wtok=claim,ctok=control,atok=admin")
	ts := newTestServer(t)

	// No token at all.
	code := doJSON(t, http.MethodPost, ts.URL+"/v1/jobs", "", queueapi.SubmitJobRequest{Type: "agent"}, nil)
	if code != http.StatusUnauthorized {
		t.Fatalf("missing token: status %d", code)
	}

	// A claim token cannot enqueue.
	code = doJSON(t, http.MethodPost, ts.URL+"/v1/jobs", "wtok", queueapi.SubmitJobRequest{Type: "agent"}, nil)
	if code != http.StatusForbidden {
		t.Fatalf("scope mismatch: status %d", code)
	}

	jobID := submitJob(t, ts, "etok")

	// Control implies read.
	code = doJSON(t, http.MethodGet, ts.URL+"/v1/jobs/"+jobID, "ctok", nil, nil)
	if code != http.StatusOK {
		t.Fatalf("control-implies-read: status %d", code)
	}
	// An enqueue token does not get read.
	code = doJSON(t, http.MethodGet, ts.URL+"/v1/jobs/"+jobID, "etok", nil, nil)
	if code != http.StatusForbidden {
		t.Fatalf("enqueue token reading: status %d", code)
	}

	// Admin implies everything.
	code = doJSON(t, http.MethodGet, ts.URL+"/v1/jobs/"+jobID, "atok", nil, nil)
	if code != http.StatusOK {
		t.Fatalf("admin read: status %d", code)
	}
	code = doJSON(t, http.MethodGet, ts.URL+"/v1/admin/queue/dead-letter", "atok", nil, nil)
	if code != http.StatusOK {
		t.Fatalf("admin endpoint: status %d", code)
	}
	code = doJSON(t, http.MethodGet, ts.URL+"/v1/admin/queue/dead-letter", "ctok", nil, nil)
	if code != http.StatusForbidden {
		t.Fatalf("non-admin on admin endpoint: status %d", code)
	}

	// The same token is accepted via the Authorization header.
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/v1/jobs/"+jobID, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer atok")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("bearer request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bearer auth: status %d", resp.StatusCode)
	}
}

func TestSubmitRateLimit(t *testing.T) {
	t.Setenv("AGENTQ_SUBMIT_RATE_LIMIT_PER_MIN", "2")
	t.Setenv("AGENTQ_SUBMIT_GLOBAL_RATE_LIMIT_PER_MIN", "100")
	ts := newTestServer(t)

	for i := 0; i < 2; i++ {
		submitJob(t, ts, "")
	}
	code := doJSON(t, http.MethodPost, ts.URL+"/v1/jobs", "", queueapi.SubmitJobRequest{Type: "agent"}, nil)
	if code != http.StatusTooManyRequests {
		t.Fatalf("rate limit: status %d", code)
	}
}

func TestDeadLetterRequeueSafety(t *testing.T) {
	t.Setenv("AGENTQ_ADMIN_REQUEUE_MAX_BATCH", "3")
	t.Setenv("AGENTQ_ADMIN_REQUEUE_CONFIRM_THRESHOLD", "2")
	t.Setenv("AGENTQ_ADMIN_REQUEUE_CONFIRM_TOKEN", "really")
	ts := newTestServer(t)

	var errBody map[string]string

	// An empty id list is rejected before anything else.
	code := doJSON(t, http.MethodPost, ts.URL+"/v1/admin/queue/dead-letter", "",
		queueapi.RequeueDeadLettersRequest{JobIDs: []string{" ", ""}}, &errBody)
	if code != http.StatusBadRequest {
		t.Fatalf("empty ids: status %d", code)
	}

	// Oversized batches are rejected outright.
	code = doJSON(t, http.MethodPost, ts.URL+"/v1/admin/queue/dead-letter", "",
		queueapi.RequeueDeadLettersRequest{JobIDs: []string{"a", "b", "c", "d"}}, &errBody)
	if code != http.StatusBadRequest {
		t.Fatalf("max batch: status %d", code)
	}

	// Batches at or above the confirm threshold need the confirm token.
	code = doJSON(t, http.MethodPost, ts.URL+"/v1/admin/queue/dead-letter", "",
		queueapi.RequeueDeadLettersRequest{JobIDs: []string{"a", "b"}}, &errBody)
	if code != http.StatusForbidden {
		t.Fatalf("missing confirm token: status %d", code)
	}

	var dry queueapi.RequeueDeadLettersResponse
	code = doJSON(t, http.MethodPost, ts.URL+"/v1/admin/queue/dead-letter", "",
		queueapi.RequeueDeadLettersRequest{JobIDs: []string{"a", "b"}, DryRun: true, ConfirmToken: "really"}, &dry)
	if code != http.StatusOK {
		t.Fatalf("dry run: status %d", code)
	}
	if !dry.DryRun || dry.Requested != 2 || dry.Requeued != 0 {
		t.Fatalf("dry run response: %+v", dry)
	}

	// A single unknown id passes the gates and requeues nothing.
	var resp queueapi.RequeueDeadLettersResponse
	code = doJSON(t, http.MethodPost, ts.URL+"/v1/admin/queue/dead-letter", "",
		queueapi.RequeueDeadLettersRequest{JobIDs: []string{"ghost"}}, &resp)
	if code != http.StatusOK {
		t.Fatalf("requeue: status %d", code)
	}
	if resp.Requested != 1 || resp.Requeued != 0 {
		t.Fatalf("requeue response: %+v", resp)
	}
}

func TestSystemPause(t *testing.T) {
	ts := newTestServer(t)
	submitJob(t, ts, "")

	var sys queueapi.SystemStateView
	code := doJSON(t, http.MethodPost, ts.URL+"/v1/admin/system/pause", "",
		queueapi.SystemPauseRequest{Paused: true, Reason: "maintenance"}, &sys)
	if code != http.StatusOK || !sys.Paused {
		t.Fatalf("pause: status=%d state=%+v", code, sys)
	}

	var claim queueapi.ClaimResponse
	code = doJSON(t, http.MethodPost, ts.URL+"/v1/queue/claim", "",
		queueapi.ClaimRequest{WorkerID: "w1", LeaseSeconds: 60}, &claim)
	if code != http.StatusOK {
		t.Fatalf("claim: status %d", code)
	}
	if claim.Job != nil || !claim.SystemState.Paused {
		t.Fatalf("claim while paused: %+v", claim)
	}
}

func TestRequestLogIncludesStatus(t *testing.T) {
	ts := newTestServer(t)

	var buf bytes.Buffer
	prev := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(prev)

	code := doJSON(t, http.MethodGet, ts.URL+"/v1/jobs/ghost", "", nil, nil)
	if code != http.StatusNotFound {
		t.Fatalf("lookup: status %d", code)
	}

	logged := buf.String()
	if !strings.Contains(logged, "GET /v1/jobs/ghost 404") {
		t.Fatalf("request log missing resolved status: %q", logged)
	}
}
