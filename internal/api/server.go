package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MoonLadderStudios/MoonMind-sub003/internal/observability"
	"github.com/MoonLadderStudios/MoonMind-sub003/internal/queue"
	"github.com/MoonLadderStudios/MoonMind-sub003/internal/state"
	"github.com/MoonLadderStudios/MoonMind-sub003/pkg/queueapi"
)

type Server struct {
	svc     *queue.Service
	auth    *authorizer
	safety  *adminSafety
	limiter *submitLimiter
}

func NewServer(svc *queue.Service) *Server {
	return &Server{
		svc:     svc,
		auth:    newAuthorizerFromEnv(),
		safety:  newAdminSafetyFromEnv(),
		limiter: newSubmitLimiterFromEnv(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/metrics", s.handleMetrics)
	mux.HandleFunc("/v1/metrics/prometheus", s.handleMetricsPrometheus)
	mux.HandleFunc("/v1/jobs", s.handleJobs)
	mux.HandleFunc("/v1/jobs/", s.handleJobByID)
	mux.HandleFunc("/v1/queue/claim", s.handleClaim)
	mux.HandleFunc("/v1/queue/jobs/", s.handleQueueJob)
	mux.HandleFunc("/v1/system/state", s.handleSystemState)
	mux.HandleFunc("/v1/admin/system/pause", s.handleSystemPause)
	mux.HandleFunc("/v1/admin/queue/dead-letter", s.handleDeadLetterQueue)
	mux.HandleFunc("/v1/admin/control-events", s.handleGlobalControlEvents)
	return withTracing(withLogging(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScopes(w, r, scopeRead); !ok {
		return
	}
	writeJSON(w, http.StatusOK, observability.Default.Snapshot())
}

func (s *Server) handleMetricsPrometheus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScopes(w, r, scopeRead); !ok {
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(observability.Default.RenderPrometheus()))
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleEnqueue(w, r)
	case http.MethodGet:
		s.handleListJobs(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireScopes(w, r, scopeEnqueue)
	if !ok {
		return
	}
	if !s.limiter.allow(p.id, time.Now().UTC()) {
		writeError(w, http.StatusTooManyRequests, "submit rate limit exceeded")
		return
	}
	var req queueapi.SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	job, err := s.svc.Enqueue(r.Context(), queue.EnqueueParams{
		ID:                   req.ID,
		Type:                 req.Type,
		Priority:             req.Priority,
		Payload:              string(req.Payload),
		RequiredCapabilities: req.RequiredCapabilities,
		MaxAttempts:          req.MaxAttempts,
		Actor:                p.id,
	})
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, queueapi.SubmitJobResponse{JobID: job.ID})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireScopes(w, r, scopeRead); !ok {
		return
	}
	q := r.URL.Query()
	query := state.JobQuery{
		Status: strings.TrimSpace(q.Get("status")),
		Type:   strings.TrimSpace(q.Get("type")),
		Limit:  queryInt(q.Get("limit"), 100),
		Offset: queryInt(q.Get("offset"), 0),
	}
	jobs, err := s.svc.ListJobs(r.Context(), query)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	resp := queueapi.ListJobsResponse{Returned: len(jobs), Jobs: make([]queueapi.JobView, 0, len(jobs))}
	for _, job := range jobs {
		resp.Jobs = append(resp.Jobs, jobView(job))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleJobByID routes /v1/jobs/{id} and its subresources.
func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/jobs/")
	parts := strings.SplitN(rest, "/", 2)
	jobID := strings.TrimSpace(parts[0])
	if jobID == "" {
		writeError(w, http.StatusNotFound, "job id required")
		return
	}
	sub := ""
	if len(parts) == 2 {
		sub = strings.Trim(parts[1], "/")
	}
	switch sub {
	case "":
		s.handleGetJob(w, r, jobID)
	case "control":
		s.handleControl(w, r, jobID)
	case "events":
		s.handleJobEvents(w, r, jobID)
	case "control-events":
		s.handleJobControlEvents(w, r, jobID)
	case "messages":
		s.handleJobMessage(w, r, jobID)
	default:
		writeError(w, http.StatusNotFound, "unknown job subresource")
	}
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScopes(w, r, scopeRead); !ok {
		return
	}
	job, err := s.svc.GetJob(r.Context(), jobID)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobView(job))
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	p, ok := s.requireScopes(w, r, scopeControl)
	if !ok {
		return
	}
	var req queueapi.ControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ctx, span := observability.StartSpan(r.Context(), "api.job_control",
		attribute.String("job.id", jobID),
		attribute.String("control.action", req.Action),
	)
	defer span.End()
	job, err := s.svc.Control(ctx, jobID, queue.ControlParams{
		Action:   req.Action,
		StepID:   req.StepID,
		Strategy: req.Strategy,
		Reason:   req.Reason,
		Actor:    p.id,
	})
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobView(job))
}

func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScopes(w, r, scopeRead); !ok {
		return
	}
	events, err := s.svc.ListJobEvents(r.Context(), jobID, queryInt(r.URL.Query().Get("limit"), 100))
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, queueapi.ListJobEventsResponse{JobID: jobID, Events: jobEventViews(events)})
}

func (s *Server) handleJobControlEvents(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScopes(w, r, scopeRead); !ok {
		return
	}
	events, err := s.svc.ListControlEvents(r.Context(), jobID, queryInt(r.URL.Query().Get("limit"), 100))
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, queueapi.ListControlEventsResponse{JobID: jobID, Events: controlEventViews(events)})
}

func (s *Server) handleJobMessage(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	p, ok := s.requireScopes(w, r, scopeControl)
	if !ok {
		return
	}
	var req queueapi.OperatorMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	job, err := s.svc.AppendMessage(r.Context(), jobID, p.id, req.Text)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobView(job))
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScopes(w, r, scopeClaim); !ok {
		return
	}
	var req queueapi.ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	job, sys, err := s.svc.Claim(r.Context(), req.WorkerID, req.LeaseSeconds, req.AllowedTypes, req.Capabilities)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	resp := queueapi.ClaimResponse{SystemState: systemStateView(sys)}
	if job != nil {
		view := jobView(*job)
		resp.Job = &view
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleQueueJob routes the worker-facing /v1/queue/jobs/{id}/{action}
// endpoints. All of them require the claim scope and the job's lease.
func (s *Server) handleQueueJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScopes(w, r, scopeClaim); !ok {
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/queue/jobs/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" {
		writeError(w, http.StatusNotFound, "expected /v1/queue/jobs/{id}/{action}")
		return
	}
	jobID := strings.TrimSpace(parts[0])
	action := strings.Trim(parts[1], "/")

	switch action {
	case "heartbeat":
		var req queueapi.HeartbeatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		job, err := s.svc.Heartbeat(r.Context(), jobID, req.WorkerID, req.LeaseSeconds)
		if err != nil {
			writeQueueError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, queueapi.HeartbeatResponse{Job: jobView(job), LiveControl: controlView(job.Control)})
	case "complete":
		var req queueapi.CompleteJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		job, err := s.svc.Complete(r.Context(), jobID, req.WorkerID, req.Result, req.ArtifactsPath)
		if err != nil {
			writeQueueError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, jobView(job))
	case "fail":
		var req queueapi.FailJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		job, err := s.svc.Fail(r.Context(), jobID, req.WorkerID, req.Error, req.Retryable)
		if err != nil {
			writeQueueError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, jobView(job))
	case "ack-cancel":
		var req queueapi.AckCancelRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		job, err := s.svc.AckCancel(r.Context(), jobID, req.WorkerID)
		if err != nil {
			writeQueueError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, jobView(job))
	case "ack-recovery":
		var req queueapi.AckRecoveryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		job, err := s.svc.AckRecovery(r.Context(), jobID, req.WorkerID, req.Action)
		if err != nil {
			writeQueueError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, jobView(job))
	default:
		writeError(w, http.StatusNotFound, "unknown queue action")
	}
}

func (s *Server) handleSystemState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScopes(w, r, scopeRead); !ok {
		return
	}
	sys, err := s.svc.SystemState(r.Context())
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, systemStateView(sys))
}

func (s *Server) handleSystemPause(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	p, ok := s.requireScopes(w, r, scopeAdmin)
	if !ok {
		return
	}
	var req queueapi.SystemPauseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sys, err := s.svc.SetSystemPaused(r.Context(), req.Paused, p.id, req.Reason)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, systemStateView(sys))
}

func (s *Server) handleDeadLetterQueue(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if _, ok := s.requireScopes(w, r, scopeAdmin); !ok {
			return
		}
		jobs, err := s.svc.ListDeadLetterJobs(r.Context(), queryInt(r.URL.Query().Get("limit"), 100))
		if err != nil {
			writeQueueError(w, err)
			return
		}
		resp := queueapi.ListJobsResponse{Returned: len(jobs), Jobs: make([]queueapi.JobView, 0, len(jobs))}
		for _, job := range jobs {
			resp.Jobs = append(resp.Jobs, jobView(job))
		}
		writeJSON(w, http.StatusOK, resp)
	case http.MethodPost:
		s.handleRequeueDeadLetters(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleRequeueDeadLetters(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireScopes(w, r, scopeAdmin)
	if !ok {
		return
	}
	var req queueapi.RequeueDeadLettersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ids := make([]string, 0, len(req.JobIDs))
	for _, id := range req.JobIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "job_ids is required")
		return
	}
	if s.safety.maxBatch > 0 && len(ids) > s.safety.maxBatch {
		writeError(w, http.StatusBadRequest, "batch exceeds maximum size")
		return
	}
	if s.safety.confirmThreshold > 0 && len(ids) >= s.safety.confirmThreshold {
		if s.safety.confirmToken == "" || req.ConfirmToken != s.safety.confirmToken {
			writeError(w, http.StatusForbidden, "confirm token required for large batches")
			return
		}
	}
	if req.DryRun {
		writeJSON(w, http.StatusOK, queueapi.RequeueDeadLettersResponse{DryRun: true, Requested: len(ids)})
		return
	}
	if !s.safety.allowRequeue(time.Now().UTC()) {
		writeError(w, http.StatusTooManyRequests, "requeue rate limit exceeded")
		return
	}
	requeued, err := s.svc.RequeueDeadLetters(r.Context(), ids)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	log.Printf("dead-letter requeue actor=%s requested=%d requeued=%d", p.id, len(ids), requeued)
	writeJSON(w, http.StatusOK, queueapi.RequeueDeadLettersResponse{Requested: len(ids), Requeued: requeued})
}

func (s *Server) handleGlobalControlEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScopes(w, r, scopeAdmin); !ok {
		return
	}
	events, err := s.svc.ListControlEvents(r.Context(), "", queryInt(r.URL.Query().Get("limit"), 200))
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, queueapi.ListControlEventsResponse{Events: controlEventViews(events)})
}

func (s *Server) requireScopes(w http.ResponseWriter, r *http.Request, scopes ...string) (principal, bool) {
	p, code, msg := s.auth.authorize(r, scopes...)
	if code != http.StatusOK {
		writeError(w, code, msg)
		return principal{}, false
	}
	return p, true
}

func writeQueueError(w http.ResponseWriter, err error) {
	var ve *queue.ValidationError
	if errors.As(err, &ve) {
		writeError(w, http.StatusBadRequest, ve.Error())
		return
	}
	var nf *queue.NotFoundError
	if errors.As(err, &nf) {
		writeError(w, http.StatusNotFound, nf.Error())
		return
	}
	var oe *queue.OwnershipError
	if errors.As(err, &oe) {
		writeError(w, http.StatusConflict, oe.Error())
		return
	}
	var se *queue.StateError
	if errors.As(err, &se) {
		writeError(w, http.StatusConflict, se.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func queryInt(raw string, fallback int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sw, r)
		log.Printf("%s %s %d %s", r.Method, r.URL.Path, sw.status, time.Since(start).Round(time.Millisecond))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func withTracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := observability.StartSpan(r.Context(), "http.request",
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		)
		defer span.End()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		traceID := span.SpanContext().TraceID().String()
		if traceID != "" {
			sw.Header().Set("X-Trace-ID", traceID)
		}
		next.ServeHTTP(sw, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", sw.status))
	})
}
