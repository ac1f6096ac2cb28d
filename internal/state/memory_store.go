package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

type MemoryStore struct {
	mu            sync.Mutex
	jobs          map[string]JobRecord
	jobEvents     []JobEventRecord
	controlEvents []ControlEventRecord
	system        SystemState
	nextEventID   int64
	nextControlID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:          make(map[string]JobRecord),
		jobEvents:     make([]JobEventRecord, 0, 128),
		controlEvents: make([]ControlEventRecord, 0, 64),
		nextEventID:   1,
		nextControlID: 1,
	}
}

// cloneJob deep-copies the fields that alias backing storage so callers can
// never mutate a stored record through a returned copy.
func cloneJob(job JobRecord) JobRecord {
	out := job
	if job.RequiredCapabilities != nil {
		out.RequiredCapabilities = append([]string(nil), job.RequiredCapabilities...)
	}
	if job.Messages != nil {
		out.Messages = append([]OperatorMessage(nil), job.Messages...)
	}
	if job.Control.Recovery != nil {
		rec := *job.Control.Recovery
		out.Control.Recovery = &rec
	}
	return out
}

func (m *MemoryStore) CreateJob(_ context.Context, job JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = StatusQueued
	}
	if job.Attempt == 0 {
		job.Attempt = 1
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = 3
	}
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, jobID string) (JobRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	return cloneJob(job), ok, nil
}

func (m *MemoryStore) UpdateJob(_ context.Context, job JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job.UpdatedAt = time.Now().UTC()
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

func (m *MemoryStore) ListJobs(_ context.Context, query JobQuery) ([]JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	filtered := make([]JobRecord, 0, len(m.jobs))
	for _, j := range m.jobs {
		if query.Status != "" && j.Status != query.Status {
			continue
		}
		if query.Type != "" && j.Type != query.Type {
			continue
		}
		filtered = append(filtered, cloneJob(j))
	}
	sort.Slice(filtered, func(i, k int) bool {
		if !filtered[i].CreatedAt.Equal(filtered[k].CreatedAt) {
			return filtered[i].CreatedAt.After(filtered[k].CreatedAt)
		}
		return filtered[i].ID < filtered[k].ID
	})
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > len(filtered) {
		offset = len(filtered)
	}
	filtered = filtered[offset:]
	if query.Limit > 0 && query.Limit < len(filtered) {
		filtered = filtered[:query.Limit]
	}
	return filtered, nil
}

func capabilitySuperset(have, need []string) bool {
	if len(need) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, c := range have {
		set[c] = struct{}{}
	}
	for _, c := range need {
		if _, ok := set[c]; !ok {
			return false
		}
	}
	return true
}

func typeAllowed(allowed []string, jobType string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, t := range allowed {
		if t == jobType {
			return true
		}
	}
	return false
}

func (m *MemoryStore) ClaimNextJob(_ context.Context, params ClaimParams) (JobRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := params.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var best *JobRecord
	for id := range m.jobs {
		j := m.jobs[id]
		if j.Status != StatusQueued {
			continue
		}
		if !typeAllowed(params.AllowedTypes, j.Type) {
			continue
		}
		if !j.NextAttemptAt.IsZero() && j.NextAttemptAt.After(now) {
			continue
		}
		if !capabilitySuperset(params.Capabilities, j.RequiredCapabilities) {
			continue
		}
		if best == nil || claimOrderLess(j, *best) {
			copied := j
			best = &copied
		}
	}
	if best == nil {
		return JobRecord{}, false, nil
	}

	job := *best
	job.Status = StatusRunning
	job.ClaimedBy = params.WorkerID
	job.LeaseExpiresAt = now.Add(time.Duration(params.LeaseSeconds) * time.Second)
	if job.StartedAt.IsZero() {
		job.StartedAt = now
	}
	job.UpdatedAt = now
	m.jobs[job.ID] = cloneJob(job)
	return cloneJob(job), true, nil
}

// claimOrderLess orders candidates by priority descending, then creation
// time ascending, then id ascending.
func claimOrderLess(a, b JobRecord) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (m *MemoryStore) RequeueExpired(_ context.Context, now time.Time) ([]JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]JobRecord, 0)
	for id, j := range m.jobs {
		if j.Status != StatusRunning {
			continue
		}
		if j.LeaseExpiresAt.IsZero() || !j.LeaseExpiresAt.Before(now) {
			continue
		}
		if j.Attempt >= j.MaxAttempts {
			j.Status = StatusDeadLetter
			j.Retryable = false
			j.ErrorMessage = "Lease expired and max attempts reached before reclaim."
			j.FinishedAt = now
		} else {
			// Lease expiry is not a failure; the attempt count is untouched.
			j.Status = StatusQueued
		}
		j.ClaimedBy = ""
		j.LeaseExpiresAt = time.Time{}
		j.UpdatedAt = now
		m.jobs[id] = cloneJob(j)
		out = append(out, cloneJob(j))
	}
	return out, nil
}

func (m *MemoryStore) AppendJobEvent(_ context.Context, event JobEventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	event.ID = m.nextEventID
	m.nextEventID++
	m.jobEvents = append(m.jobEvents, event)
	return nil
}

func (m *MemoryStore) ListJobEvents(_ context.Context, jobID string, limit int) ([]JobEventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	out := make([]JobEventRecord, 0, limit)
	for _, e := range m.jobEvents {
		if e.JobID != jobID {
			continue
		}
		out = append(out, e)
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *MemoryStore) AppendControlEvent(_ context.Context, event ControlEventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if len(m.controlEvents) > 0 {
		event.PrevHash = m.controlEvents[len(m.controlEvents)-1].EventHash
	}
	event.EventHash = computeControlHash(event)
	event.ID = m.nextControlID
	m.nextControlID++
	m.controlEvents = append(m.controlEvents, event)
	return nil
}

func (m *MemoryStore) ListControlEvents(_ context.Context, jobID string, limit int) ([]ControlEventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	filtered := make([]ControlEventRecord, 0, limit)
	for _, e := range m.controlEvents {
		if jobID != "" && e.JobID != jobID {
			continue
		}
		filtered = append(filtered, e)
	}
	if len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	out := make([]ControlEventRecord, 0, len(filtered))
	// Newest first for operator-facing endpoint.
	for i := len(filtered) - 1; i >= 0; i-- {
		out = append(out, filtered[i])
	}
	return out, nil
}

func (m *MemoryStore) GetSystemState(_ context.Context) (SystemState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.system, nil
}

func (m *MemoryStore) SetSystemPaused(_ context.Context, paused bool, actor, reason string) (SystemState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.system.Paused = paused
	m.system.Version++
	m.system.UpdatedBy = actor
	m.system.Reason = reason
	m.system.UpdatedAt = time.Now().UTC()
	return m.system, nil
}

func (m *MemoryStore) ListDeadLetterJobs(_ context.Context, limit int) ([]JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	out := make([]JobRecord, 0, limit)
	for _, j := range m.jobs {
		if j.Status != StatusDeadLetter {
			continue
		}
		out = append(out, cloneJob(j))
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].FinishedAt.Equal(out[k].FinishedAt) {
			return out[i].FinishedAt.Before(out[k].FinishedAt)
		}
		return out[i].ID < out[k].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) RequeueDeadLetters(_ context.Context, jobIDs []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	moved := 0
	for _, id := range jobIDs {
		j, ok := m.jobs[id]
		if !ok || j.Status != StatusDeadLetter {
			continue
		}
		j.Status = StatusQueued
		j.Attempt = 1
		j.Retryable = false
		j.ClaimedBy = ""
		j.LeaseExpiresAt = time.Time{}
		j.NextAttemptAt = time.Time{}
		j.FinishedAt = time.Time{}
		j.UpdatedAt = now
		m.jobs[id] = cloneJob(j)
		moved++
	}
	return moved, nil
}

func computeControlHash(event ControlEventRecord) string {
	payload := map[string]any{
		"job_id":       event.JobID,
		"action":       event.Action,
		"step_id":      event.StepID,
		"strategy":     event.Strategy,
		"reason":       event.Reason,
		"actor":        event.Actor,
		"payload_hash": event.PayloadHash,
		"prev_hash":    event.PrevHash,
		"created_at":   event.CreatedAt.UnixNano(),
	}
	b, _ := json.Marshal(payload)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
