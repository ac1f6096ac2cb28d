package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLiteStore backs single-node and development deployments. The connection
// pool is capped at one so every transaction serializes; the claim contract
// holds without row locks.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if !hasSQLDriver("sqlite") {
		return nil, errors.New("sqlite SQL driver is not linked; import modernc.org/sqlite")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	store := &SQLiteStore{db: db}
	if err := store.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'queued',
			priority INTEGER NOT NULL DEFAULT 0,
			payload TEXT NOT NULL DEFAULT '{}',
			required_capabilities_json TEXT NOT NULL DEFAULT '[]',
			attempt INTEGER NOT NULL DEFAULT 1,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			retryable INTEGER NOT NULL DEFAULT 0,
			claimed_by TEXT NOT NULL DEFAULT '',
			lease_expires_at TIMESTAMP,
			next_attempt_at TIMESTAMP,
			result_summary TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			artifacts_path TEXT NOT NULL DEFAULT '',
			control_json TEXT NOT NULL DEFAULT '{"version":0,"paused":false,"takeover":false,"cancelRequested":false}',
			messages_json TEXT NOT NULL DEFAULT '[]',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			finished_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_claim_order ON jobs (status, priority DESC, created_at ASC, id ASC)`,
		`CREATE TABLE IF NOT EXISTS job_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			actor TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS control_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL,
			action TEXT NOT NULL,
			step_id TEXT NOT NULL DEFAULT '',
			strategy TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			actor TEXT NOT NULL DEFAULT '',
			payload_hash TEXT NOT NULL DEFAULT '',
			prev_hash TEXT NOT NULL DEFAULT '',
			event_hash TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS system_state (
			id INTEGER PRIMARY KEY,
			paused INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 0,
			updated_by TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) CreateJob(ctx context.Context, job JobRecord) error {
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
	caps, control, messages, err := encodeJobDocs(job)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		job.ID, job.Type, job.Status, job.Priority, job.Payload, caps, job.Attempt, job.MaxAttempts, job.Retryable,
		job.ClaimedBy, nullTime(job.LeaseExpiresAt), nullTime(job.NextAttemptAt), job.ResultSummary, job.ErrorMessage,
		job.ArtifactsPath, control, messages, job.CreatedAt, job.UpdatedAt, nullTime(job.StartedAt), nullTime(job.FinishedAt),
	)
	return err
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (JobRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return JobRecord{}, false, nil
	}
	if err != nil {
		return JobRecord{}, false, err
	}
	return j, true, nil
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, job JobRecord) error {
	job.UpdatedAt = time.Now().UTC()
	caps, control, messages, err := encodeJobDocs(job)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status=?, priority=?, payload=?, required_capabilities_json=?, attempt=?, max_attempts=?,
		 retryable=?, claimed_by=?, lease_expires_at=?, next_attempt_at=?, result_summary=?, error_message=?,
		 artifacts_path=?, control_json=?, messages_json=?, updated_at=?, started_at=?, finished_at=?
		 WHERE id=?`,
		job.Status, job.Priority, job.Payload, caps, job.Attempt, job.MaxAttempts,
		job.Retryable, job.ClaimedBy, nullTime(job.LeaseExpiresAt), nullTime(job.NextAttemptAt), job.ResultSummary, job.ErrorMessage,
		job.ArtifactsPath, control, messages, job.UpdatedAt, nullTime(job.StartedAt), nullTime(job.FinishedAt), job.ID,
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("job %s not found", job.ID)
	}
	return nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, query JobQuery) ([]JobRecord, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}
	where := []string{"1=1"}
	args := make([]any, 0, 4)
	if query.Status != "" {
		where = append(where, "status=?")
		args = append(args, query.Status)
	}
	if query.Type != "" {
		where = append(where, "type=?")
		args = append(args, query.Type)
	}
	args = append(args, limit, offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE `+strings.Join(where, " AND ")+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]JobRecord, 0, limit)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ClaimNextJob(ctx context.Context, params ClaimParams) (JobRecord, bool, error) {
	now := params.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return JobRecord{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	where := []string{"status=?", "(next_attempt_at IS NULL OR next_attempt_at <= ?)"}
	args := []any{StatusQueued, now}
	if len(params.AllowedTypes) > 0 {
		holes := make([]string, len(params.AllowedTypes))
		for i, t := range params.AllowedTypes {
			holes[i] = "?"
			args = append(args, t)
		}
		where = append(where, "type IN ("+strings.Join(holes, ",")+")")
	}
	rows, err := tx.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE `+strings.Join(where, " AND ")+`
		 ORDER BY priority DESC, created_at ASC, id ASC LIMIT `+fmt.Sprintf("%d", claimBatchSize),
		args...,
	)
	if err != nil {
		return JobRecord{}, false, err
	}
	candidates := make([]JobRecord, 0, claimBatchSize)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return JobRecord{}, false, err
		}
		candidates = append(candidates, j)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return JobRecord{}, false, err
	}
	rows.Close()

	for i := range candidates {
		j := candidates[i]
		if !capabilitySuperset(params.Capabilities, j.RequiredCapabilities) {
			continue
		}
		j.Status = StatusRunning
		j.ClaimedBy = params.WorkerID
		j.LeaseExpiresAt = now.Add(time.Duration(params.LeaseSeconds) * time.Second)
		if j.StartedAt.IsZero() {
			j.StartedAt = now
		}
		j.UpdatedAt = now
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status=?, claimed_by=?, lease_expires_at=?, started_at=COALESCE(started_at, ?), updated_at=?
			 WHERE id=? AND status=?`,
			j.Status, j.ClaimedBy, j.LeaseExpiresAt, now, now, j.ID, StatusQueued,
		)
		if err != nil {
			return JobRecord{}, false, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return JobRecord{}, false, err
		}
		if n != 1 {
			continue
		}
		if err := tx.Commit(); err != nil {
			return JobRecord{}, false, err
		}
		return j, true, nil
	}
	return JobRecord{}, false, nil
}

func (s *SQLiteStore) RequeueExpired(ctx context.Context, now time.Time) ([]JobRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status=? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?`,
		StatusRunning, now,
	)
	if err != nil {
		return nil, err
	}
	expired := make([]JobRecord, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		expired = append(expired, j)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	out := make([]JobRecord, 0, len(expired))
	for i := range expired {
		j := expired[i]
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
		if _, err := s.db.ExecContext(ctx,
			`UPDATE jobs SET status=?, attempt=?, retryable=?, claimed_by='', lease_expires_at=NULL, error_message=?, finished_at=?, updated_at=?
			 WHERE id=? AND status=?`,
			j.Status, j.Attempt, j.Retryable, j.ErrorMessage, nullTime(j.FinishedAt), j.UpdatedAt, j.ID, StatusRunning,
		); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

func (s *SQLiteStore) AppendJobEvent(ctx context.Context, event JobEventRecord) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_events (job_id, kind, message, actor, created_at) VALUES (?,?,?,?,?)`,
		event.JobID, event.Kind, event.Message, event.Actor, event.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) ListJobEvents(ctx context.Context, jobID string, limit int) ([]JobEventRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, kind, message, actor, created_at FROM job_events WHERE job_id=? ORDER BY id ASC LIMIT ?`,
		jobID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]JobEventRecord, 0, limit)
	for rows.Next() {
		var e JobEventRecord
		if err := rows.Scan(&e.ID, &e.JobID, &e.Kind, &e.Message, &e.Actor, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendControlEvent(ctx context.Context, event ControlEventRecord) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	prevHash := ""
	_ = s.db.QueryRowContext(ctx, `SELECT event_hash FROM control_events ORDER BY id DESC LIMIT 1`).Scan(&prevHash)
	event.PrevHash = prevHash
	event.EventHash = computeControlHash(event)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO control_events (job_id, action, step_id, strategy, reason, actor, payload_hash, prev_hash, event_hash, created_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?)`,
		event.JobID, event.Action, event.StepID, event.Strategy, event.Reason, event.Actor, event.PayloadHash, event.PrevHash, event.EventHash, event.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) ListControlEvents(ctx context.Context, jobID string, limit int) ([]ControlEventRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	where := "1=1"
	args := []any{}
	if jobID != "" {
		where = "job_id=?"
		args = append(args, jobID)
	}
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, action, step_id, strategy, reason, actor, payload_hash, prev_hash, event_hash, created_at
		 FROM control_events WHERE `+where+` ORDER BY id DESC LIMIT ?`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]ControlEventRecord, 0, limit)
	for rows.Next() {
		var e ControlEventRecord
		if err := rows.Scan(&e.ID, &e.JobID, &e.Action, &e.StepID, &e.Strategy, &e.Reason, &e.Actor, &e.PayloadHash, &e.PrevHash, &e.EventHash, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetSystemState(ctx context.Context) (SystemState, error) {
	var st SystemState
	err := s.db.QueryRowContext(ctx,
		`SELECT paused, version, updated_by, reason, updated_at FROM system_state WHERE id=1`,
	).Scan(&st.Paused, &st.Version, &st.UpdatedBy, &st.Reason, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SystemState{}, nil
	}
	return st, err
}

func (s *SQLiteStore) SetSystemPaused(ctx context.Context, paused bool, actor, reason string) (SystemState, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO system_state (id, paused, version, updated_by, reason, updated_at)
		 VALUES (1, ?, 1, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		 paused=excluded.paused,
		 version=system_state.version+1,
		 updated_by=excluded.updated_by,
		 reason=excluded.reason,
		 updated_at=excluded.updated_at`,
		paused, actor, reason, now,
	)
	if err != nil {
		return SystemState{}, err
	}
	return s.GetSystemState(ctx)
}

func (s *SQLiteStore) ListDeadLetterJobs(ctx context.Context, limit int) ([]JobRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status=? ORDER BY finished_at ASC, id ASC LIMIT ?`,
		StatusDeadLetter, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]JobRecord, 0, limit)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RequeueDeadLetters(ctx context.Context, jobIDs []string) (int, error) {
	moved := 0
	now := time.Now().UTC()
	for _, id := range jobIDs {
		res, err := s.db.ExecContext(ctx,
			`UPDATE jobs SET status=?, attempt=1, retryable=0, claimed_by='', lease_expires_at=NULL, next_attempt_at=NULL, finished_at=NULL, updated_at=?
			 WHERE id=? AND status=?`,
			StatusQueued, now, id, StatusDeadLetter,
		)
		if err != nil {
			return moved, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return moved, err
		}
		moved += int(n)
	}
	return moved, nil
}
