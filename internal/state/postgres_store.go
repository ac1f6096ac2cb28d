package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/MoonLadderStudios/MoonMind-sub003/db/migrations"
)

const claimBatchSize = 200

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if !hasSQLDriver("pgx") {
		return nil, errors.New("pgx SQL driver is not linked; import github.com/jackc/pgx/v5/stdlib")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	store := &PostgresStore{db: db}
	if err := store.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func hasSQLDriver(name string) bool {
	for _, d := range sql.Drivers() {
		if d == name {
			return true
		}
	}
	return false
}

func (p *PostgresStore) ensureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL)`); err != nil {
		return err
	}
	files, err := listMigrationFiles(migrations.Files)
	if err != nil {
		return err
	}
	for _, file := range files {
		applied, err := p.isMigrationApplied(ctx, file)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := p.applyMigration(ctx, file); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresStore) isMigrationApplied(ctx context.Context, version string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) applyMigration(ctx context.Context, file string) error {
	sqlBytes, err := migrations.Files.ReadFile(file)
	if err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
		return fmt.Errorf("apply migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`, file, time.Now().UTC()); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return nil
}

func listMigrationFiles(migFS fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(migFS, ".")
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

const jobColumns = `id, type, status, priority, payload, required_capabilities_json, attempt, max_attempts, retryable, claimed_by, lease_expires_at, next_attempt_at, result_summary, error_message, artifacts_path, control_json, messages_json, created_at, updated_at, started_at, finished_at`

func (p *PostgresStore) CreateJob(ctx context.Context, job JobRecord) error {
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
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		job.ID, job.Type, job.Status, job.Priority, job.Payload, caps, job.Attempt, job.MaxAttempts, job.Retryable,
		job.ClaimedBy, nullTime(job.LeaseExpiresAt), nullTime(job.NextAttemptAt), job.ResultSummary, job.ErrorMessage,
		job.ArtifactsPath, control, messages, job.CreatedAt, job.UpdatedAt, nullTime(job.StartedAt), nullTime(job.FinishedAt),
	)
	return err
}

func (p *PostgresStore) GetJob(ctx context.Context, jobID string) (JobRecord, bool, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return JobRecord{}, false, nil
	}
	if err != nil {
		return JobRecord{}, false, err
	}
	return j, true, nil
}

func (p *PostgresStore) UpdateJob(ctx context.Context, job JobRecord) error {
	job.UpdatedAt = time.Now().UTC()
	caps, control, messages, err := encodeJobDocs(job)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE jobs SET status=$2, priority=$3, payload=$4, required_capabilities_json=$5, attempt=$6, max_attempts=$7,
		 retryable=$8, claimed_by=$9, lease_expires_at=$10, next_attempt_at=$11, result_summary=$12, error_message=$13,
		 artifacts_path=$14, control_json=$15, messages_json=$16, updated_at=$17, started_at=$18, finished_at=$19
		 WHERE id=$1`,
		job.ID, job.Status, job.Priority, job.Payload, caps, job.Attempt, job.MaxAttempts,
		job.Retryable, job.ClaimedBy, nullTime(job.LeaseExpiresAt), nullTime(job.NextAttemptAt), job.ResultSummary, job.ErrorMessage,
		job.ArtifactsPath, control, messages, job.UpdatedAt, nullTime(job.StartedAt), nullTime(job.FinishedAt),
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

func (p *PostgresStore) ListJobs(ctx context.Context, query JobQuery) ([]JobRecord, error) {
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
	argi := 1
	if query.Status != "" {
		where = append(where, fmt.Sprintf("status=$%d", argi))
		args = append(args, query.Status)
		argi++
	}
	if query.Type != "" {
		where = append(where, fmt.Sprintf("type=$%d", argi))
		args = append(args, query.Type)
		argi++
	}
	args = append(args, limit, offset)
	sqlQuery := fmt.Sprintf(
		`SELECT `+jobColumns+` FROM jobs WHERE %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		strings.Join(where, " AND "), argi, argi+1,
	)
	rows, err := p.db.QueryContext(ctx, sqlQuery, args...)
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

// ClaimNextJob walks queued jobs in claim order with FOR UPDATE SKIP LOCKED
// so concurrent claimers settle on different rows instead of serializing.
// Capability eligibility cannot be expressed in the index scan, so rows are
// fetched in keyset batches and filtered before the first eligible one is
// transitioned.
func (p *PostgresStore) ClaimNextJob(ctx context.Context, params ClaimParams) (JobRecord, bool, error) {
	now := params.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return JobRecord{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	var cursor *JobRecord
	for {
		batch, err := p.claimCandidates(ctx, tx, params, now, cursor)
		if err != nil {
			return JobRecord{}, false, err
		}
		if len(batch) == 0 {
			return JobRecord{}, false, nil
		}
		for i := range batch {
			j := batch[i]
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
				`UPDATE jobs SET status=$2, claimed_by=$3, lease_expires_at=$4, started_at=COALESCE(started_at, $5), updated_at=$5
				 WHERE id=$1 AND status=$6`,
				j.ID, j.Status, j.ClaimedBy, j.LeaseExpiresAt, now, StatusQueued,
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
		last := batch[len(batch)-1]
		cursor = &last
	}
}

func (p *PostgresStore) claimCandidates(ctx context.Context, tx *sql.Tx, params ClaimParams, now time.Time, cursor *JobRecord) ([]JobRecord, error) {
	where := []string{"status=$1", "(next_attempt_at IS NULL OR next_attempt_at <= $2)"}
	args := []any{StatusQueued, now}
	argi := 3
	if len(params.AllowedTypes) > 0 {
		holes := make([]string, 0, len(params.AllowedTypes))
		for _, t := range params.AllowedTypes {
			holes = append(holes, fmt.Sprintf("$%d", argi))
			args = append(args, t)
			argi++
		}
		where = append(where, fmt.Sprintf("type IN (%s)", strings.Join(holes, ",")))
	}
	if cursor != nil {
		where = append(where, fmt.Sprintf(
			`(priority < $%d OR (priority = $%d AND (created_at > $%d OR (created_at = $%d AND id > $%d))))`,
			argi, argi, argi+1, argi+1, argi+2,
		))
		args = append(args, cursor.Priority, cursor.CreatedAt, cursor.ID)
		argi += 3
	}
	sqlQuery := fmt.Sprintf(
		`SELECT `+jobColumns+` FROM jobs WHERE %s
		 ORDER BY priority DESC, created_at ASC, id ASC
		 LIMIT %d
		 FOR UPDATE SKIP LOCKED`,
		strings.Join(where, " AND "), claimBatchSize,
	)
	rows, err := tx.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]JobRecord, 0, claimBatchSize)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (p *PostgresStore) RequeueExpired(ctx context.Context, now time.Time) ([]JobRecord, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status=$1 AND lease_expires_at IS NOT NULL AND lease_expires_at < $2
		 FOR UPDATE SKIP LOCKED`,
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
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status=$2, attempt=$3, retryable=$4, claimed_by='', lease_expires_at=NULL, error_message=$5, finished_at=$6, updated_at=$7
			 WHERE id=$1`,
			j.ID, j.Status, j.Attempt, j.Retryable, j.ErrorMessage, nullTime(j.FinishedAt), j.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *PostgresStore) AppendJobEvent(ctx context.Context, event JobEventRecord) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO job_events (job_id, kind, message, actor, created_at) VALUES ($1,$2,$3,$4,$5)`,
		event.JobID, event.Kind, event.Message, event.Actor, event.CreatedAt,
	)
	return err
}

func (p *PostgresStore) ListJobEvents(ctx context.Context, jobID string, limit int) ([]JobEventRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, job_id, kind, message, actor, created_at FROM job_events
		 WHERE job_id=$1 ORDER BY id ASC LIMIT $2`,
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

func (p *PostgresStore) AppendControlEvent(ctx context.Context, event ControlEventRecord) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	prevHash := ""
	_ = p.db.QueryRowContext(ctx, `SELECT event_hash FROM control_events ORDER BY id DESC LIMIT 1`).Scan(&prevHash)
	event.PrevHash = prevHash
	event.EventHash = computeControlHash(event)
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO control_events (job_id, action, step_id, strategy, reason, actor, payload_hash, prev_hash, event_hash, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		event.JobID, event.Action, event.StepID, event.Strategy, event.Reason, event.Actor, event.PayloadHash, event.PrevHash, event.EventHash, event.CreatedAt,
	)
	return err
}

func (p *PostgresStore) ListControlEvents(ctx context.Context, jobID string, limit int) ([]ControlEventRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	where := "1=1"
	args := []any{}
	argi := 1
	if jobID != "" {
		where = fmt.Sprintf("job_id=$%d", argi)
		args = append(args, jobID)
		argi++
	}
	args = append(args, limit)
	sqlQuery := fmt.Sprintf(
		`SELECT id, job_id, action, step_id, strategy, reason, actor, payload_hash, prev_hash, event_hash, created_at
		 FROM control_events WHERE %s ORDER BY id DESC LIMIT $%d`,
		where, argi,
	)
	rows, err := p.db.QueryContext(ctx, sqlQuery, args...)
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

func (p *PostgresStore) GetSystemState(ctx context.Context) (SystemState, error) {
	var s SystemState
	err := p.db.QueryRowContext(ctx,
		`SELECT paused, version, updated_by, reason, updated_at FROM system_state WHERE id=1`,
	).Scan(&s.Paused, &s.Version, &s.UpdatedBy, &s.Reason, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SystemState{}, nil
	}
	return s, err
}

func (p *PostgresStore) SetSystemPaused(ctx context.Context, paused bool, actor, reason string) (SystemState, error) {
	now := time.Now().UTC()
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO system_state (id, paused, version, updated_by, reason, updated_at)
		 VALUES (1, $1, 1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET
		 paused=EXCLUDED.paused,
		 version=system_state.version+1,
		 updated_by=EXCLUDED.updated_by,
		 reason=EXCLUDED.reason,
		 updated_at=EXCLUDED.updated_at`,
		paused, actor, reason, now,
	)
	if err != nil {
		return SystemState{}, err
	}
	return p.GetSystemState(ctx)
}

func (p *PostgresStore) ListDeadLetterJobs(ctx context.Context, limit int) ([]JobRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status=$1 ORDER BY finished_at ASC, id ASC LIMIT $2`,
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

func (p *PostgresStore) RequeueDeadLetters(ctx context.Context, jobIDs []string) (int, error) {
	moved := 0
	now := time.Now().UTC()
	for _, id := range jobIDs {
		res, err := p.db.ExecContext(ctx,
			`UPDATE jobs SET status=$2, attempt=1, retryable=FALSE, claimed_by='', lease_expires_at=NULL, next_attempt_at=NULL, finished_at=NULL, updated_at=$3
			 WHERE id=$1 AND status=$4`,
			id, StatusQueued, now, StatusDeadLetter,
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

func encodeJobDocs(job JobRecord) (caps, control, messages string, err error) {
	capsB, err := json.Marshal(job.RequiredCapabilities)
	if err != nil {
		return "", "", "", err
	}
	controlB, err := json.Marshal(job.Control)
	if err != nil {
		return "", "", "", err
	}
	messagesB, err := json.Marshal(job.Messages)
	if err != nil {
		return "", "", "", err
	}
	return string(capsB), string(controlB), string(messagesB), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (JobRecord, error) {
	var j JobRecord
	var capsJSON, controlJSON, messagesJSON string
	var leaseExpires, nextAttempt, startedAt, finishedAt sql.NullTime
	if err := s.Scan(
		&j.ID, &j.Type, &j.Status, &j.Priority, &j.Payload, &capsJSON, &j.Attempt, &j.MaxAttempts, &j.Retryable,
		&j.ClaimedBy, &leaseExpires, &nextAttempt, &j.ResultSummary, &j.ErrorMessage,
		&j.ArtifactsPath, &controlJSON, &messagesJSON, &j.CreatedAt, &j.UpdatedAt, &startedAt, &finishedAt,
	); err != nil {
		return JobRecord{}, err
	}
	if err := json.Unmarshal([]byte(capsJSON), &j.RequiredCapabilities); err != nil {
		return JobRecord{}, err
	}
	if err := json.Unmarshal([]byte(controlJSON), &j.Control); err != nil {
		return JobRecord{}, err
	}
	if err := json.Unmarshal([]byte(messagesJSON), &j.Messages); err != nil {
		return JobRecord{}, err
	}
	if leaseExpires.Valid {
		j.LeaseExpiresAt = leaseExpires.Time
	}
	if nextAttempt.Valid {
		j.NextAttemptAt = nextAttempt.Time
	}
	if startedAt.Valid {
		j.StartedAt = startedAt.Time
	}
	if finishedAt.Valid {
		j.FinishedAt = finishedAt.Time
	}
	return j, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
