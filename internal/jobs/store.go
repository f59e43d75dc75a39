package jobs

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists jobs to the sqlite file named in spec §6, data/jobs.sqlite.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if necessary) the job queue database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("jobs: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: serialize writers per process
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	conversation_id TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	progress INTEGER NOT NULL DEFAULT 0,
	result TEXT,
	error TEXT,
	injected INTEGER NOT NULL DEFAULT 0,
	idempotency_key TEXT,
	run_after_ts INTEGER NOT NULL DEFAULT 0,
	timeout_seconds INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_type_idempotency ON jobs(type, idempotency_key);
CREATE INDEX IF NOT EXISTS idx_jobs_conversation ON jobs(conversation_id, injected);
CREATE INDEX IF NOT EXISTS idx_jobs_updated ON jobs(updated_at);
CREATE INDEX IF NOT EXISTS idx_jobs_run_after ON jobs(run_after_ts);
`)
	if err != nil {
		return fmt.Errorf("jobs: migrate: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// IdempotencyKey returns a stable hash of type + conversation_id + payload,
// used when the caller doesn't supply one explicitly.
func IdempotencyKey(jobType, conversationID string, payload json.RawMessage) string {
	h := sha256.New()
	h.Write([]byte(jobType))
	h.Write([]byte{0})
	h.Write([]byte(conversationID))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// FindReusable returns an existing job of jobType matching idempotencyKey that a new
// create should reuse instead of enqueueing a duplicate: any active
// queued|running job, or a succeeded job still within its type's result TTL.
func (s *Store) FindReusable(ctx context.Context, jobType, idempotencyKey string) (*Job, bool, error) {
	if idempotencyKey == "" {
		return nil, false, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+jobColumns+` FROM jobs WHERE type = ? AND idempotency_key = ? ORDER BY created_at DESC`, jobType, idempotencyKey)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, false, err
		}
		switch j.Status {
		case StatusQueued, StatusRunning:
			return j, true, nil
		case StatusSucceeded:
			ttl := resultTTLFor(jobType)
			if ttl > 0 && time.Since(j.UpdatedAt) <= ttl {
				return j, true, nil
			}
		}
	}
	return nil, false, rows.Err()
}

// Create inserts a new job in the queued state.
func (s *Store) Create(ctx context.Context, j *Job) error {
	now := time.Now().UTC()
	j.Status = StatusQueued
	j.CreatedAt, j.UpdatedAt = now, now
	if j.RunAfter.IsZero() {
		j.RunAfter = now
	}
	resultJSON, errJSON := marshalResult(j.Result)
	if errJSON != nil {
		return errJSON
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO jobs(id, type, conversation_id, payload, status, attempts, max_attempts, progress, result, error, injected, idempotency_key, run_after_ts, timeout_seconds, created_at, updated_at)
VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.Type, j.ConversationID, string(j.Payload), string(j.Status), j.Attempts, j.MaxAttempts, j.Progress,
		resultJSON, j.Error, boolToInt(j.Injected), j.IdempotencyKey, j.RunAfter.Unix(), j.TimeoutSeconds, j.CreatedAt.Unix(), j.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("jobs: create %s: %w", j.ID, err)
	}
	return nil
}

// Get loads one job by ID.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJobRow(row)
}

// ListRunnable returns queued jobs whose run_after_ts has elapsed, oldest first.
func (s *Store) ListRunnable(ctx context.Context, limit int) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+jobColumns+` FROM jobs WHERE status = ? AND run_after_ts <= ? ORDER BY created_at ASC LIMIT ?`,
		string(StatusQueued), time.Now().UTC().Unix(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// List returns jobs newest-first, optionally restricted to one status and/or
// one conversation, for the GET /jobs HTTP endpoint (spec §6).
func (s *Store) List(ctx context.Context, conversationID string, status Status, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	var args []any
	if conversationID != "" {
		query += ` AND conversation_id = ?`
		args = append(args, conversationID)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ClaimQueued performs the CAS transition queued -> running, returning
// claimed=false if another worker already took the job.
func (s *Store) ClaimQueued(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs SET status = ?, attempts = attempts + 1, updated_at = ? WHERE id = ? AND status = ?`,
		string(StatusRunning), time.Now().UTC().Unix(), id, string(StatusQueued))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Requeue transitions a running job back to queued with a new run_after_ts,
// used for retryable timeout/error outcomes.
func (s *Store) Requeue(ctx context.Context, id string, runAfter time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE jobs SET status = ?, run_after_ts = ?, updated_at = ? WHERE id = ?`,
		string(StatusQueued), runAfter.Unix(), time.Now().UTC().Unix(), id)
	return err
}

// Finish records a terminal outcome (succeeded or failed).
func (s *Store) Finish(ctx context.Context, id string, status Status, result *Result, errMsg string) error {
	resultJSON, err := marshalResult(result)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
UPDATE jobs SET status = ?, result = ?, error = ?, progress = 100, updated_at = ? WHERE id = ?`,
		string(status), resultJSON, errMsg, time.Now().UTC().Unix(), id)
	return err
}

// Cancel marks a job canceled if it isn't already in a terminal state.
func (s *Store) Cancel(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)`,
		string(StatusCanceled), time.Now().UTC().Unix(), id, string(StatusQueued), string(StatusRunning))
	return err
}

// SetProgress updates the progress percentage of a running job.
func (s *Store) SetProgress(ctx context.Context, id string, pct int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET progress = ?, updated_at = ? WHERE id = ?`, pct, time.Now().UTC().Unix(), id)
	return err
}

// RequeueAllRunning transitions every running job back to queued; called on
// startup for crash recovery per spec §4.6.
func (s *Store) RequeueAllRunning(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = ?, updated_at = ? WHERE status = ?`,
		string(StatusQueued), time.Now().UTC().Unix(), string(StatusRunning))
	return err
}

// FetchUninjected returns up to limit succeeded, not-yet-injected jobs for a
// conversation, oldest first, for result injection into the next turn's
// realtime context (spec §4.6 "Result injection").
func (s *Store) FetchUninjected(ctx context.Context, conversationID string, limit int) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+jobColumns+` FROM jobs WHERE conversation_id = ? AND status = ? AND injected = 0 ORDER BY created_at ASC LIMIT ?`,
		conversationID, string(StatusSucceeded), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// MarkInjected flags a job so it is never replayed into a later prompt.
func (s *Store) MarkInjected(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET injected = 1, updated_at = ? WHERE id = ?`, time.Now().UTC().Unix(), id)
	return err
}

const jobColumns = `id, type, conversation_id, payload, status, attempts, max_attempts, progress, result, error, injected, idempotency_key, run_after_ts, timeout_seconds, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(rs rowScanner) (*Job, error) {
	return scanJobRow(rs)
}

func scanJobRow(rs rowScanner) (*Job, error) {
	var j Job
	var payload, resultJSON, idempKey sql.NullString
	var errMsg sql.NullString
	var injected int
	var status string
	var runAfter, createdAt, updatedAt int64
	if err := rs.Scan(&j.ID, &j.Type, &j.ConversationID, &payload, &status, &j.Attempts, &j.MaxAttempts, &j.Progress,
		&resultJSON, &errMsg, &injected, &idempKey, &runAfter, &j.TimeoutSeconds, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	j.Status = Status(status)
	j.Payload = json.RawMessage(payload.String)
	j.Error = errMsg.String
	j.Injected = injected != 0
	j.IdempotencyKey = idempKey.String
	j.RunAfter = time.Unix(runAfter, 0).UTC()
	j.CreatedAt = time.Unix(createdAt, 0).UTC()
	j.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if resultJSON.Valid && resultJSON.String != "" {
		var r Result
		if err := json.Unmarshal([]byte(resultJSON.String), &r); err == nil {
			j.Result = &r
		}
	}
	return &j, nil
}

func marshalResult(r *Result) (any, error) {
	if r == nil {
		return nil, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("jobs: marshal result: %w", err)
	}
	return string(b), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
