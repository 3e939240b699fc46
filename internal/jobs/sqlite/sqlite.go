// Package sqlite implements jobs.Store backed by SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/streamkit/streamkit/internal/jobs"
)

// Store implements jobs.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite job store at the supplied path.
func New(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create jobs directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	session_id TEXT,
	conversation_id TEXT,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	source TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	partial_content TEXT NOT NULL DEFAULT '',
	response_data TEXT,
	error_message TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_jobs_user ON jobs(user_id, created_at DESC);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init jobs schema: %w", err)
	}
	return nil
}

// Create inserts a new job record.
func (s *Store) Create(ctx context.Context, job *jobs.Job) error {
	if job.Status == "" {
		job.Status = jobs.StatusPending
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO jobs (id, user_id, session_id, conversation_id, provider, model, source, status)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.UserID, job.SessionID, job.ConversationID, job.Provider, job.Model, job.Source, string(job.Status))
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// Get returns the job with the given id.
func (s *Store) Get(ctx context.Context, id string) (*jobs.Job, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, user_id, COALESCE(session_id, ''), COALESCE(conversation_id, ''), provider, model,
	COALESCE(source, ''), status, partial_content, COALESCE(response_data, ''),
	COALESCE(error_message, ''), created_at, updated_at
FROM jobs WHERE id = ?`, id)
	var job jobs.Job
	var status string
	err := row.Scan(&job.ID, &job.UserID, &job.SessionID, &job.ConversationID, &job.Provider,
		&job.Model, &job.Source, &status, &job.PartialContent, &job.ResponseData,
		&job.ErrorMessage, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	job.Status = jobs.Status(status)
	return &job, nil
}

// SetStatus transitions the job, rejecting illegal lifecycle edges.
func (s *Store) SetStatus(ctx context.Context, id string, status jobs.Status) error {
	return s.transition(ctx, id, status, `status = ?`, string(status))
}

// AppendPartial appends delta to the job's partial content.
func (s *Store) AppendPartial(ctx context.Context, id, delta string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs SET partial_content = partial_content || ?, updated_at = CURRENT_TIMESTAMP
WHERE id = ?`, delta, id)
	if err != nil {
		return fmt.Errorf("append partial: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s not found", id)
	}
	return nil
}

// Complete marks the job completed with its final response data.
func (s *Store) Complete(ctx context.Context, id, responseData string) error {
	return s.transition(ctx, id, jobs.StatusCompleted,
		`status = ?, response_data = ?`, string(jobs.StatusCompleted), responseData)
}

// Fail marks the job failed or cancelled with an error message.
func (s *Store) Fail(ctx context.Context, id string, status jobs.Status, message string) error {
	if status != jobs.StatusFailed && status != jobs.StatusCancelled {
		return fmt.Errorf("jobs: fail requires a failure status, got %s", status)
	}
	return s.transition(ctx, id, status,
		`status = ?, error_message = ?`, string(status), message)
}

// transition applies setClause after validating the lifecycle edge inside
// one transaction.
func (s *Store) transition(ctx context.Context, id string, to jobs.Status, setClause string, args ...any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("job %s not found", id)
	}
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	if !jobs.CanTransition(jobs.Status(current), to) {
		return &jobs.ErrInvalidTransition{From: jobs.Status(current), To: to}
	}

	query := `UPDATE jobs SET ` + setClause + `, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	if _, err := tx.ExecContext(ctx, query, append(args, id)...); err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return tx.Commit()
}

// ListRecent returns the most recent jobs for a user.
func (s *Store) ListRecent(ctx context.Context, userID string, limit int) ([]jobs.Job, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, COALESCE(session_id, ''), COALESCE(conversation_id, ''), provider, model,
	COALESCE(source, ''), status, partial_content, COALESCE(response_data, ''),
	COALESCE(error_message, ''), created_at, updated_at
FROM jobs WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []jobs.Job
	for rows.Next() {
		var job jobs.Job
		var status string
		if err := rows.Scan(&job.ID, &job.UserID, &job.SessionID, &job.ConversationID, &job.Provider,
			&job.Model, &job.Source, &status, &job.PartialContent, &job.ResponseData,
			&job.ErrorMessage, &job.CreatedAt, &job.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		job.Status = jobs.Status(status)
		out = append(out, job)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
