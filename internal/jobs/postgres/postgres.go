// Package postgres implements jobs.Store backed by PostgreSQL via the pgx
// stdlib driver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/streamkit/streamkit/internal/jobs"
)

// Store implements jobs.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

// New connects to Postgres using the supplied DSN and ensures the schema.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
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
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
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
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
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
FROM jobs WHERE id = $1`, id)
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
	return s.transition(ctx, id, status, `status = $1`, string(status))
}

// AppendPartial appends delta to the job's partial content.
func (s *Store) AppendPartial(ctx context.Context, id, delta string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs SET partial_content = partial_content || $1, updated_at = now()
WHERE id = $2`, delta, id)
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
		`status = $1, response_data = $2`, string(jobs.StatusCompleted), responseData)
}

// Fail marks the job failed or cancelled with an error message.
func (s *Store) Fail(ctx context.Context, id string, status jobs.Status, message string) error {
	if status != jobs.StatusFailed && status != jobs.StatusCancelled {
		return fmt.Errorf("jobs: fail requires a failure status, got %s", status)
	}
	return s.transition(ctx, id, status,
		`status = $1, error_message = $2`, string(status), message)
}

// transition applies setClause after validating the lifecycle edge inside
// one transaction. The WHERE id placeholder is numbered after the set
// arguments.
func (s *Store) transition(ctx context.Context, id string, to jobs.Status, setClause string, args ...any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("job %s not found", id)
	}
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	if !jobs.CanTransition(jobs.Status(current), to) {
		return &jobs.ErrInvalidTransition{From: jobs.Status(current), To: to}
	}

	query := fmt.Sprintf(`UPDATE jobs SET %s, updated_at = now() WHERE id = $%d`, setClause, len(args)+1)
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
FROM jobs WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
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
