// Package jobs tracks asynchronous generation tasks through their
// lifecycle. The streaming service itself never touches the job table;
// Tracker adapts its callback surface onto job-state transitions.
package jobs

import (
	"context"
	"fmt"
	"time"
)

// Status is one lifecycle state of a generation job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusStreaming  Status = "streaming"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether s is a terminal state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// validTransitions encodes the allowed lifecycle edges.
var validTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusFailed, StatusCancelled},
	StatusProcessing: {StatusStreaming, StatusCompleted, StatusFailed, StatusCancelled},
	StatusStreaming:  {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Job is one persisted generation task.
type Job struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	SessionID      string    `json:"session_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Provider       string    `json:"provider"`
	Model          string    `json:"model"`
	Source         string    `json:"source,omitempty"`
	Status         Status    `json:"status"`
	PartialContent string    `json:"partial_content,omitempty"`
	ResponseData   string    `json:"response_data,omitempty"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Store defines persistence behaviour for jobs.
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	// SetStatus transitions the job. Implementations reject illegal
	// lifecycle edges.
	SetStatus(ctx context.Context, id string, status Status) error
	// AppendPartial appends delta to the job's partial content.
	AppendPartial(ctx context.Context, id, delta string) error
	// Complete marks the job completed with its final response data.
	Complete(ctx context.Context, id, responseData string) error
	// Fail marks the job failed (or cancelled) with an error message.
	Fail(ctx context.Context, id string, status Status, message string) error
	ListRecent(ctx context.Context, userID string, limit int) ([]Job, error)
	Close() error
}

// ErrInvalidTransition is returned by stores for illegal lifecycle edges.
type ErrInvalidTransition struct {
	From, To Status
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("jobs: invalid transition %s -> %s", e.From, e.To)
}
