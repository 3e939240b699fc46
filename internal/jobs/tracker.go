package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/streamkit/streamkit/internal/llm"
	"github.com/streamkit/streamkit/internal/streamerr"
)

// flushEvery bounds how much streamed text accumulates in memory before
// the partial content is persisted.
const flushEvery = 512

// Tracker maps one stream's callbacks onto job-state transitions. It is
// bound to a single job; create one per request.
type Tracker struct {
	store  Store
	logger *log.Logger

	mu      sync.Mutex
	job     *Job
	pending strings.Builder
}

// NewTracker creates the job record in pending state and returns a tracker
// bound to it.
func NewTracker(ctx context.Context, store Store, req llm.StreamRequest) (*Tracker, error) {
	job := &Job{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		SessionID:      req.SessionID,
		ConversationID: req.ConversationID,
		Provider:       req.Provider,
		Model:          req.ModelID,
		Source:         req.Source,
		Status:         StatusPending,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	if err := store.Create(ctx, job); err != nil {
		return nil, err
	}
	return &Tracker{
		store:  store,
		job:    job,
		logger: log.New(log.Writer(), "[jobs] ", log.LstdFlags|log.Lmicroseconds),
	}, nil
}

// SetLogger overrides the default logger; nil keeps the current logger.
func (t *Tracker) SetLogger(logger *log.Logger) {
	if logger != nil {
		t.logger = logger
	}
}

// JobID returns the bound job's id.
func (t *Tracker) JobID() string {
	return t.job.ID
}

// Start marks the job processing. Call it just before dispatching the
// stream.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.store.SetStatus(ctx, t.job.ID, StatusProcessing); err != nil {
		return err
	}
	t.job.Status = StatusProcessing
	return nil
}

// OnProgress records one delta. The first delta moves the job to
// streaming; content is persisted in batches.
func (t *Tracker) OnProgress(delta string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ctx := context.Background()
	if t.job.Status == StatusProcessing {
		if err := t.store.SetStatus(ctx, t.job.ID, StatusStreaming); err != nil {
			t.logger.Printf("job %s: set streaming: %v", t.job.ID, err)
		} else {
			t.job.Status = StatusStreaming
		}
	}
	t.pending.WriteString(delta)
	if t.pending.Len() >= flushEvery {
		t.flushLocked(ctx)
	}
}

// flushLocked persists accumulated partial content. Caller holds mu.
func (t *Tracker) flushLocked(ctx context.Context) {
	if t.pending.Len() == 0 {
		return
	}
	if err := t.store.AppendPartial(ctx, t.job.ID, t.pending.String()); err != nil {
		t.logger.Printf("job %s: append partial: %v", t.job.ID, err)
		return
	}
	t.pending.Reset()
}

// OnFinish marks the job completed with the final response data.
func (t *Tracker) OnFinish(data llm.FinishData) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ctx := context.Background()
	t.flushLocked(ctx)
	responseData := marshalFinish(data)
	if err := t.store.Complete(ctx, t.job.ID, responseData); err != nil {
		t.logger.Printf("job %s: complete: %v", t.job.ID, err)
		return
	}
	t.job.Status = StatusCompleted
}

// OnError marks the job failed, or cancelled when the stream was aborted
// by the caller. Partial content accumulated so far stays usable.
func (t *Tracker) OnError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ctx := context.Background()
	t.flushLocked(ctx)
	status := StatusFailed
	if isCancelled(err) {
		status = StatusCancelled
	}
	if serr := t.store.Fail(ctx, t.job.ID, status, err.Error()); serr != nil {
		t.logger.Printf("job %s: mark %s: %v", t.job.ID, status, serr)
		return
	}
	t.job.Status = status
}

func isCancelled(err error) bool {
	if streamerr.KindOf(err) == streamerr.KindCancelled {
		return true
	}
	return errors.Is(err, context.Canceled)
}

func marshalFinish(data llm.FinishData) string {
	// FinishData marshals cleanly; a failure here would be a programming
	// error, so fall back to the raw text.
	b, err := json.Marshal(data)
	if err != nil {
		return data.Text
	}
	return string(b)
}
