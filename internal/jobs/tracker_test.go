package jobs

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/streamkit/streamkit/internal/llm"
	"github.com/streamkit/streamkit/internal/streamerr"
)

// memStore is an in-memory Store that enforces lifecycle edges the way the
// SQL stores do.
type memStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[string]*Job)}
}

func (s *memStore) Create(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.jobs[id]
	return &cp, nil
}

func (s *memStore) SetStatus(_ context.Context, id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[id]
	if !CanTransition(j.Status, status) {
		return &ErrInvalidTransition{From: j.Status, To: status}
	}
	j.Status = status
	return nil
}

func (s *memStore) AppendPartial(_ context.Context, id, delta string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[id].PartialContent += delta
	return nil
}

func (s *memStore) Complete(_ context.Context, id, responseData string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[id]
	if !CanTransition(j.Status, StatusCompleted) {
		return &ErrInvalidTransition{From: j.Status, To: StatusCompleted}
	}
	j.Status = StatusCompleted
	j.ResponseData = responseData
	return nil
}

func (s *memStore) Fail(_ context.Context, id string, status Status, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[id]
	if !CanTransition(j.Status, status) {
		return &ErrInvalidTransition{From: j.Status, To: status}
	}
	j.Status = status
	j.ErrorMessage = message
	return nil
}

func (s *memStore) ListRecent(_ context.Context, userID string, limit int) ([]Job, error) {
	return nil, nil
}

func (s *memStore) Close() error { return nil }

func testReq() llm.StreamRequest {
	return llm.StreamRequest{
		Provider: "openai",
		ModelID:  "gpt-4o",
		UserID:   "u1",
		Source:   "test",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	}
}

func TestTrackerHappyPath(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()

	tr, err := NewTracker(ctx, store, testReq())
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	job, _ := store.Get(ctx, tr.JobID())
	if job.Status != StatusPending {
		t.Fatalf("initial status = %s", job.Status)
	}
	if job.Provider != "openai" || job.Model != "gpt-4o" || job.UserID != "u1" {
		t.Fatalf("job fields = %+v", job)
	}

	if err := tr.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	job, _ = store.Get(ctx, tr.JobID())
	if job.Status != StatusProcessing {
		t.Fatalf("status after start = %s", job.Status)
	}

	tr.OnProgress("Hello ")
	job, _ = store.Get(ctx, tr.JobID())
	if job.Status != StatusStreaming {
		t.Fatalf("first delta must move the job to streaming, got %s", job.Status)
	}

	tr.OnProgress("world")
	tr.OnFinish(llm.FinishData{Text: "Hello world", Usage: llm.Usage{TotalTokens: 8}, FinishReason: "stop"})

	job, _ = store.Get(ctx, tr.JobID())
	if job.Status != StatusCompleted {
		t.Fatalf("final status = %s", job.Status)
	}
	if job.PartialContent != "Hello world" {
		t.Fatalf("partial content = %q", job.PartialContent)
	}
	var data llm.FinishData
	if err := json.Unmarshal([]byte(job.ResponseData), &data); err != nil {
		t.Fatalf("response data not JSON: %v", err)
	}
	if data.Text != "Hello world" || data.Usage.TotalTokens != 8 {
		t.Fatalf("response data = %+v", data)
	}
}

func TestTrackerBatchesPartialFlushes(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	tr, _ := NewTracker(ctx, store, testReq())
	tr.Start(ctx)

	small := strings.Repeat("x", 100)
	tr.OnProgress(small)
	job, _ := store.Get(ctx, tr.JobID())
	if job.PartialContent != "" {
		t.Fatal("small deltas must not flush immediately")
	}

	tr.OnProgress(strings.Repeat("y", flushEvery))
	job, _ = store.Get(ctx, tr.JobID())
	if len(job.PartialContent) != 100+flushEvery {
		t.Fatalf("flushed %d bytes", len(job.PartialContent))
	}
}

func TestTrackerFailure(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	tr, _ := NewTracker(ctx, store, testReq())
	tr.Start(ctx)
	tr.OnProgress("partial ")

	tr.OnError(streamerr.Newf(streamerr.KindExternalService, "openai", "gpt-4o", "upstream 503"))

	job, _ := store.Get(ctx, tr.JobID())
	if job.Status != StatusFailed {
		t.Fatalf("status = %s", job.Status)
	}
	if job.PartialContent != "partial " {
		t.Fatalf("partial content lost: %q", job.PartialContent)
	}
	if !strings.Contains(job.ErrorMessage, "503") {
		t.Fatalf("error message = %q", job.ErrorMessage)
	}
}

func TestTrackerCancellation(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	tr, _ := NewTracker(ctx, store, testReq())
	tr.Start(ctx)

	tr.OnError(streamerr.Newf(streamerr.KindCancelled, "openai", "gpt-4o", "caller cancelled"))

	job, _ := store.Get(ctx, tr.JobID())
	if job.Status != StatusCancelled {
		t.Fatalf("status = %s, cancellation must not be recorded as failed", job.Status)
	}
}

func TestTrackerIsCancelled(t *testing.T) {
	if !isCancelled(context.Canceled) {
		t.Fatal("raw context.Canceled should count")
	}
	if isCancelled(context.DeadlineExceeded) {
		t.Fatal("deadline exceeded is a timeout, not cancellation")
	}
}
