package streaming

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/streamkit/streamkit/internal/adapter"
	"github.com/streamkit/streamkit/internal/llm"
	"github.com/streamkit/streamkit/internal/resilience"
	"github.com/streamkit/streamkit/internal/streamerr"
)

// fakeAdapter scripts one adapter behaviour per call.
type fakeAdapter struct {
	name string
	caps adapter.Capabilities

	mu       sync.Mutex
	calls    int
	lastCfg  adapter.StreamConfig
	streamFn func(ctx context.Context, cfg adapter.StreamConfig) (<-chan adapter.StreamEvent, error)
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Capabilities(string) adapter.Capabilities { return f.caps }

func (f *fakeAdapter) Stream(ctx context.Context, cfg adapter.StreamConfig) (<-chan adapter.StreamEvent, error) {
	f.mu.Lock()
	f.calls++
	f.lastCfg = cfg
	f.mu.Unlock()
	return f.streamFn(ctx, cfg)
}

func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeFactory struct {
	adapters map[string]adapter.Adapter
}

func (f *fakeFactory) Create(name string) (adapter.Adapter, error) {
	if a, ok := f.adapters[name]; ok {
		return a, nil
	}
	return nil, streamerr.Newf(streamerr.KindConfiguration, name, "", "unknown provider %q", name)
}

func scripted(events ...adapter.StreamEvent) func(context.Context, adapter.StreamConfig) (<-chan adapter.StreamEvent, error) {
	return func(ctx context.Context, _ adapter.StreamConfig) (<-chan adapter.StreamEvent, error) {
		ch := make(chan adapter.StreamEvent, len(events))
		for _, ev := range events {
			ch <- ev
		}
		close(ch)
		return ch, nil
	}
}

func finishEvent(text string) adapter.StreamEvent {
	return adapter.StreamEvent{Finish: &llm.FinishData{
		Text:         text,
		Usage:        llm.Usage{PromptTokens: 3, CompletionTokens: 5, TotalTokens: 8},
		FinishReason: "stop",
	}}
}

func userReq(provider, model string) llm.StreamRequest {
	return llm.StreamRequest{
		Provider: provider,
		ModelID:  model,
		UserID:   "u1",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	}
}

// recorder captures the callback sequence of one stream.
type recorder struct {
	mu       sync.Mutex
	deltas   []string
	finish   *llm.FinishData
	err      error
	finishes int
	errors   int
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnProgress: func(delta string) {
			r.mu.Lock()
			r.deltas = append(r.deltas, delta)
			r.mu.Unlock()
		},
		OnFinish: func(data llm.FinishData) {
			r.mu.Lock()
			r.finish = &data
			r.finishes++
			r.mu.Unlock()
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.err = err
			r.errors++
			r.mu.Unlock()
		},
	}
}

func TestStreamDeliversDeltasInOrder(t *testing.T) {
	fa := &fakeAdapter{
		name: "openai",
		streamFn: scripted(
			adapter.StreamEvent{Delta: "Hel"},
			adapter.StreamEvent{Delta: "lo "},
			adapter.StreamEvent{Delta: "world"},
			finishEvent("Hello world"),
		),
	}
	svc := NewService(&fakeFactory{adapters: map[string]adapter.Adapter{"openai": fa}})

	rec := &recorder{}
	if err := svc.Stream(context.Background(), userReq("openai", "gpt-4o"), rec.callbacks()); err != nil {
		t.Fatalf("Stream: %v", err)
	}

	want := []string{"Hel", "lo ", "world"}
	if len(rec.deltas) != len(want) {
		t.Fatalf("deltas = %v", rec.deltas)
	}
	for i := range want {
		if rec.deltas[i] != want[i] {
			t.Fatalf("delta %d = %q, want %q", i, rec.deltas[i], want[i])
		}
	}
	if rec.finishes != 1 || rec.errors != 0 {
		t.Fatalf("terminal callbacks: finishes=%d errors=%d", rec.finishes, rec.errors)
	}
	if rec.finish.Text != "Hello world" || rec.finish.Usage.TotalTokens != 8 {
		t.Fatalf("finish data = %+v", rec.finish)
	}
}

func TestStreamUnknownProviderRejectsSynchronously(t *testing.T) {
	svc := NewService(&fakeFactory{adapters: map[string]adapter.Adapter{}})

	rec := &recorder{}
	err := svc.Stream(context.Background(), userReq("nope", "m"), rec.callbacks())
	if !errors.Is(err, streamerr.ErrConfiguration) {
		t.Fatalf("err = %v, want configuration kind", err)
	}
	if len(rec.deltas) != 0 || rec.finishes != 0 || rec.errors != 0 {
		t.Fatal("no callbacks may fire for a rejected request")
	}
}

func TestStreamEmptyMessagesRejected(t *testing.T) {
	svc := NewService(&fakeFactory{adapters: map[string]adapter.Adapter{}})
	err := svc.Stream(context.Background(), llm.StreamRequest{Provider: "openai", ModelID: "gpt-4o"}, Callbacks{})
	if !errors.Is(err, streamerr.ErrConfiguration) {
		t.Fatalf("err = %v, want configuration kind", err)
	}
}

func TestStreamCancellation(t *testing.T) {
	started := make(chan struct{})
	fa := &fakeAdapter{
		name: "openai",
		streamFn: func(ctx context.Context, _ adapter.StreamConfig) (<-chan adapter.StreamEvent, error) {
			ch := make(chan adapter.StreamEvent, 1)
			go func() {
				ch <- adapter.StreamEvent{Delta: "partial"}
				close(started)
				// Never send a terminal event; the orchestrator observes
				// the cancelled context.
				<-ctx.Done()
			}()
			return ch, nil
		},
	}
	svc := NewService(&fakeFactory{adapters: map[string]adapter.Adapter{"openai": fa}})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	rec := &recorder{}
	if err := svc.Stream(ctx, userReq("openai", "gpt-4o"), rec.callbacks()); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if rec.errors != 1 || rec.finishes != 0 {
		t.Fatalf("terminal callbacks: errors=%d finishes=%d", rec.errors, rec.finishes)
	}
	if !errors.Is(rec.err, streamerr.ErrCancelled) {
		t.Fatalf("error kind = %v, want cancelled", rec.err)
	}
}

func TestStreamTimeout(t *testing.T) {
	fa := &fakeAdapter{
		name: "openai",
		streamFn: func(ctx context.Context, _ adapter.StreamConfig) (<-chan adapter.StreamEvent, error) {
			ch := make(chan adapter.StreamEvent)
			go func() { <-ctx.Done() }()
			return ch, nil
		},
	}
	svc := NewService(&fakeFactory{adapters: map[string]adapter.Adapter{"openai": fa}})

	req := userReq("openai", "gpt-4o")
	req.Timeout = 30 * time.Millisecond

	rec := &recorder{}
	if err := svc.Stream(context.Background(), req, rec.callbacks()); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if !errors.Is(rec.err, streamerr.ErrTimeout) {
		t.Fatalf("error kind = %v, want timeout", rec.err)
	}
	if rec.finishes != 0 {
		t.Fatal("OnFinish must not fire after a timeout")
	}
}

func TestStreamCircuitBreakerIntegration(t *testing.T) {
	fa := &fakeAdapter{
		name: "openai",
		streamFn: func(context.Context, adapter.StreamConfig) (<-chan adapter.StreamEvent, error) {
			return nil, streamerr.Newf(streamerr.KindExternalService, "openai", "gpt-4o", "upstream 503")
		},
	}
	svc := NewService(
		&fakeFactory{adapters: map[string]adapter.Adapter{"openai": fa}},
		WithBreakerConfig(resilience.BreakerConfig{FailureThreshold: 3, RecoveryWindow: time.Hour}),
	)

	for i := 0; i < 3; i++ {
		rec := &recorder{}
		if err := svc.Stream(context.Background(), userReq("openai", "gpt-4o"), rec.callbacks()); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if !errors.Is(rec.err, streamerr.ErrExternalService) {
			t.Fatalf("call %d error kind = %v", i, rec.err)
		}
	}
	if fa.callCount() != 3 {
		t.Fatalf("adapter calls = %d, want 3", fa.callCount())
	}

	rec := &recorder{}
	if err := svc.Stream(context.Background(), userReq("openai", "gpt-4o"), rec.callbacks()); err != nil {
		t.Fatalf("rejected call: %v", err)
	}
	if !errors.Is(rec.err, streamerr.ErrCircuitOpen) {
		t.Fatalf("error kind = %v, want circuit open", rec.err)
	}
	if fa.callCount() != 3 {
		t.Fatal("adapter must not be invoked while the breaker is open")
	}
}

func TestStreamCancellationDoesNotTripBreaker(t *testing.T) {
	fa := &fakeAdapter{
		name: "openai",
		streamFn: func(ctx context.Context, _ adapter.StreamConfig) (<-chan adapter.StreamEvent, error) {
			return nil, context.Canceled
		},
	}
	svc := NewService(
		&fakeFactory{adapters: map[string]adapter.Adapter{"openai": fa}},
		WithBreakerConfig(resilience.BreakerConfig{FailureThreshold: 2, RecoveryWindow: time.Hour}),
	)

	for i := 0; i < 5; i++ {
		rec := &recorder{}
		svc.Stream(context.Background(), userReq("openai", "gpt-4o"), rec.callbacks())
		if !errors.Is(rec.err, streamerr.ErrCancelled) {
			t.Fatalf("call %d error kind = %v", i, rec.err)
		}
	}
	if fa.callCount() != 5 {
		t.Fatalf("adapter calls = %d, breaker must stay closed on cancellation", fa.callCount())
	}
}

func TestStreamChannelClosedWithoutTerminal(t *testing.T) {
	fa := &fakeAdapter{name: "openai", streamFn: scripted(adapter.StreamEvent{Delta: "half"})}
	svc := NewService(&fakeFactory{adapters: map[string]adapter.Adapter{"openai": fa}})

	rec := &recorder{}
	if err := svc.Stream(context.Background(), userReq("openai", "gpt-4o"), rec.callbacks()); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if !errors.Is(rec.err, streamerr.ErrExternalService) {
		t.Fatalf("error kind = %v, want external service", rec.err)
	}
	if rec.finishes != 0 {
		t.Fatal("no finish for a truncated stream")
	}
}

func TestStreamAppliesModelAliases(t *testing.T) {
	fa := &fakeAdapter{name: "openai", streamFn: scripted(finishEvent("ok"))}
	svc := NewService(
		&fakeFactory{adapters: map[string]adapter.Adapter{"openai": fa}},
		WithModelAliases(map[string]string{"gpt-latest": "gpt-4o"}),
	)

	rec := &recorder{}
	if err := svc.Stream(context.Background(), userReq("openai", "gpt-latest"), rec.callbacks()); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	fa.mu.Lock()
	got := fa.lastCfg.ModelID
	fa.mu.Unlock()
	if got != "gpt-4o" {
		t.Fatalf("dispatched model = %q, want alias target", got)
	}
}

func TestStreamErrorCarriesRequestID(t *testing.T) {
	fa := &fakeAdapter{
		name: "openai",
		streamFn: func(context.Context, adapter.StreamConfig) (<-chan adapter.StreamEvent, error) {
			return nil, streamerr.Newf(streamerr.KindExternalService, "openai", "gpt-4o", "boom")
		},
	}
	svc := NewService(&fakeFactory{adapters: map[string]adapter.Adapter{"openai": fa}})

	rec := &recorder{}
	if err := svc.Stream(context.Background(), userReq("openai", "gpt-4o"), rec.callbacks()); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	var serr *streamerr.Error
	if !errors.As(rec.err, &serr) {
		t.Fatalf("error type = %T", rec.err)
	}
	if serr.RequestID == "" {
		t.Fatal("request id must be stamped onto the error")
	}
}
