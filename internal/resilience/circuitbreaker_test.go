package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/streamkit/streamkit/internal/streamerr"
)

func vendorErr() error {
	return streamerr.Newf(streamerr.KindExternalService, "openai", "gpt-4o", "upstream 503")
}

func failN(t *testing.T, cb *CircuitBreaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := cb.Execute(func() error { return vendorErr() }); err == nil {
			t.Fatalf("failure %d: expected error", i)
		}
	}
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	cb := NewCircuitBreaker("openai", BreakerConfig{FailureThreshold: 5, RecoveryWindow: time.Minute})

	failN(t, cb, 4)
	if cb.IsOpen() {
		t.Fatal("breaker open after 4 failures, threshold is 5")
	}
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("call below threshold rejected: %v", err)
	}
	if cb.FailureCount() != 0 {
		t.Fatalf("success must reset the count, got %d", cb.FailureCount())
	}

	failN(t, cb, 5)
	if !cb.IsOpen() {
		t.Fatal("breaker should be open after 5 consecutive failures")
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if called {
		t.Fatal("fn must not run while the breaker is open")
	}
	if !errors.Is(err, streamerr.ErrCircuitOpen) {
		t.Fatalf("rejection kind = %v", err)
	}
}

func TestBreakerRecoveryProbe(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker("openai", BreakerConfig{FailureThreshold: 5, RecoveryWindow: time.Minute})
	cb.now = func() time.Time { return now }

	failN(t, cb, 5)
	if !cb.IsOpen() {
		t.Fatal("breaker should be open")
	}

	// Still inside the window: rejected without running fn.
	now = now.Add(59 * time.Second)
	if err := cb.Execute(func() error { return nil }); !errors.Is(err, streamerr.ErrCircuitOpen) {
		t.Fatalf("expected circuit-open inside window, got %v", err)
	}

	// Past the window the first call runs as the probe. A failing probe
	// refreshes the window.
	now = now.Add(2 * time.Second)
	if err := cb.Execute(func() error { return vendorErr() }); errors.Is(err, streamerr.ErrCircuitOpen) {
		t.Fatal("probe should have run, not been rejected")
	}
	if !cb.IsOpen() {
		t.Fatal("failed probe must leave the breaker open")
	}
	if err := cb.Execute(func() error { return nil }); !errors.Is(err, streamerr.ErrCircuitOpen) {
		t.Fatalf("window must be refreshed after failed probe, got %v", err)
	}

	// A successful probe closes the breaker.
	now = now.Add(61 * time.Second)
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("successful probe: %v", err)
	}
	if cb.IsOpen() {
		t.Fatal("successful probe must close the breaker")
	}
	if cb.FailureCount() != 0 {
		t.Fatalf("count after close = %d", cb.FailureCount())
	}
}

func TestBreakerIgnoresNonProviderFailures(t *testing.T) {
	cb := NewCircuitBreaker("openai", BreakerConfig{FailureThreshold: 2})

	benign := []error{
		streamerr.Newf(streamerr.KindCancelled, "openai", "", "caller gone"),
		streamerr.New(streamerr.KindCancelled, "openai", "", context.Canceled),
		streamerr.Newf(streamerr.KindRateLimit, "openai", "", "429"),
		streamerr.Newf(streamerr.KindModelNotFound, "openai", "", "404"),
		streamerr.Newf(streamerr.KindConfiguration, "openai", "", "no key"),
	}
	for _, be := range benign {
		for i := 0; i < 5; i++ {
			if err := cb.Execute(func() error { return be }); err == nil {
				t.Fatal("expected the error back")
			}
		}
		if cb.IsOpen() {
			t.Fatalf("breaker opened on %v", be)
		}
	}

	counted := []streamerr.Kind{streamerr.KindExternalService, streamerr.KindTimeout}
	for _, k := range counted {
		cb := NewCircuitBreaker("openai", BreakerConfig{FailureThreshold: 2})
		kind := k
		for i := 0; i < 2; i++ {
			cb.Execute(func() error { return streamerr.Newf(kind, "openai", "", "x") })
		}
		if !cb.IsOpen() {
			t.Fatalf("kind %s should trip the breaker", k)
		}
	}
}

func TestBreakerPassesErrorThrough(t *testing.T) {
	cb := NewCircuitBreaker("openai", BreakerConfig{})
	want := vendorErr()
	if got := cb.Execute(func() error { return want }); !errors.Is(got, want) {
		t.Fatalf("Execute rewrote the error: %v", got)
	}
}

func TestBreakerStats(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker("openai", BreakerConfig{FailureThreshold: 2, RecoveryWindow: time.Minute})
	cb.now = func() time.Time { return now }

	cb.Execute(func() error { return nil })
	failN(t, cb, 2)
	cb.Execute(func() error { return nil }) // rejected

	s, f, r := cb.Stats()
	if s != 1 || f != 2 || r != 1 {
		t.Fatalf("stats = %d/%d/%d, want 1/2/1", s, f, r)
	}
}

func TestRegistryIsolatesProviders(t *testing.T) {
	reg := NewRegistry(BreakerConfig{FailureThreshold: 1})

	openaiCB := reg.Get("openai")
	if reg.Get("OpenAI") != openaiCB {
		t.Fatal("provider names must be case-insensitive")
	}

	openaiCB.Execute(func() error { return vendorErr() })
	if !openaiCB.IsOpen() {
		t.Fatal("openai breaker should be open")
	}
	if reg.Get("google").IsOpen() {
		t.Fatal("google breaker must be unaffected")
	}
}
