// Package adapter defines the uniform interface every vendor adapter
// implements, plus the event type streamed back to the orchestrator.
package adapter

import (
	"context"
	"time"

	"github.com/streamkit/streamkit/internal/llm"
)

// Capabilities describes what a (provider, model) pair supports. Computed
// on demand from model-id pattern rules; no I/O.
type Capabilities struct {
	SupportsReasoning bool
	SupportsThinking  bool
	// Frontier marks the long-horizon reasoning models that get the
	// maximum adaptive timeout.
	Frontier          bool
	MaxThinkingTokens int
	// ResponseModes lists the vendor's supported service tiers, e.g.
	// "standard", "priority", "flex", "background".
	ResponseModes  []string
	TypicalLatency time.Duration
	MaxTimeout     time.Duration
}

// SupportsMode reports whether mode appears in ResponseModes.
func (c Capabilities) SupportsMode(mode string) bool {
	for _, m := range c.ResponseModes {
		if m == mode {
			return true
		}
	}
	return false
}

// StreamConfig carries one normalized request into an adapter. Messages
// are always in canonical parts form by the time an adapter sees them.
type StreamConfig struct {
	ModelID      string
	Messages     []llm.Message
	Temperature  *float64
	TopP         *float64
	MaxTokens    int
	Tools        []string
	ResponseMode string
	RequestID    string
}

// StreamEvent is one progressive event from a vendor stream. Exactly one
// field is set: Delta for an incremental text chunk, Finish for successful
// completion, Err for a terminal failure.
type StreamEvent struct {
	Delta  string
	Finish *llm.FinishData
	Err    error
}

// IsError reports whether this event carries a terminal error.
func (e StreamEvent) IsError() bool { return e.Err != nil }

// IsFinish reports whether this event carries the terminal finish data.
func (e StreamEvent) IsFinish() bool { return e.Finish != nil }

// Send delivers ev on ch unless ctx is done first. Reader goroutines route
// every channel write through it so an abandoned consumer cannot strand
// them on a full buffer.
func Send(ctx context.Context, ch chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Adapter is implemented once per vendor. Stream returns a channel that
// delivers deltas in vendor order, closed after the terminal Finish or Err
// event. Errors returned directly from Stream happened before any vendor
// call (credential or input problems).
type Adapter interface {
	Name() string
	Capabilities(modelID string) Capabilities
	Stream(ctx context.Context, cfg StreamConfig) (<-chan StreamEvent, error)
}
