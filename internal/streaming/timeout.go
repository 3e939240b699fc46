package streaming

import (
	"time"

	"github.com/streamkit/streamkit/internal/adapter"
)

// Adaptive timeout tiers. The caller's explicit timeout always wins;
// otherwise the tier follows the model's capability class.
const (
	BaseTimeout      = 30 * time.Second
	ReasoningTimeout = 60 * time.Second
	ThinkingTimeout  = 120 * time.Second
	FrontierTimeout  = 300 * time.Second
)

// latencyMultiplier derives a default timeout from a model's typical
// latency when no capability tier applies.
const latencyMultiplier = 10

// computeTimeout selects the per-request timeout. Frontier reasoning
// models get the longest window, then thinking models, then other
// reasoning models, then the base tier (or a typical-latency-derived
// default when the metadata suggests a slower model).
func (s *Service) computeTimeout(override time.Duration, modelID string, caps adapter.Capabilities) time.Duration {
	if override > 0 {
		return override
	}

	var timeout time.Duration
	switch {
	case caps.SupportsReasoning && caps.Frontier:
		timeout = FrontierTimeout
	case caps.SupportsThinking:
		timeout = ThinkingTimeout
	case caps.SupportsReasoning:
		timeout = ReasoningTimeout
	default:
		timeout = BaseTimeout
		typical := caps.TypicalLatency
		if s.meta != nil {
			if t, ok := s.meta.TypicalLatency(modelID); ok {
				typical = t
			}
		}
		if derived := typical * latencyMultiplier; derived > timeout {
			timeout = derived
		}
	}

	// Clamp to the adapter's declared ceiling, or the metadata override
	// when one exists.
	maxTimeout := caps.MaxTimeout
	if s.meta != nil {
		if m, ok := s.meta.MaxTimeout(modelID); ok {
			maxTimeout = m
		}
	}
	if maxTimeout > 0 && timeout > maxTimeout {
		timeout = maxTimeout
	}
	return timeout
}
