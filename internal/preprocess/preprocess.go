// Package preprocess reduces caller-supplied messages to the canonical
// parts form every adapter expects.
package preprocess

import (
	"fmt"

	"github.com/streamkit/streamkit/internal/llm"
)

// Normalize returns a copy of msgs in which every message carries a
// non-empty Parts array and an empty Content string. Order is preserved,
// no message is dropped, and the operation is idempotent. Messages that
// carry neither form are rejected.
func Normalize(msgs []llm.Message) ([]llm.Message, error) {
	if len(msgs) == 0 {
		return nil, fmt.Errorf("preprocess: no messages provided")
	}
	out := make([]llm.Message, len(msgs))
	for i, msg := range msgs {
		if msg.IsEmpty() {
			return nil, fmt.Errorf("preprocess: message %d has no content", i)
		}
		norm := llm.Message{Role: msg.Role}
		switch {
		case len(msg.Parts) > 0:
			// Already canonical; pass through unchanged.
			norm.Parts = msg.Parts
		default:
			norm.Parts = []llm.ContentPart{{Type: "text", Text: msg.Content}}
		}
		out[i] = norm
	}
	return out, nil
}
