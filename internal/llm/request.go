package llm

import "time"

// StreamRequest is the input to the streaming service.
type StreamRequest struct {
	Messages []Message `json:"messages"`
	ModelID  string    `json:"model_id"`
	Provider string    `json:"provider"`

	// Provenance, used for logging and job association only.
	UserID         string `json:"user_id,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Source         string `json:"source,omitempty"`

	// EnabledTools lists optional tool names requested by the caller.
	EnabledTools []string `json:"enabled_tools,omitempty"`

	// ResponseMode selects a vendor service tier when the model supports
	// it ("standard", "flex", "priority", "background").
	ResponseMode string `json:"response_mode,omitempty"`

	// Timeout overrides the adaptive timeout when non-zero.
	Timeout time.Duration `json:"timeout,omitempty"`

	// Generation parameters forwarded to the vendor when set.
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
}

// Usage reports token accounting for one completed stream.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// FinishData is delivered once when a stream completes successfully.
type FinishData struct {
	Text         string `json:"text"`
	Usage        Usage  `json:"usage"`
	FinishReason string `json:"finish_reason"`
}
