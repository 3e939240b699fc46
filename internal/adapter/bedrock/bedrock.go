// Package bedrock implements the adapter for Claude models served through
// Amazon Bedrock. It speaks the Claude messages dialect over the Bedrock
// runtime streaming endpoint.
package bedrock

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/streamkit/streamkit/internal/adapter"
	"github.com/streamkit/streamkit/internal/llm"
	"github.com/streamkit/streamkit/internal/settings"
	"github.com/streamkit/streamkit/internal/streamerr"
)

// Ensure BedrockAdapter implements Adapter.
var _ adapter.Adapter = (*BedrockAdapter)(nil)

const (
	providerName     = "amazon-bedrock"
	anthropicVersion = "bedrock-2023-05-31"
	defaultMaxTokens = 4096
)

// BedrockAdapter streams Claude completions from the Bedrock runtime.
type BedrockAdapter struct {
	settings   settings.Provider
	baseURL    string
	httpClient *http.Client
}

// Config holds configuration for the Bedrock adapter.
type Config struct {
	Settings   settings.Provider
	BaseURL    string // optional, defaults to the us-east-1 runtime endpoint
	Region     string // optional, used when BaseURL is unset
	HTTPClient *http.Client
}

// New creates a BedrockAdapter instance.
func New(cfg Config) (*BedrockAdapter, error) {
	if cfg.Settings == nil {
		return nil, errors.New("bedrock: settings provider required")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		region := strings.TrimSpace(cfg.Region)
		if region == "" {
			region = "us-east-1"
		}
		baseURL = fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", region)
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	return &BedrockAdapter{
		settings:   cfg.Settings,
		baseURL:    baseURL,
		httpClient: client,
	}, nil
}

// Name implements Adapter.
func (a *BedrockAdapter) Name() string { return providerName }

// Capabilities classifies a Claude model id. Thinking budgets follow the
// model generation.
func (a *BedrockAdapter) Capabilities(modelID string) adapter.Capabilities {
	id := strings.ToLower(mapModelName(modelID))
	caps := adapter.Capabilities{
		ResponseModes:  []string{"standard"},
		TypicalLatency: 3 * time.Second,
		MaxTimeout:     15 * time.Minute,
	}
	switch {
	case strings.Contains(id, "claude-3-7"),
		strings.Contains(id, "claude-sonnet-4"),
		strings.Contains(id, "claude-opus-4"):
		caps.SupportsThinking = true
		caps.MaxThinkingTokens = 16384
	case strings.Contains(id, "claude-3-5"):
		caps.SupportsThinking = true
		caps.MaxThinkingTokens = 8192
	}
	return caps
}

// legacy short aliases to fully qualified Bedrock model ids.
var modelAliases = map[string]string{
	"claude":               "anthropic.claude-3-opus-20240229-v1:0",
	"claude-3":             "anthropic.claude-3-opus-20240229-v1:0",
	"claude-sonnet":        "anthropic.claude-3-5-sonnet-20241022-v2:0",
	"claude-3-sonnet":      "anthropic.claude-3-5-sonnet-20241022-v2:0",
	"claude-3-5-sonnet":    "anthropic.claude-3-5-sonnet-20240620-v1:0",
	"claude-3-5-sonnet-v2": "anthropic.claude-3-5-sonnet-20241022-v2:0",
	"claude-haiku":         "anthropic.claude-3-5-haiku-20241022-v1:0",
	"claude-3-haiku":       "anthropic.claude-3-5-haiku-20241022-v1:0",
	"claude-3-7-sonnet":    "anthropic.claude-3-7-sonnet-20250219-v1:0",
}

// mapModelName resolves short aliases to fully qualified Bedrock ids.
// Already qualified ids pass through unchanged.
func mapModelName(model string) string {
	id := strings.ToLower(strings.TrimSpace(model))
	if mapped, ok := modelAliases[id]; ok {
		return mapped
	}
	return id
}

// resolveCredential prefers the compute role's ambient token when running
// inside managed compute, and otherwise requires an explicit key from the
// settings provider.
func (a *BedrockAdapter) resolveCredential(ctx context.Context) (string, error) {
	if runningWithComputeRole() {
		if token := os.Getenv("AWS_BEARER_TOKEN_BEDROCK"); token != "" {
			return token, nil
		}
	}
	return a.settings.GetAPIKey(ctx, providerName)
}

func runningWithComputeRole() bool {
	for _, env := range []string{
		"AWS_CONTAINER_CREDENTIALS_RELATIVE_URI",
		"AWS_CONTAINER_CREDENTIALS_FULL_URI",
		"AWS_EXECUTION_ENV",
	} {
		if os.Getenv(env) != "" {
			return true
		}
	}
	return false
}

// Stream sends a streaming invoke request and converts Claude SSE events
// into StreamEvents.
func (a *BedrockAdapter) Stream(ctx context.Context, cfg adapter.StreamConfig) (<-chan adapter.StreamEvent, error) {
	if len(cfg.Messages) == 0 {
		return nil, streamerr.Newf(streamerr.KindConfiguration, providerName, cfg.ModelID, "no messages provided")
	}

	credential, err := a.resolveCredential(ctx)
	if err != nil {
		return nil, err
	}

	model := mapModelName(cfg.ModelID)
	messages, systemPrompt := convertMessages(cfg.Messages)

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	payload := map[string]interface{}{
		"anthropic_version": anthropicVersion,
		"messages":          messages,
		"max_tokens":        maxTokens,
	}
	if systemPrompt != "" {
		payload["system"] = systemPrompt
	}
	if cfg.Temperature != nil {
		payload["temperature"] = *cfg.Temperature
	}
	if cfg.TopP != nil {
		payload["top_p"] = *cfg.TopP
	}
	if caps := a.Capabilities(cfg.ModelID); caps.SupportsThinking && caps.MaxThinkingTokens > 0 {
		payload["thinking"] = map[string]interface{}{
			"type":          "enabled",
			"budget_tokens": caps.MaxThinkingTokens,
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("bedrock: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/model/%s/invoke-with-response-stream", a.baseURL, model)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("bedrock: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+credential)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, streamerr.New(streamerr.KindExternalService, providerName, cfg.ModelID, fmt.Errorf("send request: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		return nil, streamerr.FromStatus(providerName, cfg.ModelID, resp.StatusCode, string(data))
	}

	ch := make(chan adapter.StreamEvent, 10)
	go a.readStream(ctx, resp.Body, cfg.ModelID, ch)
	return ch, nil
}

// claudeStreamEvent is the minimal Claude streaming event schema.
type claudeStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text,omitempty"`
		StopReason string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`
	Message struct {
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message,omitempty"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage,omitempty"`
}

func (a *BedrockAdapter) readStream(ctx context.Context, body io.ReadCloser, modelID string, ch chan<- adapter.StreamEvent) {
	defer close(ch)
	defer body.Close()

	var text strings.Builder
	var usage llm.Usage
	finishReason := "stop"

	buf := make([]byte, 8192)
	leftover := ""
	for {
		select {
		case <-ctx.Done():
			adapter.Send(ctx, ch, adapter.StreamEvent{Err: ctx.Err()})
			return
		default:
		}

		n, err := body.Read(buf)
		if n > 0 {
			data := leftover + string(buf[:n])
			lines := strings.Split(data, "\n")
			leftover = lines[len(lines)-1]
			for _, line := range lines[:len(lines)-1] {
				line = strings.TrimSpace(line)
				if !strings.HasPrefix(line, "data:") {
					continue
				}
				payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				if payload == "" || payload == "{}" {
					continue
				}
				var evt claudeStreamEvent
				if perr := json.Unmarshal([]byte(payload), &evt); perr != nil {
					adapter.Send(ctx, ch, adapter.StreamEvent{Err: streamerr.New(streamerr.KindExternalService, providerName, modelID, fmt.Errorf("parse stream: %w", perr))})
					return
				}
				switch evt.Type {
				case "message_start":
					usage.PromptTokens = evt.Message.Usage.InputTokens
				case "content_block_delta":
					if evt.Delta.Type == "text_delta" && evt.Delta.Text != "" {
						text.WriteString(evt.Delta.Text)
						if !adapter.Send(ctx, ch, adapter.StreamEvent{Delta: evt.Delta.Text}) {
							return
						}
					}
				case "message_delta":
					if evt.Delta.StopReason != "" {
						finishReason = mapStopReason(evt.Delta.StopReason)
					}
					if evt.Usage.OutputTokens > 0 {
						usage.CompletionTokens = evt.Usage.OutputTokens
					}
				case "message_stop":
					usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
					adapter.Send(ctx, ch, adapter.StreamEvent{Finish: &llm.FinishData{
						Text:         text.String(),
						Usage:        usage,
						FinishReason: finishReason,
					}})
					return
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
				adapter.Send(ctx, ch, adapter.StreamEvent{Finish: &llm.FinishData{
					Text:         text.String(),
					Usage:        usage,
					FinishReason: finishReason,
				}})
				return
			}
			if ctx.Err() != nil {
				adapter.Send(ctx, ch, adapter.StreamEvent{Err: ctx.Err()})
				return
			}
			adapter.Send(ctx, ch, adapter.StreamEvent{Err: streamerr.New(streamerr.KindExternalService, providerName, modelID, fmt.Errorf("read stream: %w", err))})
			return
		}
	}
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	default:
		return reason
	}
}

type claudeMessage struct {
	Role    string              `json:"role"`
	Content []claudeContentPart `json:"content"`
}

type claudeContentPart struct {
	Type   string             `json:"type"`
	Text   string             `json:"text,omitempty"`
	Source *claudeImageSource `json:"source,omitempty"`
}

type claudeImageSource struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
}

// convertMessages maps canonical messages to the Claude schema. System
// turns are lifted out into the top-level system prompt.
func convertMessages(msgs []llm.Message) ([]claudeMessage, string) {
	var out []claudeMessage
	var systemPrompt string
	for _, m := range msgs {
		role := strings.ToLower(m.Role)
		if role == llm.RoleSystem {
			if systemPrompt != "" {
				systemPrompt += "\n\n"
			}
			systemPrompt += m.Text()
			continue
		}
		if role != llm.RoleAssistant {
			role = llm.RoleUser
		}
		parts := make([]claudeContentPart, 0, len(m.Parts))
		for _, p := range m.Parts {
			switch p.Type {
			case "image":
				parts = append(parts, claudeContentPart{
					Type:   "image",
					Source: &claudeImageSource{Type: "url", URL: p.Image},
				})
			default:
				parts = append(parts, claudeContentPart{Type: "text", Text: p.Text})
			}
		}
		out = append(out, claudeMessage{Role: role, Content: parts})
	}
	return out, systemPrompt
}
