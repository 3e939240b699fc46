// Package openai implements the adapter for the OpenAI chat completions
// API, including its reasoning (o-series, gpt-5) model family.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/streamkit/streamkit/internal/adapter"
	"github.com/streamkit/streamkit/internal/llm"
	"github.com/streamkit/streamkit/internal/settings"
	"github.com/streamkit/streamkit/internal/streamerr"
)

// Ensure OpenAIAdapter implements Adapter.
var _ adapter.Adapter = (*OpenAIAdapter)(nil)

const providerName = "openai"

// OpenAIAdapter streams chat completions from the OpenAI API.
type OpenAIAdapter struct {
	settings   settings.Provider
	baseURL    string
	org        string // optional organization ID
	httpClient *http.Client
}

// Config holds configuration for the OpenAI adapter.
type Config struct {
	Settings     settings.Provider
	BaseURL      string // optional, defaults to https://api.openai.com/v1
	Organization string // optional
	HTTPClient   *http.Client
}

// New creates an OpenAIAdapter instance. Credentials are resolved per
// stream through the settings provider, so key rotation does not require
// a new adapter.
func New(cfg Config) (*OpenAIAdapter, error) {
	if cfg.Settings == nil {
		return nil, errors.New("openai: settings provider required")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	client := cfg.HTTPClient
	if client == nil {
		// No client-level timeout: streams outlive any fixed deadline and
		// the orchestrator bounds each call through the context.
		client = &http.Client{}
	}

	return &OpenAIAdapter{
		settings:   cfg.Settings,
		baseURL:    baseURL,
		org:        cfg.Organization,
		httpClient: client,
	}, nil
}

// Name implements Adapter.
func (a *OpenAIAdapter) Name() string { return providerName }

// Capabilities classifies a model id by pattern. Pure function, no I/O.
func (a *OpenAIAdapter) Capabilities(modelID string) adapter.Capabilities {
	id := strings.ToLower(strings.TrimSpace(modelID))
	caps := adapter.Capabilities{
		ResponseModes:  []string{"standard"},
		TypicalLatency: 2 * time.Second,
		MaxTimeout:     10 * time.Minute,
	}
	if isReasoningModel(id) {
		caps.SupportsReasoning = true
		caps.Frontier = isFrontierModel(id)
		caps.ResponseModes = []string{"standard", "flex", "priority", "background"}
		caps.TypicalLatency = 15 * time.Second
		caps.MaxTimeout = 30 * time.Minute
	}
	return caps
}

func isReasoningModel(id string) bool {
	for _, prefix := range []string{"o1", "o3", "o4", "gpt-5"} {
		if strings.HasPrefix(id, prefix) {
			return true
		}
	}
	return false
}

// Frontier models run long multi-step reasoning and get the maximum
// adaptive timeout.
func isFrontierModel(id string) bool {
	if strings.HasPrefix(id, "o3") || strings.HasPrefix(id, "gpt-5") {
		return true
	}
	return strings.HasPrefix(id, "o1-pro")
}

// Stream sends a streaming chat completion request and converts SSE chunks
// into StreamEvents. Deltas are forwarded in arrival order; the channel is
// closed after the terminal finish or error event.
func (a *OpenAIAdapter) Stream(ctx context.Context, cfg adapter.StreamConfig) (<-chan adapter.StreamEvent, error) {
	if len(cfg.Messages) == 0 {
		return nil, streamerr.Newf(streamerr.KindConfiguration, providerName, cfg.ModelID, "no messages provided")
	}

	apiKey, err := a.settings.GetAPIKey(ctx, providerName)
	if err != nil {
		return nil, err
	}

	payload := map[string]interface{}{
		"model":    cfg.ModelID,
		"messages": wireMessages(cfg.Messages),
		"stream":   true,
		"stream_options": map[string]interface{}{
			"include_usage": true,
		},
	}
	if cfg.Temperature != nil {
		payload["temperature"] = *cfg.Temperature
	}
	if cfg.TopP != nil {
		payload["top_p"] = *cfg.TopP
	}
	caps := a.Capabilities(cfg.ModelID)
	if cfg.MaxTokens > 0 {
		if caps.SupportsReasoning {
			payload["max_completion_tokens"] = cfg.MaxTokens
		} else {
			payload["max_tokens"] = cfg.MaxTokens
		}
	}
	if caps.SupportsReasoning {
		payload["reasoning_effort"] = "high"
	}
	if cfg.ResponseMode != "" && cfg.ResponseMode != "standard" && caps.SupportsMode(cfg.ResponseMode) {
		payload["service_tier"] = cfg.ResponseMode
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	httpReq.Header.Set("Accept", "text/event-stream")
	if a.org != "" {
		httpReq.Header.Set("OpenAI-Organization", a.org)
	}

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

// chunk mirrors the subset of the SSE chunk schema we consume.
type chunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (a *OpenAIAdapter) readStream(ctx context.Context, body io.ReadCloser, modelID string, ch chan<- adapter.StreamEvent) {
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
				if payload == "[DONE]" {
					adapter.Send(ctx, ch, adapter.StreamEvent{Finish: &llm.FinishData{
						Text:         text.String(),
						Usage:        usage,
						FinishReason: finishReason,
					}})
					return
				}
				var c chunk
				if perr := json.Unmarshal([]byte(payload), &c); perr != nil {
					adapter.Send(ctx, ch, adapter.StreamEvent{Err: streamerr.New(streamerr.KindExternalService, providerName, modelID, fmt.Errorf("parse stream: %w", perr))})
					return
				}
				if c.Usage != nil {
					usage = llm.Usage{
						PromptTokens:     c.Usage.PromptTokens,
						CompletionTokens: c.Usage.CompletionTokens,
						TotalTokens:      c.Usage.TotalTokens,
					}
				}
				if len(c.Choices) == 0 {
					continue
				}
				if fr := c.Choices[0].FinishReason; fr != nil && *fr != "" {
					finishReason = *fr
				}
				if delta := c.Choices[0].Delta.Content; delta != "" {
					text.WriteString(delta)
					if !adapter.Send(ctx, ch, adapter.StreamEvent{Delta: delta}) {
						return
					}
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				// Stream ended without [DONE]; treat the accumulated text as
				// the final result.
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

// wireMessages converts canonical parts messages to the OpenAI schema,
// collapsing single text parts back to plain strings.
func wireMessages(msgs []llm.Message) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(msgs))
	for _, m := range msgs {
		if len(m.Parts) == 1 && m.Parts[0].Type == "text" {
			out = append(out, map[string]interface{}{
				"role":    m.Role,
				"content": m.Parts[0].Text,
			})
			continue
		}
		parts := make([]map[string]interface{}, 0, len(m.Parts))
		for _, p := range m.Parts {
			switch p.Type {
			case "image":
				parts = append(parts, map[string]interface{}{
					"type":      "image_url",
					"image_url": map[string]string{"url": p.Image},
				})
			default:
				parts = append(parts, map[string]interface{}{
					"type": "text",
					"text": p.Text,
				})
			}
		}
		out = append(out, map[string]interface{}{
			"role":    m.Role,
			"content": parts,
		})
	}
	return out
}
