// Package azure implements the adapter for Azure OpenAI deployments. The
// wire dialect matches OpenAI chat completions; the endpoint is addressed
// by deployment name and authenticated with the api-key header.
package azure

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

// Ensure AzureAdapter implements Adapter.
var _ adapter.Adapter = (*AzureAdapter)(nil)

const providerName = "azure"

// AzureAdapter streams chat completions from an Azure OpenAI resource.
type AzureAdapter struct {
	settings   settings.Provider
	baseURL    string
	apiVersion string
	httpClient *http.Client
}

// Config holds configuration for the Azure adapter. BaseURL is the
// resource endpoint, e.g. https://myresource.openai.azure.com.
type Config struct {
	Settings   settings.Provider
	BaseURL    string
	APIVersion string // optional, defaults to 2024-10-21
	HTTPClient *http.Client
}

// New creates an AzureAdapter instance.
func New(cfg Config) (*AzureAdapter, error) {
	if cfg.Settings == nil {
		return nil, errors.New("azure: settings provider required")
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, errors.New("azure: resource endpoint required")
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	apiVersion := strings.TrimSpace(cfg.APIVersion)
	if apiVersion == "" {
		apiVersion = "2024-10-21"
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	return &AzureAdapter{
		settings:   cfg.Settings,
		baseURL:    baseURL,
		apiVersion: apiVersion,
		httpClient: client,
	}, nil
}

// Name implements Adapter.
func (a *AzureAdapter) Name() string { return providerName }

// Capabilities mirrors the OpenAI model families: Azure deployments are
// conventionally named after the underlying model.
func (a *AzureAdapter) Capabilities(modelID string) adapter.Capabilities {
	id := strings.ToLower(strings.TrimSpace(modelID))
	caps := adapter.Capabilities{
		ResponseModes:  []string{"standard"},
		TypicalLatency: 2 * time.Second,
		MaxTimeout:     10 * time.Minute,
	}
	for _, prefix := range []string{"o1", "o3", "o4", "gpt-5"} {
		if strings.HasPrefix(id, prefix) {
			caps.SupportsReasoning = true
			caps.Frontier = strings.HasPrefix(id, "o3") || strings.HasPrefix(id, "gpt-5") || strings.HasPrefix(id, "o1-pro")
			caps.TypicalLatency = 15 * time.Second
			caps.MaxTimeout = 30 * time.Minute
			break
		}
	}
	return caps
}

// Stream sends a streaming chat completion request to the deployment named
// by the model id.
func (a *AzureAdapter) Stream(ctx context.Context, cfg adapter.StreamConfig) (<-chan adapter.StreamEvent, error) {
	if len(cfg.Messages) == 0 {
		return nil, streamerr.Newf(streamerr.KindConfiguration, providerName, cfg.ModelID, "no messages provided")
	}

	apiKey, err := a.settings.GetAPIKey(ctx, providerName)
	if err != nil {
		return nil, err
	}

	payload := map[string]interface{}{
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
	if cfg.MaxTokens > 0 {
		if a.Capabilities(cfg.ModelID).SupportsReasoning {
			payload["max_completion_tokens"] = cfg.MaxTokens
		} else {
			payload["max_tokens"] = cfg.MaxTokens
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("azure: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s", a.baseURL, cfg.ModelID, a.apiVersion)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("azure: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("api-key", apiKey)
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

func (a *AzureAdapter) readStream(ctx context.Context, body io.ReadCloser, modelID string, ch chan<- adapter.StreamEvent) {
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

// wireMessages converts canonical parts messages to the chat completions
// schema, collapsing single text parts back to plain strings.
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
