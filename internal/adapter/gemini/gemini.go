// Package gemini implements the adapter for the Google Gemini API using
// the streamGenerateContent SSE endpoint.
package gemini

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

// Ensure GeminiAdapter implements Adapter.
var _ adapter.Adapter = (*GeminiAdapter)(nil)

const providerName = "google"

// GeminiAdapter streams generations from the Gemini API.
type GeminiAdapter struct {
	settings   settings.Provider
	baseURL    string
	httpClient *http.Client
}

// Config holds configuration for the Gemini adapter.
type Config struct {
	Settings   settings.Provider
	BaseURL    string // optional, defaults to https://generativelanguage.googleapis.com
	HTTPClient *http.Client
}

// New creates a GeminiAdapter instance.
func New(cfg Config) (*GeminiAdapter, error) {
	if cfg.Settings == nil {
		return nil, errors.New("gemini: settings provider required")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	return &GeminiAdapter{
		settings:   cfg.Settings,
		baseURL:    baseURL,
		httpClient: client,
	}, nil
}

// Name implements Adapter.
func (a *GeminiAdapter) Name() string { return providerName }

// Capabilities classifies a Gemini model id.
func (a *GeminiAdapter) Capabilities(modelID string) adapter.Capabilities {
	id := strings.ToLower(strings.TrimSpace(modelID))
	caps := adapter.Capabilities{
		ResponseModes:  []string{"standard"},
		TypicalLatency: 3 * time.Second,
		MaxTimeout:     15 * time.Minute,
	}
	if strings.Contains(id, "thinking") || strings.HasPrefix(id, "gemini-2.5") {
		caps.SupportsThinking = true
		caps.MaxThinkingTokens = 24576
	}
	return caps
}

// Stream sends a streamGenerateContent request with SSE framing.
func (a *GeminiAdapter) Stream(ctx context.Context, cfg adapter.StreamConfig) (<-chan adapter.StreamEvent, error) {
	if len(cfg.Messages) == 0 {
		return nil, streamerr.Newf(streamerr.KindConfiguration, providerName, cfg.ModelID, "no messages provided")
	}

	apiKey, err := a.settings.GetAPIKey(ctx, providerName)
	if err != nil {
		return nil, err
	}

	contents, systemPrompt := convertMessages(cfg.Messages)

	payload := map[string]interface{}{
		"contents": contents,
	}
	if systemPrompt != "" {
		payload["systemInstruction"] = map[string]interface{}{
			"parts": []map[string]string{{"text": systemPrompt}},
		}
	}
	genConfig := map[string]interface{}{}
	if cfg.Temperature != nil {
		genConfig["temperature"] = *cfg.Temperature
	}
	if cfg.TopP != nil {
		genConfig["topP"] = *cfg.TopP
	}
	if cfg.MaxTokens > 0 {
		genConfig["maxOutputTokens"] = cfg.MaxTokens
	}
	if len(genConfig) > 0 {
		payload["generationConfig"] = genConfig
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", a.baseURL, cfg.ModelID)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gemini: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", apiKey)
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

// geminiChunk is the subset of GenerateContentResponse we consume.
type geminiChunk struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func (a *GeminiAdapter) readStream(ctx context.Context, body io.ReadCloser, modelID string, ch chan<- adapter.StreamEvent) {
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
				if payload == "" {
					continue
				}
				var c geminiChunk
				if perr := json.Unmarshal([]byte(payload), &c); perr != nil {
					adapter.Send(ctx, ch, adapter.StreamEvent{Err: streamerr.New(streamerr.KindExternalService, providerName, modelID, fmt.Errorf("parse stream: %w", perr))})
					return
				}
				if c.UsageMetadata != nil {
					usage = llm.Usage{
						PromptTokens:     c.UsageMetadata.PromptTokenCount,
						CompletionTokens: c.UsageMetadata.CandidatesTokenCount,
						TotalTokens:      c.UsageMetadata.TotalTokenCount,
					}
				}
				if len(c.Candidates) == 0 {
					continue
				}
				cand := c.Candidates[0]
				for _, p := range cand.Content.Parts {
					if p.Text != "" {
						text.WriteString(p.Text)
						if !adapter.Send(ctx, ch, adapter.StreamEvent{Delta: p.Text}) {
							return
						}
					}
				}
				if cand.FinishReason != "" {
					finishReason = mapFinishReason(cand.FinishReason)
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

func mapFinishReason(reason string) string {
	switch strings.ToUpper(reason) {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	default:
		return strings.ToLower(reason)
	}
}

// convertMessages maps canonical messages to Gemini contents. System turns
// become the systemInstruction; assistant turns use the "model" role.
func convertMessages(msgs []llm.Message) ([]map[string]interface{}, string) {
	var contents []map[string]interface{}
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
		if role == llm.RoleAssistant {
			role = "model"
		} else {
			role = "user"
		}
		parts := make([]map[string]interface{}, 0, len(m.Parts))
		for _, p := range m.Parts {
			switch p.Type {
			case "image":
				parts = append(parts, map[string]interface{}{
					"fileData": map[string]string{"fileUri": p.Image},
				})
			default:
				parts = append(parts, map[string]interface{}{"text": p.Text})
			}
		}
		contents = append(contents, map[string]interface{}{
			"role":  role,
			"parts": parts,
		})
	}
	return contents, systemPrompt
}
