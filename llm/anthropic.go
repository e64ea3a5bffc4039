// Copyright 2026 Cordon Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/cordonlabs/cordon/schema"
)

const (
	anthropicDefaultHost = "https://api.anthropic.com"
	anthropicVersion     = "2023-06-01"
)

// AnthropicProvider talks to the Anthropic Messages API.
type AnthropicProvider struct {
	cfg    *Config
	client *http.Client
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	System      string             `json:"system,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []anthropicContent
}

type anthropicContent struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
	Error      *anthropicError    `json:"error,omitempty"`
}

// NewAnthropicProvider creates a provider from configuration.
func NewAnthropicProvider(cfg *Config) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for anthropic")
	}
	if cfg.Host == "" {
		cfg.Host = anthropicDefaultHost
	}
	return &AnthropicProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: time.Duration(cfg.TimeoutSecs) * time.Second},
	}, nil
}

// ModelName returns the configured model.
func (p *AnthropicProvider) ModelName() string { return p.cfg.Model }

// Close releases provider resources.
func (p *AnthropicProvider) Close() error { return nil }

// Generate produces one complete turn.
func (p *AnthropicProvider) Generate(ctx context.Context, messages []Message, tools []*schema.ToolDefinition) (*Turn, error) {
	request := p.buildRequest(messages, tools)

	response, err := p.makeRequest(ctx, request)
	if err != nil {
		return nil, err
	}
	if response.Error != nil {
		return nil, fmt.Errorf("anthropic API error: %s", response.Error.Message)
	}

	turn := &Turn{
		InputTokens:  response.Usage.InputTokens,
		OutputTokens: response.Usage.OutputTokens,
		TokensUsed:   response.Usage.InputTokens + response.Usage.OutputTokens,
	}
	for _, content := range response.Content {
		switch content.Type {
		case "text":
			turn.Text += content.Text
		case "tool_use":
			turn.ToolCalls = append(turn.ToolCalls, ToolCall{
				ID:        content.ID,
				Name:      content.Name,
				Arguments: content.Input,
			})
		}
	}
	return turn, nil
}

// buildRequest converts the conversation into the Messages API shape. System
// messages move to the dedicated field; tool results become user messages
// with tool_result blocks.
func (p *AnthropicProvider) buildRequest(messages []Message, tools []*schema.ToolDefinition) anthropicRequest {
	var system string
	out := make([]anthropicMessage, 0, len(messages))

	for _, msg := range messages {
		switch {
		case msg.Role == "system":
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
		case msg.Role == "tool":
			out = append(out, anthropicMessage{
				Role: "user",
				Content: []anthropicContent{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.Content,
				}},
			})
		case msg.Role == "assistant" && len(msg.ToolCalls) > 0:
			var contents []anthropicContent
			if msg.Content != "" {
				contents = append(contents, anthropicContent{Type: "text", Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				contents = append(contents, anthropicContent{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: tc.Arguments,
				})
			}
			out = append(out, anthropicMessage{Role: "assistant", Content: contents})
		default:
			out = append(out, anthropicMessage{Role: msg.Role, Content: msg.Content})
		}
	}

	request := anthropicRequest{
		Model:       p.cfg.Model,
		Messages:    out,
		MaxTokens:   p.cfg.MaxTokens,
		Temperature: p.cfg.Temperature,
		System:      system,
	}
	for _, t := range tools {
		request.Tools = append(request.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return request
}

// retryStrategy selects the retry approach per HTTP status.
type retryStrategy int

const (
	noRetry retryStrategy = iota
	conservativeRetry
	smartRetry
)

func strategyFor(statusCode int) retryStrategy {
	switch statusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return smartRetry
	case http.StatusRequestTimeout, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusGatewayTimeout:
		return conservativeRetry
	default:
		return noRetry
	}
}

// rateLimitInfo carries retry hints from response headers.
type rateLimitInfo struct {
	retryAfter time.Duration
	resetTime  int64
}

func (p *AnthropicProvider) makeRequest(ctx context.Context, request anthropicRequest) (*anthropicResponse, error) {
	maxRetries := p.cfg.MaxRetries
	baseDelay := time.Duration(p.cfg.RetryDelay) * time.Second

	for attempt := 0; attempt <= maxRetries; attempt++ {
		response, strategy, info, err := p.attemptRequest(ctx, request)
		if strategy == noRetry || err == nil || attempt >= maxRetries {
			return response, err
		}

		var delay time.Duration
		switch strategy {
		case smartRetry:
			// Header-driven delay for rate limits; exponential backoff with
			// jitter when the provider gives no hint.
			switch {
			case info.retryAfter > 0:
				delay = info.retryAfter
			case info.resetTime > 0:
				delay = time.Until(time.Unix(info.resetTime, 0))
				if delay < 0 {
					delay = baseDelay
				}
			default:
				exponential := time.Duration(math.Pow(2, float64(attempt))) * baseDelay
				delay = exponential + time.Duration(float64(exponential)*0.1)
			}
			slog.Warn("anthropic rate limited, retrying",
				"delay", delay, "attempt", attempt+1, "max", maxRetries)
		case conservativeRetry:
			if attempt >= 2 {
				return response, err
			}
			delay = time.Duration(2+attempt) * time.Second
			slog.Warn("anthropic server error, retrying",
				"delay", delay, "attempt", attempt+1)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("max retries exceeded after %d attempts", maxRetries)
}

func (p *AnthropicProvider) attemptRequest(ctx context.Context, request anthropicRequest) (*anthropicResponse, retryStrategy, rateLimitInfo, error) {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return nil, noRetry, rateLimitInfo{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Host+"/v1/messages", bytes.NewReader(jsonData))
	if err != nil {
		return nil, noRetry, rateLimitInfo{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.cfg.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, noRetry, rateLimitInfo{}, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	info := extractRateLimitHeaders(resp.Header)
	strategy := strategyFor(resp.StatusCode)

	if resp.StatusCode != http.StatusOK {
		return nil, strategy, info,
			fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var response anthropicResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, noRetry, rateLimitInfo{}, fmt.Errorf("failed to decode response: %w", err)
	}
	return &response, noRetry, info, nil
}

func extractRateLimitHeaders(headers http.Header) rateLimitInfo {
	info := rateLimitInfo{}
	if retryAfter := headers.Get("retry-after"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			info.retryAfter = time.Duration(seconds) * time.Second
		}
	}
	if resetStr := headers.Get("anthropic-ratelimit-requests-reset"); resetStr != "" {
		if resetTime, err := time.Parse(time.RFC3339, resetStr); err == nil {
			info.resetTime = resetTime.Unix()
		}
	}
	return info
}
