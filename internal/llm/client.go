package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/opsagent/opsagent/internal/config"
	"github.com/opsagent/opsagent/internal/core"
)

// Message is the wire message type (OpenAI chat format).
type Message = core.Message

// ChatRequest is the request body for chat completions without tools.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

// ChatResponse is the response from chat completions.
type ChatResponse struct {
	Choices []struct {
		Message struct {
			Role      string          `json:"role"`
			Content   json.RawMessage `json:"content"`
			Reasoning string          `json:"reasoning,omitempty"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Client calls an OpenAI-compatible chat endpoint.
type Client struct {
	APIKey  string
	BaseURL string
	Model   string
	HTTP    *http.Client
}

// NewClient builds a client from LLM config. Local endpoints often skip key
// checks but the Authorization header still needs a value.
func NewClient(cfg config.LLMConfig) *Client {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		key = "local"
	}
	return &Client{
		APIKey:  key,
		BaseURL: cfg.BaseURL,
		Model:   cfg.Model,
		HTTP:    &http.Client{Timeout: 300 * time.Second},
	}
}

// parseContent parses API content that may be string, null, or an array of
// parts (e.g. [{"type":"text","text":"..."}]).
func parseContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []map[string]interface{}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var b strings.Builder
	for _, p := range parts {
		if t, ok := p["text"].(string); ok {
			b.WriteString(t)
		}
	}
	return b.String()
}

// post sends one request body with exponential backoff on network errors,
// 5xx, and 429. Returns the raw response body.
func (c *Client) post(ctx context.Context, body interface{}) ([]byte, error) {
	if c.Model == "" {
		return nil, fmt.Errorf("llm: model not set")
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	const maxRetries = 3
	backoff := 1 * time.Second
	var resp *http.Response
	var lastErr error
	var bodyBytes []byte

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/chat/completions", bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.APIKey)

		resp, lastErr = c.HTTP.Do(req)
		if lastErr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		bodyBytes, _ = io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			continue
		}
		break
	}
	if lastErr != nil {
		return nil, fmt.Errorf("llm: request failed after %d retries: %w", maxRetries, lastErr)
	}
	if resp == nil {
		return nil, fmt.Errorf("llm: request failed after %d retries", maxRetries)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("llm: HTTP %d: %s", resp.StatusCode, string(bodyBytes))
	}
	return bodyBytes, nil
}

// ChatCompletion sends messages without tool declarations and returns the
// assistant reply text. Reasoning-model responses that put the body in the
// reasoning field instead of content are accepted.
func (c *Client) ChatCompletion(ctx context.Context, messages []Message) (string, error) {
	bodyBytes, err := c.post(ctx, ChatRequest{Model: c.Model, Messages: messages})
	if err != nil {
		return "", err
	}
	var out ChatResponse
	if err := json.Unmarshal(bodyBytes, &out); err != nil {
		return "", fmt.Errorf("llm: decode: %w", err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("llm: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("llm: no choices in response")
	}
	msg := out.Choices[0].Message
	content := strings.TrimSpace(parseContent(msg.Content))
	if content == "" && strings.TrimSpace(msg.Reasoning) != "" {
		content = strings.TrimSpace(msg.Reasoning)
	}
	return content, nil
}
