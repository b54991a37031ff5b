package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/opsagent/opsagent/internal/core"
)

// ChatRequestWithTools extends the request with tool declarations.
type ChatRequestWithTools struct {
	Model      string                `json:"model"`
	Messages   []Message             `json:"messages"`
	Tools      []core.ToolDefinition `json:"tools,omitempty"`
	ToolChoice interface{}           `json:"tool_choice,omitempty"`
}

// ChatResponseWithTools includes tool_calls in the choice message.
type ChatResponseWithTools struct {
	Choices []struct {
		Message struct {
			Role      string          `json:"role"`
			Content   json.RawMessage `json:"content"`
			ToolCalls []core.ToolCall `json:"tool_calls,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// ErrToolsUnsupported marks endpoints that reject the tools field (some
// Ollama models report "does not support tools"; vLLM rejects extra inputs).
type ErrToolsUnsupported struct{ Cause error }

func (e ErrToolsUnsupported) Error() string { return "llm: endpoint does not support tools: " + e.Cause.Error() }
func (e ErrToolsUnsupported) Unwrap() error { return e.Cause }

// toolsUnsupported classifies an endpoint error as a missing-tools failure.
func toolsUnsupported(err error) bool {
	s := err.Error()
	return strings.Contains(s, "does not support tools") ||
		(strings.Contains(s, "Extra inputs are not permitted") && strings.Contains(strings.ToLower(s), "tool"))
}

// ChatCompletionWithTools sends messages plus tool declarations; returns the
// assistant content and any structured tool calls. An empty tool-call list
// means the content is the final answer (or carries an inline descriptor for
// the caller's content parser).
func (c *Client) ChatCompletionWithTools(ctx context.Context, messages []Message, tools []core.ToolDefinition) (string, []core.ToolCall, error) {
	body := ChatRequestWithTools{Model: c.Model, Messages: messages, Tools: tools}
	if len(tools) > 0 {
		body.ToolChoice = "auto"
	}
	bodyBytes, err := c.post(ctx, body)
	if err != nil {
		if toolsUnsupported(err) {
			return "", nil, ErrToolsUnsupported{Cause: err}
		}
		return "", nil, err
	}
	var out ChatResponseWithTools
	if err := json.Unmarshal(bodyBytes, &out); err != nil {
		return "", nil, fmt.Errorf("llm: decode: %w", err)
	}
	if out.Error != nil {
		err := fmt.Errorf("llm: %s", out.Error.Message)
		if toolsUnsupported(err) {
			return "", nil, ErrToolsUnsupported{Cause: err}
		}
		return "", nil, err
	}
	if len(out.Choices) == 0 {
		return "", nil, fmt.Errorf("llm: no choices in response")
	}
	msg := out.Choices[0].Message
	return strings.TrimSpace(parseContent(msg.Content)), msg.ToolCalls, nil
}
