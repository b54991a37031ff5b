package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsagent/opsagent/internal/config"
	"github.com/opsagent/opsagent/internal/core"
)

func testClient(url string) *Client {
	return NewClient(config.LLMConfig{BaseURL: url, Model: "test-model", APIKey: "sk-test"})
}

func jsonHandler(t *testing.T, status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}
}

func TestChatCompletion(t *testing.T) {
	srv := httptest.NewServer(jsonHandler(t, 200,
		`{"choices":[{"message":{"role":"assistant","content":"hello there"}}]}`))
	defer srv.Close()

	out, err := testClient(srv.URL).ChatCompletion(context.Background(), []Message{{Role: "user", Content: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "hello there", out)
}

func TestChatCompletionPartsContent(t *testing.T) {
	srv := httptest.NewServer(jsonHandler(t, 200,
		`{"choices":[{"message":{"role":"assistant","content":[{"type":"text","text":"part one "},{"type":"text","text":"part two"}]}}]}`))
	defer srv.Close()

	out, err := testClient(srv.URL).ChatCompletion(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "part one part two", out)
}

func TestChatCompletionReasoningFallback(t *testing.T) {
	srv := httptest.NewServer(jsonHandler(t, 200,
		`{"choices":[{"message":{"role":"assistant","content":"","reasoning":"the real answer"}}]}`))
	defer srv.Close()

	out, err := testClient(srv.URL).ChatCompletion(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "the real answer", out)
}

func TestChatCompletionErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(jsonHandler(t, 200,
		`{"error":{"message":"model overloaded"}}`))
	defer srv.Close()

	_, err := testClient(srv.URL).ChatCompletion(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model overloaded")
}

func TestChatCompletionHTTPError(t *testing.T) {
	srv := httptest.NewServer(jsonHandler(t, 401, `{"error":{"message":"bad key"}}`))
	defer srv.Close()

	_, err := testClient(srv.URL).ChatCompletion(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 401")
}

func TestPostRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"recovered"}}]}`)
	}))
	defer srv.Close()

	out, err := testClient(srv.URL).ChatCompletion(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "recovered", out)
	assert.Equal(t, int32(2), calls.Load())
}

func TestChatCompletionWithTools(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequestWithTools
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Tools, 1)
		assert.Equal(t, "auto", req.ToolChoice)

		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":null,"tool_calls":[
			{"id":"call_1","type":"function","function":{"name":"execute_command","arguments":"{\"asset_name\":\"web-1\",\"command\":\"uptime\"}"}}
		]},"finish_reason":"tool_calls"}]}`)
	}))
	defer srv.Close()

	defs := []core.ToolDefinition{{Type: "function", Function: core.FunctionSpec{Name: "execute_command"}}}
	content, calls, err := testClient(srv.URL).ChatCompletionWithTools(context.Background(), nil, defs)
	require.NoError(t, err)
	assert.Empty(t, content)
	require.Len(t, calls, 1)
	assert.Equal(t, "call_1", calls[0].ID)
	assert.Equal(t, "execute_command", calls[0].Function.Name)
	assert.Contains(t, calls[0].Function.Arguments, "web-1")
}

func TestChatCompletionWithToolsUnsupported(t *testing.T) {
	srv := httptest.NewServer(jsonHandler(t, 400,
		`{"error":{"message":"registry.ollama.ai/library/gemma does not support tools"}}`))
	defer srv.Close()

	_, _, err := testClient(srv.URL).ChatCompletionWithTools(context.Background(), nil, nil)
	var unsupported ErrToolsUnsupported
	require.ErrorAs(t, err, &unsupported)
}

func TestChatCompletionMissingModel(t *testing.T) {
	c := testClient("http://127.0.0.1:0")
	c.Model = ""
	_, err := c.ChatCompletion(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not set")
}

func TestErrToolsUnsupportedUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := ErrToolsUnsupported{Cause: cause}
	assert.ErrorIs(t, err, cause)
}
