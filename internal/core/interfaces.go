package core

import (
	"context"
	"errors"
)

// ErrAssetNotFound is returned by AssetStore lookups for unknown names.
var ErrAssetNotFound = errors.New("asset not found")

// LLMClient abstracts the low-level chat API client (DeepSeek, Ollama, vLLM,
// anything OpenAI-compatible).
type LLMClient interface {
	ChatCompletion(ctx context.Context, messages []Message) (string, error)
	ChatCompletionWithTools(ctx context.Context, messages []Message, tools []ToolDefinition) (string, []ToolCall, error)
}

// AssetStore is the asset directory. List and Get must never be relied on to
// redact credentials in rendered output; callers own that.
type AssetStore interface {
	ListAssets(ctx context.Context) ([]Asset, error)
	GetAsset(ctx context.Context, name string) (Asset, error)
	UpsertAsset(ctx context.Context, a Asset) error
	DeleteAsset(ctx context.Context, name string) error
}

// CommandRunner executes commands and pushes files on remote assets.
// Transport failures come back as errors; the caller folds them into tool
// result text so the model can see and react to them.
type CommandRunner interface {
	Run(ctx context.Context, asset Asset, command string) (string, error)
	Push(ctx context.Context, asset Asset, data []byte, remotePath string) (string, error)
}

// EventSink receives lifecycle events for one instruction run, in strict
// chronological order: zero or more CommandStart/CommandResult pairs, then
// exactly one Reply or Error. Implementations need not be safe for concurrent
// use; the loop calls them from a single goroutine.
type EventSink interface {
	CommandStart(assetName, command string)
	CommandResult(rec ExecutionRecord)
	Reply(text string)
	Error(msg string)
}

// NopSink discards all events. Useful for synchronous callers that only want
// the returned result.
type NopSink struct{}

func (NopSink) CommandStart(string, string)   {}
func (NopSink) CommandResult(ExecutionRecord) {}
func (NopSink) Reply(string)                  {}
func (NopSink) Error(string)                  {}
