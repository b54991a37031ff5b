package core

import (
	"fmt"
	"time"
)

// Message represents one turn of a conversation (OpenAI chat format).
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a single tool invocation request from the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names the tool and carries its arguments as raw JSON.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition describes a tool advertised to the model.
type ToolDefinition struct {
	Type     string       `json:"type"`
	Function FunctionSpec `json:"function"`
}

// FunctionSpec describes the function signature.
type FunctionSpec struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  interface{} `json:"parameters,omitempty"` // JSON Schema
}

// Asset is a managed Linux host. Password and PrivateKeyPath never appear in
// JSON output; read APIs and tool results must not leak them.
type Asset struct {
	Name           string `json:"name" yaml:"name"`
	Host           string `json:"host" yaml:"host"`
	Port           int    `json:"port" yaml:"port"`
	Username       string `json:"username" yaml:"username"`
	Password       string `json:"-" yaml:"password,omitempty"`
	PrivateKeyPath string `json:"-" yaml:"private_key_path,omitempty"`
	Metadata       string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Display renders the asset for the model and for logs: "name (user@host:port)".
func (a Asset) Display() string {
	return fmt.Sprintf("%s (%s@%s:%d)", a.Name, a.Username, a.Host, a.Port)
}

// Addr returns the host:port dial address.
func (a Asset) Addr() string {
	port := a.Port
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%d", a.Host, port)
}

// Runnable reports whether the asset has credentials for command execution.
// An asset missing both is listable but cannot be executed against.
func (a Asset) Runnable() bool {
	return a.Password != "" || a.PrivateKeyPath != ""
}

// ExecutionRecord is one remote command run during an instruction.
type ExecutionRecord struct {
	AssetName string    `json:"asset_name"`
	Command   string    `json:"command"`
	Result    string    `json:"result"`
	StartedAt time.Time `json:"started_at"`
}
