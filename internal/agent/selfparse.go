package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/opsagent/opsagent/internal/core"
	"github.com/opsagent/opsagent/internal/tools"
)

// Models without native tool support embed their calls in content. Two
// shapes occur in the wild: <tool_call>{"name":...,"arguments":{...}}</tool_call>
// blocks (Qwen and friends), and bare {"action": ...} descriptors (our
// self-parsed protocol). Reasoning models wrap either in <think> blocks and
// prose; the parsers scan for the first structurally valid descriptor rather
// than requiring the whole response to be one.

var (
	thinkBlockRx   = regexp.MustCompile(`(?is)<think>.*?</think>`)
	toolCallRx     = regexp.MustCompile(`(?is)<tool_call>\s*(\{.*?\})\s*</tool_call>`)
	jsonToolRx     = regexp.MustCompile(`(?s)\{\s*"name"\s*:\s*"([^"]+)"\s*,\s*"arguments"\s*:\s*(\{(?:[^{}]|\{[^{}]*\})*\})\s*\}`)
	codeFenceRx    = regexp.MustCompile("(?is)```(?:json)?\\s*\\n?(.*?)```")
	trailingComma  = regexp.MustCompile(`,\s*([}\]])`)
)

// stripThinkBlocks removes <think>...</think> so descriptors around them
// stay parseable.
func stripThinkBlocks(s string) string {
	return strings.TrimSpace(thinkBlockRx.ReplaceAllString(s, ""))
}

// fixNewlinesInJSONStrings replaces literal newlines inside JSON string
// values with \n; models regularly write multi-line commands that way.
func fixNewlinesInJSONStrings(s string) string {
	var b strings.Builder
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			b.WriteByte(c)
			escaped = false
		case inString && c == '\\':
			b.WriteByte(c)
			escaped = true
		case inString && c == '"':
			inString = false
			b.WriteByte(c)
		case inString && (c == '\n' || c == '\r'):
			b.WriteString(`\n`)
			if c == '\r' && i+1 < len(s) && s[i+1] == '\n' {
				i++
			}
		case !inString && c == '"':
			inString = true
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// lenientUnmarshal tries the raw text, then with in-string newlines fixed,
// then with trailing commas removed.
func lenientUnmarshal(s string, out interface{}) bool {
	for _, t := range []string{s, fixNewlinesInJSONStrings(s), trailingComma.ReplaceAllString(s, "$1")} {
		if json.Unmarshal([]byte(t), out) == nil {
			return true
		}
	}
	return false
}

// firstBalancedObject returns the first {...} with balanced braces starting
// at or after from, or "".
func firstBalancedObject(s string, from int) string {
	start := strings.Index(s[from:], "{")
	if start < 0 {
		return ""
	}
	start += from
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case !inString && c == '{':
			depth++
		case !inString && c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// ParseContentToolCalls extracts tool calls embedded in assistant content:
// <tool_call> blocks first, then bare {"name":...,"arguments":{...}} objects.
// Returns synthetic ToolCalls and the content with the markup removed; nil
// calls means the content is a plain answer.
func ParseContentToolCalls(content string) ([]core.ToolCall, string) {
	raw := stripThinkBlocks(content)
	if raw == "" {
		return nil, ""
	}
	var calls []core.ToolCall
	cleaned := raw
	for i, m := range toolCallRx.FindAllStringSubmatch(raw, -1) {
		var obj struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if !lenientUnmarshal(strings.TrimSpace(m[1]), &obj) || obj.Name == "" {
			continue
		}
		calls = append(calls, syntheticCall(fmt.Sprintf("content-%d", i), obj.Name, obj.Arguments))
		cleaned = strings.Replace(cleaned, m[0], "", 1)
	}
	if len(calls) > 0 {
		return calls, strings.TrimSpace(cleaned)
	}
	for i, m := range jsonToolRx.FindAllStringSubmatch(raw, -1) {
		name := strings.TrimSpace(m[1])
		var args json.RawMessage
		if !lenientUnmarshal(m[2], &args) {
			continue
		}
		calls = append(calls, syntheticCall(fmt.Sprintf("content-%d", i), name, args))
		cleaned = strings.Replace(cleaned, m[0], "", 1)
	}
	if len(calls) == 0 {
		return nil, ""
	}
	return calls, strings.TrimSpace(cleaned)
}

// syntheticCall builds a ToolCall for a descriptor parsed out of content.
// The "arguments" field may be a JSON object or a JSON-encoded string.
func syntheticCall(id, name string, args json.RawMessage) core.ToolCall {
	argStr := strings.TrimSpace(string(args))
	var nested string
	if json.Unmarshal(args, &nested) == nil {
		argStr = nested
	}
	if argStr == "" {
		argStr = "{}"
	}
	return core.ToolCall{
		ID:   id,
		Type: "function",
		Function: core.FunctionCall{
			Name:      normalizeToolName(name),
			Arguments: argStr,
		},
	}
}

// normalizeToolName strips "functions." prefixes and ":0" suffixes some
// models attach.
func normalizeToolName(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.Index(name, ":"); i >= 0 {
		name = name[:i]
	}
	return strings.TrimSpace(name)
}

// Action is one parsed self-parsed-mode decision: either a tool call or a
// final answer.
type Action struct {
	Final   bool
	Message string
	Call    core.ToolCall
}

// actionEnvelope is the {"action": ...} descriptor shape.
type actionEnvelope struct {
	Action     string `json:"action"`
	Asset      string `json:"asset"`
	AssetName  string `json:"asset_name"`
	Command    string `json:"command"`
	RemotePath string `json:"remote_path"`
	Content    string `json:"content"`
	Message    string `json:"message"`
	// Some models answer {"response": "..."} instead of a final action.
	Response string `json:"response"`
}

func (a actionEnvelope) assetName() string {
	if a.Asset != "" {
		return a.Asset
	}
	return a.AssetName
}

func (a actionEnvelope) toAction() (Action, bool) {
	switch a.Action {
	case "final":
		return Action{Final: true, Message: strings.TrimSpace(a.Message)}, true
	case tools.ToolListAssets:
		return Action{Call: syntheticCall("action-0", tools.ToolListAssets, json.RawMessage(`{}`))}, true
	case tools.ToolExecuteCommand:
		args, _ := json.Marshal(map[string]string{"asset_name": a.assetName(), "command": a.Command})
		return Action{Call: syntheticCall("action-0", tools.ToolExecuteCommand, args)}, true
	case tools.ToolUploadFile:
		args, _ := json.Marshal(map[string]string{"asset_name": a.assetName(), "remote_path": a.RemotePath, "content": a.Content})
		return Action{Call: syntheticCall("action-0", tools.ToolUploadFile, args)}, true
	case "":
		if strings.TrimSpace(a.Response) != "" {
			return Action{Final: true, Message: strings.TrimSpace(a.Response)}, true
		}
	}
	return Action{}, false
}

// tryActionJSON parses one candidate JSON fragment into an Action.
func tryActionJSON(s string) (Action, bool) {
	s = strings.TrimSpace(s)
	if s == "" || !strings.HasPrefix(s, "{") {
		return Action{}, false
	}
	var env actionEnvelope
	if !lenientUnmarshal(s, &env) {
		return Action{}, false
	}
	return env.toAction()
}

// ParseAction extracts the single action descriptor from a self-parsed-mode
// reply. Scanning order: <tool_call>/name-arguments blocks, the whole text
// as JSON, the first balanced object containing "action", fenced code
// blocks, then the tail from the first brace. Returns false when the reply
// carries no descriptor (the caller treats the text as the final answer,
// after nudging).
func ParseAction(content string) (Action, bool) {
	raw := stripThinkBlocks(content)
	if raw == "" {
		return Action{}, false
	}
	// One action per turn: when the model emits several blocks anyway, run
	// the first; the tool result re-anchors it for the rest.
	if calls, _ := ParseContentToolCalls(raw); len(calls) > 0 {
		return Action{Call: calls[0]}, true
	}
	if a, ok := tryActionJSON(raw); ok {
		return a, true
	}
	if strings.Contains(raw, `"action"`) {
		from := 0
		for {
			obj := firstBalancedObject(raw, from)
			if obj == "" {
				break
			}
			if strings.Contains(obj, `"action"`) {
				if a, ok := tryActionJSON(obj); ok {
					return a, true
				}
			}
			next := strings.Index(raw[from:], obj)
			if next < 0 {
				break
			}
			from += next + len(obj)
		}
	}
	for _, m := range codeFenceRx.FindAllStringSubmatch(raw, -1) {
		if a, ok := tryActionJSON(m[1]); ok {
			return a, true
		}
	}
	if i := strings.Index(raw, "{"); i >= 0 {
		if a, ok := tryActionJSON(raw[i:]); ok {
			return a, true
		}
	}
	return Action{}, false
}

// WrapToolResult wraps dispatch output for the next user turn in self-parsed
// mode. The asset attribute keeps multi-host summaries unambiguous.
func WrapToolResult(result, assetName string) string {
	if result == "" {
		result = "(no output)"
	}
	if assetName != "" {
		return fmt.Sprintf("<tool_result asset=%q>\n%s\n</tool_result>", assetName, result)
	}
	return "<tool_result>\n" + result + "\n</tool_result>"
}
