package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/opsagent/opsagent/internal/config"
	"github.com/opsagent/opsagent/internal/core"
	"github.com/opsagent/opsagent/internal/llm"
	"github.com/opsagent/opsagent/internal/tools"
)

// maxNudges bounds format-reminder retries in self-parsed mode.
const maxNudges = 2

// Loop drives one instruction through the ask-model / dispatch-tools cycle
// until the model produces a final answer or the round budget runs out.
// A Loop is safe for concurrent Run calls; all per-run state lives on the
// stack of Run.
type Loop struct {
	cfg      *config.Config
	client   core.LLMClient
	registry *tools.Registry
}

// New wires a loop and fails fast on misconfiguration; contract violations
// here must never surface mid-run.
func New(cfg *config.Config, client core.LLMClient, registry *tools.Registry) (*Loop, error) {
	if cfg == nil {
		return nil, fmt.Errorf("agent: nil config")
	}
	if cfg.MaxRounds <= 0 {
		return nil, fmt.Errorf("agent: max_rounds must be positive, got %d", cfg.MaxRounds)
	}
	if client == nil {
		return nil, fmt.Errorf("agent: nil LLM client")
	}
	if registry == nil {
		return nil, fmt.Errorf("agent: nil tool registry")
	}
	if err := registry.Validate(); err != nil {
		return nil, err
	}
	return &Loop{cfg: cfg, client: client, registry: registry}, nil
}

// Request is one instruction to run.
type Request struct {
	Instruction string
	// History carries prior conversation turns (session continuation).
	History []core.Message
	// AllowedAssets restricts execution to these names when non-empty.
	AllowedAssets []string
	// TraceID tags log lines; optional.
	TraceID string
}

// Result is the terminal outcome of a run.
type Result struct {
	Reply    string
	Commands []core.ExecutionRecord
	// Messages is the full conversation including this turn, for session
	// persistence.
	Messages []core.Message
}

// Run executes the instruction. Events stream to sink in order: zero or
// more command_start/command_result pairs, then exactly one reply or error.
// The returned error is non-nil only for model-endpoint failures and
// cancellation; tool and remote failures are folded into the conversation.
// Pass nil as sink for a synchronous call.
func (l *Loop) Run(ctx context.Context, req Request, sink core.EventSink) (Result, error) {
	s := newRunSink(sink)
	prefix := ""
	if req.TraceID != "" {
		prefix = "[" + req.TraceID + "] "
	}

	mode := l.cfg.LLM.Mode
	sys := systemPrompt
	if mode == config.ModeSelfParsed {
		sys = selfParsedSystemPrompt
	}
	messages := make([]core.Message, 0, len(req.History)+2)
	messages = append(messages, core.Message{Role: "system", Content: sys})
	messages = append(messages, req.History...)
	messages = append(messages, core.Message{Role: "user", Content: effectiveInstruction(req.Instruction, req.AllowedAssets)})

	var allowed map[string]struct{}
	if len(req.AllowedAssets) > 0 {
		allowed = make(map[string]struct{}, len(req.AllowedAssets))
		for _, name := range req.AllowedAssets {
			allowed[name] = struct{}{}
		}
	}
	opts := tools.DispatchOptions{
		Allowed:        allowed,
		OnCommandStart: s.CommandStart,
		OnCommandDone:  s.CommandResult,
	}

	nudges := 0
	for round := 1; round <= l.cfg.MaxRounds; round++ {
		if ctx.Err() != nil {
			s.mute()
			return Result{Reply: cancelledReply, Commands: s.commands, Messages: messages}, ctx.Err()
		}
		log.Printf("[AGENT] %sround %d/%d mode=%s messages=%d", prefix, round, l.cfg.MaxRounds, mode, len(messages))

		var done bool
		var result Result
		var err error
		if mode == config.ModeNative {
			done, result, err = l.nativeRound(ctx, &messages, &mode, opts, s, prefix)
		} else {
			done, result, err = l.selfParsedRound(ctx, &messages, &nudges, opts, s, prefix)
		}
		if done || err != nil {
			return result, err
		}
	}

	log.Printf("[AGENT] %sround budget exhausted", prefix)
	s.Reply(stepLimitReply)
	return Result{Reply: stepLimitReply, Commands: s.commands, Messages: messages}, nil
}

// modelFailed reports an endpoint failure as the terminal event. Cancellation
// observed mid-call mutes the sink instead.
func (l *Loop) modelFailed(ctx context.Context, s *runSink, messages []core.Message, err error) (Result, error) {
	if ctx.Err() != nil {
		s.mute()
		return Result{Reply: cancelledReply, Commands: s.commands, Messages: messages}, ctx.Err()
	}
	s.Error(err.Error())
	return Result{Commands: s.commands, Messages: messages}, err
}

// nativeRound performs one model query in native tool-calling mode and
// dispatches any requested calls. done=true means a terminal outcome.
func (l *Loop) nativeRound(ctx context.Context, messages *[]core.Message, mode *string, opts tools.DispatchOptions, s *runSink, prefix string) (bool, Result, error) {
	content, calls, err := l.client.ChatCompletionWithTools(ctx, *messages, tools.Definitions())
	if err != nil {
		var unsupported llm.ErrToolsUnsupported
		if errors.As(err, &unsupported) {
			// Endpoint rejects the tools field: degrade to the self-parsed
			// protocol for the rest of this run.
			log.Printf("[AGENT] %sendpoint does not support tools, switching to self-parsed mode", prefix)
			*mode = config.ModeSelfParsed
			(*messages)[0] = core.Message{Role: "system", Content: selfParsedSystemPrompt}
			return false, Result{}, nil
		}
		r, rerr := l.modelFailed(ctx, s, *messages, err)
		return true, r, rerr
	}

	// Some providers emit descriptors in content instead of tool_calls.
	if len(calls) == 0 {
		if parsed, cleaned := ParseContentToolCalls(content); len(parsed) > 0 {
			log.Printf("[AGENT] %sparsed %d tool call(s) from content", prefix, len(parsed))
			calls = parsed
			content = cleaned
		}
	}

	if len(calls) == 0 {
		*messages = append(*messages, core.Message{Role: "assistant", Content: content})
		s.Reply(content)
		return true, Result{Reply: content, Commands: s.commands, Messages: *messages}, nil
	}

	*messages = append(*messages, core.Message{Role: "assistant", Content: content, ToolCalls: calls})
	for _, call := range calls {
		out, err := l.registry.Dispatch(ctx, call, opts)
		if err != nil {
			s.mute()
			return true, Result{Reply: cancelledReply, Commands: s.commands, Messages: *messages}, err
		}
		*messages = append(*messages, core.Message{Role: "tool", Content: out, ToolCallID: call.ID})
	}
	return false, Result{}, nil
}

// selfParsedRound performs one model query in self-parsed mode: parse the
// single action descriptor, dispatch it, and feed a <tool_result> back.
func (l *Loop) selfParsedRound(ctx context.Context, messages *[]core.Message, nudges *int, opts tools.DispatchOptions, s *runSink, prefix string) (bool, Result, error) {
	content, err := l.client.ChatCompletion(ctx, *messages)
	if err != nil {
		r, rerr := l.modelFailed(ctx, s, *messages, err)
		return true, r, rerr
	}

	action, ok := ParseAction(content)
	if !ok {
		if *nudges < maxNudges && strings.TrimSpace(content) != "" && !looksLikeFinalText(content) {
			*nudges++
			log.Printf("[AGENT] %sno parseable action, sending format reminder (%d/%d)", prefix, *nudges, maxNudges)
			*messages = append(*messages,
				core.Message{Role: "assistant", Content: content},
				core.Message{Role: "user", Content: formatReminder},
			)
			return false, Result{}, nil
		}
		// No descriptor after nudging: the text is the answer.
		reply := strings.TrimSpace(content)
		if reply == "" {
			reply = "The model returned no usable action or answer."
		}
		*messages = append(*messages, core.Message{Role: "assistant", Content: content})
		s.Reply(reply)
		return true, Result{Reply: reply, Commands: s.commands, Messages: *messages}, nil
	}

	*messages = append(*messages, core.Message{Role: "assistant", Content: content})
	if action.Final {
		reply := action.Message
		if reply == "" {
			reply = strings.TrimSpace(content)
		}
		s.Reply(reply)
		return true, Result{Reply: reply, Commands: s.commands, Messages: *messages}, nil
	}

	out, err := l.registry.Dispatch(ctx, action.Call, opts)
	if err != nil {
		s.mute()
		return true, Result{Reply: cancelledReply, Commands: s.commands, Messages: *messages}, err
	}
	*messages = append(*messages, core.Message{
		Role:    "user",
		Content: WrapToolResult(out, callAssetName(action.Call)),
	})
	return false, Result{}, nil
}

// callAssetName pulls asset_name out of a call's arguments for the
// <tool_result> attribute; empty for list_assets and unparseable args.
func callAssetName(call core.ToolCall) string {
	var args struct {
		AssetName string `json:"asset_name"`
	}
	_ = json.Unmarshal([]byte(call.Function.Arguments), &args)
	return args.AssetName
}

// looksLikeFinalText recognizes replies that are clearly a natural-language
// summary rather than a malformed action, so we don't burn nudges on them.
func looksLikeFinalText(content string) bool {
	c := strings.TrimSpace(stripThinkBlocks(content))
	if len(c) < 50 {
		return false
	}
	if strings.HasPrefix(c, "{") || strings.Contains(c, `"action"`) || strings.Contains(c, "<tool_call") {
		return false
	}
	return true
}
