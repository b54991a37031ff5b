package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/opsagent/opsagent/internal/core"
)

// Registry routes validated tool calls to the asset store and the remote
// executor. It is the single choke point for asset-name existence,
// restriction-set membership, and argument-shape checks; side effects happen
// only here, never during parsing.
type Registry struct {
	Store  core.AssetStore
	Runner core.CommandRunner
	// ResultMaxRunes caps command output fed back to the model (0 = no cap).
	ResultMaxRunes int
}

// DispatchOptions carries per-run context into Dispatch.
type DispatchOptions struct {
	// Allowed restricts execution to these asset names when non-nil.
	Allowed map[string]struct{}
	// OnCommandStart fires before a remote command is dispatched.
	OnCommandStart func(assetName, command string)
	// OnCommandDone fires after a remote command completes (success or not).
	OnCommandDone func(rec core.ExecutionRecord)
}

// Validate checks wiring at startup; misconfiguration here is fatal, unlike
// per-call errors which are fed back to the model as result text.
func (r *Registry) Validate() error {
	if r.Store == nil {
		return fmt.Errorf("tools: asset store not configured")
	}
	if r.Runner == nil {
		return fmt.Errorf("tools: command runner not configured")
	}
	return nil
}

// parseArgs unmarshals the raw argument JSON and verifies required string
// fields. Returned errors are model-facing descriptions, not loop failures.
func parseArgs(call core.ToolCall, sp spec) (map[string]string, error) {
	raw := strings.TrimSpace(call.Function.Arguments)
	if raw == "" {
		raw = "{}"
	}
	var generic map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &generic); err != nil {
		return nil, fmt.Errorf("invalid arguments for %s: %v", call.Function.Name, err)
	}
	args := make(map[string]string, len(generic))
	for k, v := range generic {
		if s, ok := v.(string); ok {
			args[k] = s
		}
	}
	var missing []string
	for _, req := range sp.required {
		if strings.TrimSpace(args[req]) == "" {
			missing = append(missing, req)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("%s: missing required argument(s): %s", call.Function.Name, strings.Join(missing, ", "))
	}
	return args, nil
}

// unescapeCommand turns literal \n and \t (as models write inside JSON
// strings) into real characters before execution.
func unescapeCommand(command string) string {
	command = strings.ReplaceAll(command, `\n`, "\n")
	return strings.ReplaceAll(command, `\t`, "\t")
}

// truncate caps s at max runes with a note so the model knows output was cut.
func (r *Registry) truncate(s string) string {
	if r.ResultMaxRunes <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= r.ResultMaxRunes {
		return s
	}
	return string(runes[:r.ResultMaxRunes]) +
		fmt.Sprintf("\n\n(output truncated to the first %d characters of %d)", r.ResultMaxRunes, len(runes))
}

// renderAssetList formats assets for the model: names and targets only,
// never credentials.
func renderAssetList(assets []core.Asset) string {
	if len(assets) == 0 {
		return "No assets are configured yet. Add servers via the asset API or config file."
	}
	var b strings.Builder
	for _, a := range assets {
		fmt.Fprintf(&b, "- %s: %s@%s:%d", a.Name, a.Username, a.Host, a.Port)
		if a.Metadata != "" {
			fmt.Fprintf(&b, " (%s)", a.Metadata)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// Dispatch executes one tool call and returns the result text for the tool
// turn. Validation failures, unknown assets, and transport errors all come
// back as result text so the model can self-correct; error is reserved for
// context cancellation.
func (r *Registry) Dispatch(ctx context.Context, call core.ToolCall, opts DispatchOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name := call.Function.Name
	sp, ok := specs[name]
	if !ok {
		return fmt.Sprintf("unknown tool %q; available tools: %s, %s, %s",
			name, ToolListAssets, ToolExecuteCommand, ToolUploadFile), nil
	}
	args, err := parseArgs(call, sp)
	if err != nil {
		return err.Error(), nil
	}

	switch name {
	case ToolListAssets:
		assets, err := r.Store.ListAssets(ctx)
		if err != nil {
			return fmt.Sprintf("listing assets failed: %v", err), nil
		}
		log.Printf("[TOOLS] list_assets -> %d assets", len(assets))
		return renderAssetList(assets), nil

	case ToolExecuteCommand:
		assetName := strings.TrimSpace(args["asset_name"])
		command := unescapeCommand(strings.TrimSpace(args["command"]))
		asset, msg := r.resolveAsset(ctx, assetName, opts)
		if msg != "" {
			return msg, nil
		}
		if opts.OnCommandStart != nil {
			opts.OnCommandStart(asset.Name, command)
		}
		started := time.Now()
		out, err := r.Runner.Run(ctx, asset, command)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		result := out
		if err != nil {
			result = fmt.Sprintf("command failed: %v", err)
		} else if strings.TrimSpace(result) == "" {
			result = "(no output)"
		}
		result = r.truncate(result)
		rec := core.ExecutionRecord{AssetName: asset.Name, Command: command, Result: result, StartedAt: started}
		if opts.OnCommandDone != nil {
			opts.OnCommandDone(rec)
		}
		return result, nil

	case ToolUploadFile:
		assetName := strings.TrimSpace(args["asset_name"])
		remotePath := strings.TrimSpace(args["remote_path"])
		asset, msg := r.resolveAsset(ctx, assetName, opts)
		if msg != "" {
			return msg, nil
		}
		out, err := r.Runner.Push(ctx, asset, []byte(args["content"]), remotePath)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		if err != nil {
			return fmt.Sprintf("upload failed: %v", err), nil
		}
		return out, nil
	}
	return fmt.Sprintf("tool %q is declared but not routed", name), nil
}

// resolveAsset checks existence, restriction membership, and runnability.
// A non-empty message means the call must not proceed; the message is the
// tool result.
func (r *Registry) resolveAsset(ctx context.Context, name string, opts DispatchOptions) (core.Asset, string) {
	if opts.Allowed != nil {
		if _, ok := opts.Allowed[name]; !ok {
			return core.Asset{}, fmt.Sprintf("asset %q is outside the allowed set for this request", name)
		}
	}
	asset, err := r.Store.GetAsset(ctx, name)
	if errors.Is(err, core.ErrAssetNotFound) {
		assets, lerr := r.Store.ListAssets(ctx)
		if lerr != nil {
			return core.Asset{}, fmt.Sprintf("asset %q not found", name)
		}
		return core.Asset{}, fmt.Sprintf("asset %q not found. Available assets:\n%s", name, renderAssetList(assets))
	}
	if err != nil {
		return core.Asset{}, fmt.Sprintf("looking up asset %q failed: %v", name, err)
	}
	if !asset.Runnable() {
		return core.Asset{}, fmt.Sprintf("asset %q has no password or private_key_path configured; it can be listed but not executed against", name)
	}
	return asset, ""
}
