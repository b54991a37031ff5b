package tools

import "github.com/opsagent/opsagent/internal/core"

// Tool names routed by the registry.
const (
	ToolListAssets     = "list_assets"
	ToolExecuteCommand = "execute_command"
	ToolUploadFile     = "upload_file"
)

// spec pairs a definition with the argument fields dispatch validates.
// Required args must be present non-empty strings before any side effect.
type spec struct {
	def      core.ToolDefinition
	required []string
}

var specs = map[string]spec{
	ToolListAssets: {
		def: core.ToolDefinition{
			Type: "function",
			Function: core.FunctionSpec{
				Name:        ToolListAssets,
				Description: "List all configured Linux assets (servers) with name and connection target, to confirm which machine to operate on.",
				Parameters: map[string]interface{}{
					"type":       "object",
					"properties": map[string]interface{}{},
				},
			},
		},
	},
	ToolExecuteCommand: {
		def: core.ToolDefinition{
			Type: "function",
			Function: core.FunctionSpec{
				Name:        ToolExecuteCommand,
				Description: "Execute a shell command on the named Linux asset. Used for inspection, deployment, log review. Commands run non-interactively over SSH.",
				Parameters: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"asset_name": map[string]string{"type": "string", "description": "Asset name; must exist in the asset list, e.g. web-server-01"},
						"command":    map[string]string{"type": "string", "description": "Complete shell command to run, e.g. df -h"},
					},
					"required": []string{"asset_name", "command"},
				},
			},
		},
		required: []string{"asset_name", "command"},
	},
	ToolUploadFile: {
		def: core.ToolDefinition{
			Type: "function",
			Function: core.FunctionSpec{
				Name:        ToolUploadFile,
				Description: "Upload a small text file to a path on the named asset. Content is written verbatim.",
				Parameters: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"asset_name":  map[string]string{"type": "string", "description": "Target asset name"},
						"remote_path": map[string]string{"type": "string", "description": "Absolute destination path on the asset"},
						"content":     map[string]string{"type": "string", "description": "File content to write"},
					},
					"required": []string{"asset_name", "remote_path", "content"},
				},
			},
		},
		required: []string{"asset_name", "remote_path", "content"},
	},
}

// Definitions returns the tool declarations advertised to the model, in a
// stable order.
func Definitions() []core.ToolDefinition {
	return []core.ToolDefinition{
		specs[ToolListAssets].def,
		specs[ToolExecuteCommand].def,
		specs[ToolUploadFile].def,
	}
}
