package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/opsagent/opsagent/internal/core"
)

// Calling conventions for the model client.
const (
	ModeNative     = "native"     // API tool_calls
	ModeSelfParsed = "selfparsed" // action descriptors parsed out of free text
)

// LLMConfig points at an OpenAI-compatible chat endpoint.
type LLMConfig struct {
	// APIKey is optional for local endpoints (Ollama, vLLM).
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	// Mode selects the calling convention: "native" or "selfparsed".
	Mode string `yaml:"mode"`
}

// Config holds runtime configuration. Passed explicitly into constructors so
// concurrent runs with different configurations stay possible.
type Config struct {
	LLM    LLMConfig `yaml:"llm"`
	Listen string    `yaml:"listen"`
	DBPath string    `yaml:"db_path"`

	// MaxRounds bounds model queries per instruction; the loop terminates
	// with a step-limit reply when it is exhausted.
	MaxRounds int `yaml:"max_rounds"`
	// CommandTimeoutSeconds is the default per-command SSH timeout.
	CommandTimeoutSeconds int `yaml:"command_timeout_seconds"`
	// ToolResultMaxRunes caps tool output fed back to the model (0 = no cap).
	ToolResultMaxRunes int `yaml:"tool_result_max_runes"`

	// Assets seeds the store on startup (config-file assets, as opposed to
	// ones created through the API).
	Assets []core.Asset `yaml:"assets"`
}

// Default returns a config with workable defaults for a local endpoint.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			BaseURL: "https://api.deepseek.com",
			Model:   "deepseek-chat",
			Mode:    ModeNative,
		},
		Listen:                ":8642",
		DBPath:                "data/opsagent.db",
		MaxRounds:             30,
		CommandTimeoutSeconds: 60,
		ToolResultMaxRunes:    12000,
	}
}

// Load reads the YAML config at path (if it exists), applies OPSAGENT_* env
// overrides, and validates. A missing file is fine when env vars cover the
// endpoint.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	cfg.LLM.BaseURL = NormalizeBaseURL(cfg.LLM.BaseURL)
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = Default().MaxRounds
	}
	if cfg.LLM.Mode == "" {
		cfg.LLM.Mode = ModeNative
	}
	if cfg.LLM.Mode != ModeNative && cfg.LLM.Mode != ModeSelfParsed {
		return nil, fmt.Errorf("config: unknown llm.mode %q (want %q or %q)", cfg.LLM.Mode, ModeNative, ModeSelfParsed)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("OPSAGENT_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("OPSAGENT_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("OPSAGENT_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("OPSAGENT_MODE"); v != "" {
		cfg.LLM.Mode = v
	}
	if v := os.Getenv("OPSAGENT_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("OPSAGENT_DB"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("OPSAGENT_MAX_ROUNDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxRounds = n
		}
	}
}

// NormalizeBaseURL makes the base URL usable with an OpenAI-style client:
// a bare host:port gains http://, and a URL with no path gains /v1 (the
// DeepSeek official and Ollama-compatible layouts). Deeper user-supplied
// paths are respected as-is.
func NormalizeBaseURL(base string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return "https://api.deepseek.com/v1"
	}
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" {
		base = "http://" + base
		u, err = url.Parse(base)
		if err != nil {
			return strings.TrimRight(base, "/")
		}
	}
	path := strings.TrimRight(u.Path, "/")
	switch path {
	case "":
		return strings.TrimRight(base, "/") + "/v1"
	case "/v1":
		return strings.TrimRight(base, "/")
	default:
		return strings.TrimRight(base, "/")
	}
}
