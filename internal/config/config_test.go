package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8642", cfg.Listen)
	assert.Equal(t, 30, cfg.MaxRounds)
	assert.Equal(t, ModeNative, cfg.LLM.Mode)
	assert.Equal(t, "https://api.deepseek.com/v1", cfg.LLM.BaseURL)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
llm:
  base_url: http://127.0.0.1:11434
  model: qwen2.5:14b
  mode: selfparsed
listen: ":9000"
max_rounds: 12
assets:
  - name: web-1
    host: 10.0.0.1
    username: root
    password: hunter2
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:11434/v1", cfg.LLM.BaseURL)
	assert.Equal(t, "qwen2.5:14b", cfg.LLM.Model)
	assert.Equal(t, ModeSelfParsed, cfg.LLM.Mode)
	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, 12, cfg.MaxRounds)
	require.Len(t, cfg.Assets, 1)
	assert.Equal(t, "web-1", cfg.Assets[0].Name)
	assert.Equal(t, "hunter2", cfg.Assets[0].Password)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("llm:\n  model: from-file\n"), 0o600))

	t.Setenv("OPSAGENT_MODEL", "from-env")
	t.Setenv("OPSAGENT_API_KEY", "sk-test")
	t.Setenv("OPSAGENT_MAX_ROUNDS", "7")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.LLM.Model)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	assert.Equal(t, 7, cfg.MaxRounds)
}

func TestLoadRejectsUnknownMode(t *testing.T) {
	t.Setenv("OPSAGENT_MODE", "telepathy")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telepathy")
}

func TestNormalizeBaseURL(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"", "https://api.deepseek.com/v1"},
		{"https://api.deepseek.com", "https://api.deepseek.com/v1"},
		{"https://api.deepseek.com/v1", "https://api.deepseek.com/v1"},
		{"http://127.0.0.1:11434", "http://127.0.0.1:11434/v1"},
		{"127.0.0.1:11434", "http://127.0.0.1:11434/v1"},
		{"http://gateway.local/llm/v1/", "http://gateway.local/llm/v1"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, NormalizeBaseURL(c.in), "input %q", c.in)
	}
}
