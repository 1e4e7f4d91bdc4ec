package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestNewDefaultConfig_IsValid(t *testing.T) {
	config := NewDefaultConfig()
	require.NoError(t, config.Validate())

	assert.Equal(t, 3000, config.Reply.MaxLength)
	assert.Equal(t, 0.5, config.Media.FrameFPS)
	assert.Equal(t, "sender", config.Dedup.Scope)
	assert.Contains(t, config.Pipeline.Stages, "download")
}

func TestLoadFromFiles_LaterFilesOverride(t *testing.T) {
	base := writeConfig(t, "base.toml", `
[pipeline]
workers = 8
max_heavy_jobs = 3

[llm]
provider = "claude"
`)
	override := writeConfig(t, "override.toml", `
[pipeline]
max_heavy_jobs = 1

[dedup]
window = "30m"
`)

	config, err := LoadFromFiles(base, override)
	require.NoError(t, err)

	assert.Equal(t, 8, config.Pipeline.Workers)
	assert.Equal(t, 1, config.Pipeline.MaxHeavyJobs)
	assert.Equal(t, LLMProviderClaude, config.LLM.Provider)
	assert.Equal(t, "30m", config.Dedup.Window)
	assert.Equal(t, "signal-cli", config.Messaging.Transport)
}

func TestLoadFromFiles_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "brainrot.toml", `
[pipeline]
workers = 8
`)
	t.Setenv("BRAINROT_PIPELINE_WORKERS", "2")
	t.Setenv("BRAINROT_ALLOWED_SENDERS", "+15550001, +15550002")
	t.Setenv("BRAINROT_DEDUP_WINDOW", "not-a-duration")

	config, err := LoadFromFiles(path)
	require.NoError(t, err)

	assert.Equal(t, 2, config.Pipeline.Workers)
	assert.Equal(t, []string{"+15550001", "+15550002"}, config.Messaging.AllowedSenders)
	assert.Equal(t, "10m", config.Dedup.Window)
}

func TestLoadFromFiles_Errors(t *testing.T) {
	_, err := LoadFromFiles(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	bad := writeConfig(t, "bad.toml", "[pipeline\nworkers = ")
	_, err = LoadFromFiles(bad)
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero workers", func(c *Config) { c.Pipeline.Workers = 0 }},
		{"unknown provider", func(c *Config) { c.LLM.Provider = "gpt" }},
		{"unknown transport", func(c *Config) { c.Messaging.Transport = "carrier-pigeon" }},
		{"bad duration", func(c *Config) { c.Pipeline.JobBudget = "soon" }},
		{"bad stage backoff kind", func(c *Config) {
			c.Pipeline.Stages["download"] = StageConfig{BackoffKind: "linear"}
		}},
		{"bad cron", func(c *Config) { c.Maintenance.SweepSchedule = "every now and then" }},
		{"bad dedup scope", func(c *Config) { c.Dedup.Scope = "group" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"bad log output", func(c *Config) { c.Logging.Output = []string{"stdout", "syslog"} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := NewDefaultConfig()
			tt.mutate(config)
			assert.Error(t, config.Validate())
		})
	}
}

func TestApplyFlagOverrides(t *testing.T) {
	config := NewDefaultConfig()
	ApplyFlagOverrides(config, 0, "")
	assert.Equal(t, 8086, config.Server.Port)

	ApplyFlagOverrides(config, 9000, "0.0.0.0")
	assert.Equal(t, 9000, config.Server.Port)
	assert.Equal(t, "0.0.0.0", config.Server.Host)
}

func TestResolveAPIKey(t *testing.T) {
	t.Setenv("BRAINROT_CLAUDE_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "from-env")

	key, err := ResolveAPIKey("claude_api_key", "from-config")
	require.NoError(t, err)
	assert.Equal(t, "from-env", key)

	t.Setenv("ANTHROPIC_API_KEY", "")
	key, err = ResolveAPIKey("claude_api_key", "from-config")
	require.NoError(t, err)
	assert.Equal(t, "from-config", key)

	_, err = ResolveAPIKey("claude_api_key", "")
	assert.Error(t, err)
}

func TestParseDurationOr(t *testing.T) {
	assert.Equal(t, 5*time.Second, ParseDurationOr("5s", time.Minute))
	assert.Equal(t, time.Minute, ParseDurationOr("", time.Minute))
	assert.Equal(t, time.Minute, ParseDurationOr("abc", time.Minute))
}
