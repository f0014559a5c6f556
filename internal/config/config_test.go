package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recleaner/internal/types"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Run.Mode != types.ModeStructured {
		t.Errorf("expected Mode=structured, got %s", cfg.Run.Mode)
	}
	if cfg.Run.MaxIterations != 5 {
		t.Errorf("expected MaxIterations=5, got %d", cfg.Run.MaxIterations)
	}
	if cfg.Run.ParseRetries != 3 {
		t.Errorf("expected ParseRetries=3, got %d", cfg.Run.ParseRetries)
	}
	if cfg.Run.ContextBudget != 8000 {
		t.Errorf("expected ContextBudget=8000, got %d", cfg.Run.ContextBudget)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestConfig_SaveLoadYAML(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("RECLEANER_MODEL", "")
	t.Setenv("RECLEANER_STATE", "")

	path := filepath.Join(t.TempDir(), "recleaner.yaml")

	cfg := DefaultConfig()
	cfg.Run.Instructions = "normalize phone numbers"
	cfg.Optimizer.Enabled = true
	cfg.Generator.Model = "local-model"

	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "normalize phone numbers", loaded.Run.Instructions)
	assert.True(t, loaded.Optimizer.Enabled)
	assert.Equal(t, "local-model", loaded.Generator.Model)
}

func TestConfig_SaveLoadTOML(t *testing.T) {
	t.Setenv("RECLEANER_MODEL", "")
	t.Setenv("RECLEANER_STATE", "")

	path := filepath.Join(t.TempDir(), "recleaner.toml")

	cfg := DefaultConfig()
	cfg.Run.Mode = types.ModeText
	cfg.Saturation.EarlyTermination = true

	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, types.ModeText, loaded.Run.Mode)
	assert.True(t, loaded.Saturation.EarlyTermination)
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	t.Setenv("RECLEANER_MODEL", "")
	t.Setenv("RECLEANER_STATE", "")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Run, cfg.Run)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("run: [unterminated"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestConfig_EnvOverrides(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("RECLEANER_MODEL", "env-model")
	t.Setenv("RECLEANER_BASE_URL", "http://localhost:1234/v1")
	t.Setenv("RECLEANER_STATE", "/tmp/state.json")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	assert.Equal(t, "sk-env", cfg.Generator.APIKey)
	assert.Equal(t, "env-model", cfg.Generator.Model)
	assert.Equal(t, "http://localhost:1234/v1", cfg.Generator.BaseURL)
	assert.Equal(t, "/tmp/state.json", cfg.Checkpoint.Path)
	assert.True(t, cfg.Checkpoint.Enabled)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad mode", func(c *Config) { c.Run.Mode = "binary" }},
		{"zero chunk size", func(c *Config) { c.Run.ChunkSize = 0 }},
		{"zero iterations", func(c *Config) { c.Run.MaxIterations = 0 }},
		{"zero parse retries", func(c *Config) { c.Run.ParseRetries = 0 }},
		{"holdout of one", func(c *Config) { c.Run.HoldoutRatio = 1 }},
		{"unknown provider", func(c *Config) { c.Generator.Provider = "carrier-pigeon" }},
		{"bad backend", func(c *Config) { c.Checkpoint.Backend = "s3" }},
		{"bad duration", func(c *Config) { c.Run.RecordTimeout = "soon" }},
		{"optimizer without rounds", func(c *Config) {
			c.Optimizer.Enabled = true
			c.Optimizer.MaxRounds = 0
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestConfig_SnapshotDropsAPIKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Generator.APIKey = "secret"
	snap := cfg.Snapshot()
	assert.Empty(t, snap.Generator.APIKey)
	assert.Equal(t, "secret", cfg.Generator.APIKey)
}

func TestConfig_DurationAccessors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Run.RecordTimeout = "250ms"
	cfg.Generator.BackoffBase = "bogus"

	assert.Equal(t, 250*time.Millisecond, cfg.GetRecordTimeout())
	base, max := cfg.GetBackoff()
	assert.Equal(t, time.Second, base)
	assert.Equal(t, 10*time.Second, max)
}
