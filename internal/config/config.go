package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"recleaner/internal/logging"
	"recleaner/internal/types"
)

// Config holds all recleaner configuration.
type Config struct {
	Run        RunConfig        `yaml:"run" toml:"run" json:"run"`
	Generator  GeneratorConfig  `yaml:"generator" toml:"generator" json:"generator"`
	Optimizer  OptimizerConfig  `yaml:"optimizer" toml:"optimizer" json:"optimizer"`
	Saturation SaturationConfig `yaml:"saturation" toml:"saturation" json:"saturation"`
	Checkpoint CheckpointConfig `yaml:"checkpoint" toml:"checkpoint" json:"checkpoint"`
	Export     ExportConfig     `yaml:"export" toml:"export" json:"export"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging" json:"logging"`
}

// RunConfig configures the chunk loop.
type RunConfig struct {
	Mode             types.Mode `yaml:"mode" toml:"mode" json:"mode"`
	Instructions     string     `yaml:"instructions" toml:"instructions" json:"instructions"`
	ChunkSize        int        `yaml:"chunk_size" toml:"chunk_size" json:"chunk_size"`
	TextOverlap      int        `yaml:"text_overlap" toml:"text_overlap" json:"text_overlap"`
	MaxIterations    int        `yaml:"max_iterations" toml:"max_iterations" json:"max_iterations"`
	ParseRetries     int        `yaml:"parse_retries" toml:"parse_retries" json:"parse_retries"`
	ContextBudget    int        `yaml:"context_budget" toml:"context_budget" json:"context_budget"`
	SampleSize       int        `yaml:"sample_size" toml:"sample_size" json:"sample_size"`
	HoldoutRatio     float64    `yaml:"holdout_ratio" toml:"holdout_ratio" json:"holdout_ratio"`
	RecordTimeout    string     `yaml:"record_timeout" toml:"record_timeout" json:"record_timeout"`
	ValidationPool   int        `yaml:"validation_pool" toml:"validation_pool" json:"validation_pool"`
	DryRun           bool       `yaml:"dry_run" toml:"dry_run" json:"dry_run"`
	SchemaSampleSize int        `yaml:"schema_sample_size" toml:"schema_sample_size" json:"schema_sample_size"`
}

// GeneratorConfig configures the model adapter and its retry policy.
type GeneratorConfig struct {
	Provider    string  `yaml:"provider" toml:"provider" json:"provider"` // openai, gemini, scripted
	Model       string  `yaml:"model" toml:"model" json:"model"`
	BaseURL     string  `yaml:"base_url" toml:"base_url" json:"base_url,omitempty"`
	APIKey      string  `yaml:"api_key" toml:"api_key" json:"-"`
	Timeout     string  `yaml:"timeout" toml:"timeout" json:"timeout"`
	MaxAttempts int     `yaml:"max_attempts" toml:"max_attempts" json:"max_attempts"`
	BackoffBase string  `yaml:"backoff_base" toml:"backoff_base" json:"backoff_base"`
	BackoffMax  string  `yaml:"backoff_max" toml:"backoff_max" json:"backoff_max"`
	Temperature float64 `yaml:"temperature" toml:"temperature" json:"temperature"`
	MaxTokens   int     `yaml:"max_tokens" toml:"max_tokens" json:"max_tokens"`
	ScriptPath  string  `yaml:"script_path" toml:"script_path" json:"script_path,omitempty"`
}

// OptimizerConfig configures the consolidation pass.
type OptimizerConfig struct {
	Enabled             bool    `yaml:"enabled" toml:"enabled" json:"enabled"`
	Threshold           int     `yaml:"threshold" toml:"threshold" json:"threshold"`
	MaxRounds           int     `yaml:"max_rounds" toml:"max_rounds" json:"max_rounds"`
	SimilarityThreshold float64 `yaml:"similarity_threshold" toml:"similarity_threshold" json:"similarity_threshold"`
}

// SaturationConfig configures the saturation monitor.
type SaturationConfig struct {
	EarlyTermination bool    `yaml:"early_termination" toml:"early_termination" json:"early_termination"`
	Interval         int     `yaml:"interval" toml:"interval" json:"interval"`
	Window           int     `yaml:"window" toml:"window" json:"window"`
	Threshold        float64 `yaml:"threshold" toml:"threshold" json:"threshold"`
	AskModel         bool    `yaml:"ask_model" toml:"ask_model" json:"ask_model"`
}

// CheckpointConfig configures state persistence.
type CheckpointConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled" json:"enabled"`
	Backend string `yaml:"backend" toml:"backend" json:"backend"` // file, sqlite
	Path    string `yaml:"path" toml:"path" json:"path"`
}

// ExportConfig configures the generated library file.
type ExportConfig struct {
	OutputPath  string `yaml:"output_path" toml:"output_path" json:"output_path"`
	PackageName string `yaml:"package_name" toml:"package_name" json:"package_name"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" json:"level"`   // debug, info, warn, error
	Format string `yaml:"format" toml:"format" json:"format"` // json, console
	File   string `yaml:"file" toml:"file" json:"file,omitempty"`
}

// ValidProviders lists the supported generator providers.
var ValidProviders = []string{"openai", "gemini", "scripted"}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Run: RunConfig{
			Mode:             types.ModeStructured,
			ChunkSize:        50,
			TextOverlap:      200,
			MaxIterations:    5,
			ParseRetries:     3,
			ContextBudget:    8000,
			SampleSize:       3,
			HoldoutRatio:     0,
			RecordTimeout:    "2s",
			ValidationPool:   20,
			SchemaSampleSize: 10,
		},
		Generator: GeneratorConfig{
			Provider:    "openai",
			Model:       "gpt-4o-mini",
			BaseURL:     "https://api.openai.com/v1",
			Timeout:     "120s",
			MaxAttempts: 3,
			BackoffBase: "1s",
			BackoffMax:  "10s",
			Temperature: 0.2,
			MaxTokens:   4096,
		},
		Optimizer: OptimizerConfig{
			Enabled:             false,
			Threshold:           10,
			MaxRounds:           5,
			SimilarityThreshold: 0.35,
		},
		Saturation: SaturationConfig{
			EarlyTermination: false,
			Interval:         20,
			Window:           20,
			Threshold:        0.1,
			AskModel:         false,
		},
		Checkpoint: CheckpointConfig{
			Enabled: false,
			Backend: "file",
			Path:    "recleaner_state.json",
		},
		Export: ExportConfig{
			OutputPath:  "cleaning_functions.go",
			PackageName: "cleaning",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from a YAML or TOML file (chosen by extension).
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save writes the configuration as YAML, or TOML for a .toml path.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		var b strings.Builder
		err = toml.NewEncoder(&b).Encode(c)
		data = []byte(b.String())
	} else {
		data, err = yaml.Marshal(c)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && c.Generator.Provider == "openai" {
		c.Generator.APIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" && c.Generator.Provider == "gemini" {
		c.Generator.APIKey = key
	}
	if model := os.Getenv("RECLEANER_MODEL"); model != "" {
		c.Generator.Model = model
	}
	if url := os.Getenv("RECLEANER_BASE_URL"); url != "" {
		c.Generator.BaseURL = url
	}
	if path := os.Getenv("RECLEANER_STATE"); path != "" {
		c.Checkpoint.Path = path
		c.Checkpoint.Enabled = true
	}
}

// Validate checks that the configuration can drive a run.
func (c *Config) Validate() error {
	if !c.Run.Mode.Valid() {
		return fmt.Errorf("invalid mode: %q (valid: structured, text)", c.Run.Mode)
	}
	if c.Run.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive, got %d", c.Run.ChunkSize)
	}
	if c.Run.MaxIterations <= 0 {
		return fmt.Errorf("max_iterations must be positive, got %d", c.Run.MaxIterations)
	}
	if c.Run.ParseRetries <= 0 {
		return fmt.Errorf("parse_retries must be positive, got %d", c.Run.ParseRetries)
	}
	if c.Run.ContextBudget <= 0 {
		return fmt.Errorf("context_budget must be positive, got %d", c.Run.ContextBudget)
	}
	if c.Run.HoldoutRatio < 0 || c.Run.HoldoutRatio >= 1 {
		return fmt.Errorf("holdout_ratio must be in [0, 1), got %v", c.Run.HoldoutRatio)
	}
	if c.Run.TextOverlap < 0 {
		return fmt.Errorf("text_overlap must not be negative, got %d", c.Run.TextOverlap)
	}

	validProvider := false
	for _, p := range ValidProviders {
		if c.Generator.Provider == p {
			validProvider = true
			break
		}
	}
	if !validProvider {
		return fmt.Errorf("invalid generator provider: %s (valid: %v)", c.Generator.Provider, ValidProviders)
	}
	if c.Generator.MaxAttempts <= 0 {
		return fmt.Errorf("generator max_attempts must be positive, got %d", c.Generator.MaxAttempts)
	}

	if c.Optimizer.Enabled && c.Optimizer.MaxRounds <= 0 {
		return fmt.Errorf("optimizer max_rounds must be positive when enabled")
	}
	if c.Saturation.EarlyTermination && (c.Saturation.Interval <= 0 || c.Saturation.Window <= 0) {
		return fmt.Errorf("saturation interval and window must be positive when early termination is on")
	}
	switch c.Checkpoint.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("invalid checkpoint backend: %q (valid: file, sqlite)", c.Checkpoint.Backend)
	}

	for _, d := range []struct{ name, value string }{
		{"run.record_timeout", c.Run.RecordTimeout},
		{"generator.timeout", c.Generator.Timeout},
		{"generator.backoff_base", c.Generator.BackoffBase},
		{"generator.backoff_max", c.Generator.BackoffMax},
	} {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("invalid duration for %s: %w", d.name, err)
		}
	}

	return nil
}

// GetRecordTimeout returns the per-record execution deadline.
func (c *Config) GetRecordTimeout() time.Duration {
	return parseDurationOr(c.Run.RecordTimeout, 2*time.Second)
}

// GetGeneratorTimeout returns the per-call generator timeout.
func (c *Config) GetGeneratorTimeout() time.Duration {
	return parseDurationOr(c.Generator.Timeout, 120*time.Second)
}

// GetBackoff returns the retry backoff base and ceiling.
func (c *Config) GetBackoff() (base, max time.Duration) {
	return parseDurationOr(c.Generator.BackoffBase, time.Second),
		parseDurationOr(c.Generator.BackoffMax, 10*time.Second)
}

// LoggingOptions converts the logging section for logging.New.
func (c *Config) LoggingOptions() logging.Options {
	return logging.Options{Level: c.Logging.Level, Format: c.Logging.Format, File: c.Logging.File}
}

// Snapshot returns a copy safe to persist inside a checkpoint (no secrets).
func (c *Config) Snapshot() Config {
	snap := *c
	snap.Generator.APIKey = ""
	return snap
}

func parseDurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
