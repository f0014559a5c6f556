// Package logging provides category-scoped structured logging for recleaner.
// Every component receives a *zap.Logger and derives a named child for its
// category; there is no process-wide logger.
package logging

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot       Category = "boot"       // Startup, config loading
	CategoryEngine     Category = "engine"     // Chunk loop controller
	CategoryGenerator  Category = "generator"  // Model calls and retries
	CategorySafety     Category = "safety"     // Static code inspection
	CategorySandbox    Category = "sandbox"    // Interpreter validation
	CategoryDeps       Category = "deps"       // Dependency ordering
	CategoryOptimizer  Category = "optimizer"  // Consolidation pass
	CategorySaturation Category = "saturation" // Early termination checks
	CategoryCheckpoint Category = "checkpoint" // State persistence
	CategoryExport     Category = "export"     // Library output
)

// Options mirrors config.LoggingConfig to avoid an import cycle.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	File   string // optional extra output path
}

// New builds a logger from opts. An empty level means info; an empty format means json.
func New(opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if strings.TrimSpace(opts.Level) != "" {
		parsed, err := zapcore.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level = parsed
	}

	var cfg zap.Config
	switch opts.Format {
	case "", "json":
		cfg = zap.NewProductionConfig()
	case "console", "text":
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("invalid log format %q (valid: json, console)", opts.Format)
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}
	if opts.File != "" {
		cfg.OutputPaths = append(cfg.OutputPaths, opts.File)
	}
	cfg.ErrorOutputPaths = []string{"stderr"}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// For returns the category-scoped child of l.
func For(l *zap.Logger, category Category) *zap.Logger {
	return OrNop(l).Named(string(category))
}

// Timer measures one operation and logs its duration when stopped.
type Timer struct {
	logger *zap.Logger
	op     string
	start  time.Time
}

// StartTimer starts timing op.
func StartTimer(l *zap.Logger, op string) *Timer {
	return &Timer{logger: OrNop(l), op: op, start: time.Now()}
}

// Stop logs the elapsed time at debug level and returns it.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	t.logger.Debug("operation completed", zap.String("op", t.op), zap.Duration("elapsed", elapsed))
	return elapsed
}

// StopWithThreshold logs at warn level when the operation took longer than threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		t.logger.Warn("slow operation",
			zap.String("op", t.op),
			zap.Duration("elapsed", elapsed),
			zap.Duration("threshold", threshold))
		return elapsed
	}
	t.logger.Debug("operation completed", zap.String("op", t.op), zap.Duration("elapsed", elapsed))
	return elapsed
}
