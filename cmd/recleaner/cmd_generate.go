package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"recleaner/internal/config"
	"recleaner/internal/engine"
	"recleaner/internal/generator"
	"recleaner/internal/logging"
	"recleaner/internal/source"
	"recleaner/internal/state"
	"recleaner/internal/types"
)

// runOptions holds flags shared by generate and analyze. Zero values leave
// the config untouched.
type runOptions struct {
	instructions     string
	provider         string
	model            string
	baseURL          string
	apiKey           string
	script           string
	mode             string
	chunkSize        int
	maxIterations    int
	stateFile        string
	optimize         bool
	earlyTermination bool
	holdout          float64
	output           string
	dryRun           bool
}

var runFlags runOptions

var generateCmd = &cobra.Command{
	Use:   "generate <file>",
	Short: "Build a cleaning library from a data file",
	Long: `Reads the file in chunks and grows a library of cleaning functions until
each chunk is reported clean or runs out of iterations.

Instructions can be given inline, as @path to read them from a file, or as "-"
to read them from stdin.

Example:
  recleaner generate customers.jsonl -i "normalize phone numbers to digits only" -o cleaning.go`,
	Args: exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGenerate(cmd, args[0], runFlags.dryRun)
	},
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze <file>",
	Short: "Report data issues without building a library",
	Long: `Runs the same loop as generate but keeps nothing: accepted functions are
reported and discarded, no checkpoint is written and no library is exported.`,
	Args: exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGenerate(cmd, args[0], true)
	},
}

func registerRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&runFlags.instructions, "instructions", "i", "", "Cleaning instructions, @file, or - for stdin (required)")
	f.StringVar(&runFlags.provider, "provider", "", "Generator provider: openai, gemini or scripted")
	f.StringVar(&runFlags.model, "model", "", "Model name")
	f.StringVar(&runFlags.baseURL, "base-url", "", "OpenAI-compatible API base URL")
	f.StringVar(&runFlags.apiKey, "api-key", "", "API key (default: OPENAI_API_KEY or GEMINI_API_KEY)")
	f.StringVar(&runFlags.script, "script", "", "Reply script for the scripted provider")
	f.StringVar(&runFlags.mode, "mode", "", "Force structured or text mode (default: by extension)")
	f.IntVar(&runFlags.chunkSize, "chunk-size", 0, "Records per chunk (text: x80 characters)")
	f.IntVar(&runFlags.maxIterations, "max-iterations", 0, "Iterations per chunk")
	f.Float64Var(&runFlags.holdout, "holdout", 0, "Fraction of each chunk withheld from the prompt for validation")
	if cmd == generateCmd {
		f.StringVar(&runFlags.stateFile, "state-file", "", "Checkpoint after every chunk (.db/.sqlite uses SQLite)")
		f.BoolVar(&runFlags.optimize, "optimize", false, "Consolidate similar functions after the run")
		f.BoolVar(&runFlags.earlyTermination, "early-termination", false, "Stop once new chunks stop producing functions")
		f.StringVarP(&runFlags.output, "output", "o", "", "Output Go file")
		f.BoolVar(&runFlags.dryRun, "dry-run", false, "Same as analyze")
	}
}

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return inputErr(err)
		}
		return nil
	}
}

// readInstructions resolves the --instructions value.
func readInstructions(value string, stdin io.Reader) (string, error) {
	var text string
	switch {
	case value == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read instructions from stdin: %w", err)
		}
		text = string(data)
	case strings.HasPrefix(value, "@"):
		data, err := os.ReadFile(value[1:])
		if err != nil {
			return "", fmt.Errorf("failed to read instructions: %w", err)
		}
		text = string(data)
	default:
		text = value
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("instructions are required (--instructions)")
	}
	return text, nil
}

// applyRunFlags overlays explicitly set flags on cfg.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed
	if runFlags.provider != "" {
		cfg.Generator.Provider = runFlags.provider
	}
	if runFlags.model != "" {
		cfg.Generator.Model = runFlags.model
	}
	if runFlags.baseURL != "" {
		cfg.Generator.BaseURL = runFlags.baseURL
	}
	if runFlags.script != "" {
		cfg.Generator.ScriptPath = runFlags.script
	}
	applyAPIKey(cfg)
	if runFlags.mode != "" {
		cfg.Run.Mode = types.Mode(runFlags.mode)
	}
	if changed("chunk-size") {
		cfg.Run.ChunkSize = runFlags.chunkSize
	}
	if changed("max-iterations") {
		cfg.Run.MaxIterations = runFlags.maxIterations
	}
	if changed("holdout") {
		cfg.Run.HoldoutRatio = runFlags.holdout
	}
	if runFlags.stateFile != "" {
		cfg.Checkpoint.Enabled = true
		cfg.Checkpoint.Path = runFlags.stateFile
		cfg.Checkpoint.Backend = backendFor(runFlags.stateFile)
	}
	if changed("optimize") {
		cfg.Optimizer.Enabled = runFlags.optimize
	}
	if changed("early-termination") {
		cfg.Saturation.EarlyTermination = runFlags.earlyTermination
	}
	if runFlags.output != "" {
		cfg.Export.OutputPath = runFlags.output
	}
}

// applyAPIKey fills the key from --api-key or the provider's environment variable.
func applyAPIKey(cfg *config.Config) {
	if runFlags.apiKey != "" {
		cfg.Generator.APIKey = runFlags.apiKey
		return
	}
	if cfg.Generator.APIKey != "" {
		return
	}
	switch cfg.Generator.Provider {
	case "openai":
		cfg.Generator.APIKey = os.Getenv("OPENAI_API_KEY")
	case "gemini":
		cfg.Generator.APIKey = os.Getenv("GEMINI_API_KEY")
	}
}

func backendFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".sqlite", ".sqlite3":
		return "sqlite"
	}
	return "file"
}

func runGenerate(cmd *cobra.Command, path string, dryRun bool) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	bootLog := logging.For(logger, logging.CategoryBoot)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyRunFlags(cmd, cfg)
	cfg.Run.Instructions, err = readInstructions(runFlags.instructions, cmd.InOrStdin())
	if err != nil {
		return inputErr(err)
	}
	cfg.Run.DryRun = dryRun
	if dryRun {
		cfg.Checkpoint.Enabled = false
		cfg.Optimizer.Enabled = false
		cfg.Export.OutputPath = ""
	}
	if err := cfg.Validate(); err != nil {
		return inputErr(err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return inputErr(err)
	}
	cfg.Run.Mode = source.ModeFor(abs, cfg.Run.Mode)
	chunks, err := source.Open(abs, source.Options{Mode: cfg.Run.Mode, ChunkSize: cfg.Run.ChunkSize, TextOverlap: cfg.Run.TextOverlap})
	if err != nil {
		return inputErr(err)
	}
	bootLog.Info("loaded input",
		zap.String("path", abs),
		zap.String("mode", string(cfg.Run.Mode)),
		zap.Int("chunks", len(chunks)))

	var store state.Store
	if cfg.Checkpoint.Enabled {
		store, err = state.Open(cfg.Checkpoint)
		if err != nil {
			return inputErr(err)
		}
		defer closeStore(store)
	}

	gen, err := generator.New(ctx, cfg, logging.For(logger, logging.CategoryGenerator))
	if err != nil {
		return providerErr(err)
	}

	return execute(ctx, cmd, gen, engine.Options{Config: cfg, SourcePath: abs, Store: store}, func(eng *engine.Engine) (*engine.Summary, error) {
		return eng.Run(ctx, chunks)
	})
}

// execute wires progress output and runs fn.
func execute(ctx context.Context, cmd *cobra.Command, gen generator.Generator, opts engine.Options, fn func(*engine.Engine) (*engine.Summary, error)) error {
	out := cmd.ErrOrStderr()
	sink := engine.NewBufferedSink(newProgress(out), 256)
	opts.Sink = sink
	opts.Logger = logger

	sum, err := fn(engine.New(gen, opts))
	if dropped := sink.Close(); dropped > 0 {
		logger.Debug("progress events dropped", zap.Int("count", dropped))
	}
	if sum != nil {
		printSummary(cmd.OutOrStdout(), sum, opts.Config)
	}
	if err != nil {
		if opts.Store != nil {
			fmt.Fprintf(out, "%s resume with: recleaner resume %s %s\n",
				warnStyle.Render("checkpoint kept."), opts.Config.Checkpoint.Path, opts.SourcePath)
		}
		return err
	}
	return nil
}

func closeStore(store state.Store) {
	if c, ok := store.(io.Closer); ok {
		_ = c.Close()
	}
}
