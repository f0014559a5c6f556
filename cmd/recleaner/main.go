package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"recleaner/internal/config"
	"recleaner/internal/logging"
	"recleaner/internal/types"
)

var (
	// Global flags
	configPath string
	verbose    bool
	logFormat  string
	quiet      bool

	logger *zap.Logger
)

// Exit codes.
const (
	exitOK       = 0
	exitInput    = 1
	exitProvider = 2
	exitRun      = 3
)

// exitError carries the process exit code for an error.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func inputErr(err error) error    { return &exitError{code: exitInput, err: err} }
func providerErr(err error) error { return &exitError{code: exitProvider, err: err} }

// exitCode maps err to a process exit code. Errors without an explicit code
// are run errors unless they come from the generator.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	var gf *types.GeneratorFailure
	if errors.As(err, &gf) {
		return exitProvider
	}
	return exitRun
}

var rootCmd = &cobra.Command{
	Use:   "recleaner",
	Short: "Generate a Go data-cleaning library from sample data",
	Long: `recleaner reads a data file in chunks and asks a language model to write
small Go cleaning functions for the issues it finds. Every function is checked
statically, run against sample records in an interpreter, and only then added to
the library. The result is a single Go file with a CleanData entrypoint.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		opts := logging.Options{Level: "info", Format: logFormat}
		if verbose {
			opts.Level = "debug"
		}
		if quiet {
			opts.Level = "warn"
		}
		var err error
		logger, err = logging.New(opts)
		if err != nil {
			return inputErr(fmt.Errorf("failed to initialize logger: %w", err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (.yaml or .toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Only log warnings and errors")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "Log format: console or json")

	registerRunFlags(generateCmd)
	registerRunFlags(analyzeCmd)
	resumeCmd.Flags().StringVar(&runFlags.apiKey, "api-key", "", "API key (default: OPENAI_API_KEY or GEMINI_API_KEY)")
	resumeCmd.Flags().StringVarP(&runFlags.output, "output", "o", "", "Override the output path stored in the checkpoint")

	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return inputErr(err)
	})
	rootCmd.AddCommand(generateCmd, analyzeCmd, resumeCmd)
}

// loadConfig reads the config file named by --config, or the defaults.
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.DefaultConfig(), nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, inputErr(err)
	}
	return cfg, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: ")+err.Error())
	}
	os.Exit(exitCode(err))
}
