package main

import (
	"context"
	"errors"
	"path/filepath"

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

var resumeCmd = &cobra.Command{
	Use:   "resume <state-file> <file>",
	Short: "Continue an interrupted run from its checkpoint",
	Long: `Loads the checkpoint, re-reads the input with the settings stored in it and
continues from the first unprocessed chunk. The input must be the file the run
was started on.`,
	Args: exactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runResume(cmd, args[0], args[1])
	},
}

func runResume(cmd *cobra.Command, statePath, path string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return inputErr(err)
	}
	store, err := state.Open(config.CheckpointConfig{Enabled: true, Backend: backendFor(statePath), Path: statePath})
	if err != nil {
		return inputErr(err)
	}
	defer closeStore(store)

	st, err := state.Resume(ctx, store, abs)
	if err != nil {
		var corrupt *types.CorruptStateError
		if errors.As(err, &corrupt) || errors.Is(err, state.ErrNoCheckpoint) || errors.Is(err, types.ErrStateMismatch) {
			return inputErr(err)
		}
		return err
	}

	// the checkpoint never stores the API key
	cfg := &st.Config
	applyAPIKey(cfg)
	if runFlags.output != "" {
		cfg.Export.OutputPath = runFlags.output
	}
	cfg.Checkpoint = config.CheckpointConfig{Enabled: true, Backend: backendFor(statePath), Path: statePath}

	chunks, err := source.Open(abs, source.Options{Mode: cfg.Run.Mode, ChunkSize: cfg.Run.ChunkSize, TextOverlap: cfg.Run.TextOverlap})
	if err != nil {
		return inputErr(err)
	}
	logging.For(logger, logging.CategoryBoot).Info("resuming",
		zap.String("run_id", st.RunID),
		zap.Int("cursor", st.Cursor),
		zap.Int("chunks", len(chunks)))

	gen, err := generator.New(ctx, cfg, logging.For(logger, logging.CategoryGenerator))
	if err != nil {
		return providerErr(err)
	}

	return execute(ctx, cmd, gen, engine.Options{Config: cfg, SourcePath: abs, Store: store}, func(eng *engine.Engine) (*engine.Summary, error) {
		sum, err := eng.Resume(ctx, st, chunks)
		if errors.Is(err, types.ErrStateMismatch) {
			return sum, inputErr(err)
		}
		return sum, err
	})
}
