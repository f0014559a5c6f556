package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"recleaner/internal/config"
	"recleaner/internal/types"
)

// ErrNoCheckpoint is returned by Load when the store holds no document.
var ErrNoCheckpoint = errors.New("no checkpoint")

// Store is a named location holding one checkpoint document.
type Store interface {
	Save(ctx context.Context, doc []byte) error
	// Load returns ErrNoCheckpoint when nothing was saved.
	Load(ctx context.Context) ([]byte, error)
	Remove(ctx context.Context) error
	Location() string
}

// Open returns the store selected by cfg.
func Open(cfg config.CheckpointConfig) (Store, error) {
	switch cfg.Backend {
	case "", "file":
		return NewFileStore(cfg.Path), nil
	case "sqlite":
		return NewSQLiteStore(cfg.Path)
	}
	return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.Backend)
}

// Save serializes st and writes it to store. The write is durable when Save returns.
func Save(ctx context.Context, store Store, st *PipelineState) error {
	st.Version = Version
	st.SavedAt = time.Now().UTC()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := store.Save(ctx, data); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", store.Location(), err)
	}
	return nil
}

// document mirrors PipelineState with pointers for the required fields so a
// missing field can be told apart from a zero value.
type document struct {
	Version        string                    `json:"version"`
	RunID          string                    `json:"run_id"`
	SourcePath     string                    `json:"source_path"`
	Functions      *[]types.AcceptedFunction `json:"functions"`
	Outcomes       *[]types.ChunkOutcome     `json:"outcomes"`
	Cursor         *int                      `json:"cursor"`
	TotalChunks    int                       `json:"total_chunks"`
	Config         *config.Config            `json:"config"`
	Counters       Counters                  `json:"counters"`
	Latency        LatencyTracker            `json:"latency"`
	ValidationPool Pool                      `json:"validation_pool"`
	SavedAt        time.Time                 `json:"saved_at"`
}

// Load reads and validates the checkpoint in store. An unreadable or incomplete
// document fails with *types.CorruptStateError.
func Load(ctx context.Context, store Store) (*PipelineState, error) {
	data, err := store.Load(ctx)
	if err != nil {
		if errors.Is(err, ErrNoCheckpoint) {
			return nil, fmt.Errorf("%s: %w", store.Location(), err)
		}
		return nil, &types.CorruptStateError{Location: store.Location(), Reason: "unreadable", Err: err}
	}
	return decode(store.Location(), data)
}

func decode(location string, data []byte) (*PipelineState, error) {
	corrupt := func(reason string, err error) error {
		return &types.CorruptStateError{Location: location, Reason: reason, Err: err}
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, corrupt("invalid JSON", err)
	}
	switch {
	case doc.Functions == nil:
		return nil, corrupt("missing required field functions", nil)
	case doc.Outcomes == nil:
		return nil, corrupt("missing required field outcomes", nil)
	case doc.Cursor == nil:
		return nil, corrupt("missing required field cursor", nil)
	case doc.Config == nil:
		return nil, corrupt("missing required field config", nil)
	case *doc.Cursor < 0:
		return nil, corrupt(fmt.Sprintf("negative cursor %d", *doc.Cursor), nil)
	case doc.TotalChunks < 0:
		return nil, corrupt(fmt.Sprintf("negative total_chunks %d", doc.TotalChunks), nil)
	case *doc.Cursor > doc.TotalChunks:
		return nil, corrupt(fmt.Sprintf("cursor %d past total_chunks %d", *doc.Cursor, doc.TotalChunks), nil)
	}

	seen := make(map[string]struct{}, len(*doc.Functions))
	for i, fn := range *doc.Functions {
		if fn.Name == "" || fn.Code == "" {
			return nil, corrupt(fmt.Sprintf("function %d has no name or code", i), nil)
		}
		if _, dup := seen[fn.Name]; dup {
			return nil, corrupt("duplicate function "+fn.Name, types.ErrDuplicateName)
		}
		seen[fn.Name] = struct{}{}
	}
	for _, o := range *doc.Outcomes {
		if !o.Status.Valid() {
			return nil, corrupt(fmt.Sprintf("chunk %d has unknown status %q", o.ChunkIndex, o.Status), nil)
		}
	}

	st := &PipelineState{
		Version:        doc.Version,
		RunID:          doc.RunID,
		SourcePath:     doc.SourcePath,
		Functions:      *doc.Functions,
		Outcomes:       *doc.Outcomes,
		Cursor:         *doc.Cursor,
		TotalChunks:    doc.TotalChunks,
		Config:         *doc.Config,
		Counters:       doc.Counters,
		Latency:        doc.Latency,
		ValidationPool: doc.ValidationPool,
		SavedAt:        doc.SavedAt,
	}
	return st, nil
}

// Resume loads the checkpoint and checks it belongs to sourcePath.
func Resume(ctx context.Context, store Store, sourcePath string) (*PipelineState, error) {
	st, err := Load(ctx, store)
	if err != nil {
		return nil, err
	}
	if st.SourcePath != sourcePath {
		return nil, fmt.Errorf("%w: checkpoint is for %q, input is %q", types.ErrStateMismatch, st.SourcePath, sourcePath)
	}
	return st, nil
}
