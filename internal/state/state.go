// Package state holds the aggregate of a cleaning run: accepted functions,
// chunk outcomes, the chunk cursor and run counters. It is serialized as one
// JSON document so long runs can be resumed.
package state

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"recleaner/internal/config"
	"recleaner/internal/types"
)

// Version is the checkpoint document version.
const Version = "1"

// Counters are the run's quality counters.
type Counters struct {
	FunctionsGenerated int `json:"functions_generated"`
	DuplicatesSkipped  int `json:"duplicates_skipped"`
	ParseErrors        int `json:"parse_errors"`
	SafetyRejections   int `json:"safety_rejections"`
	RuntimeRejections  int `json:"runtime_rejections"`
	ChunksClean        int `json:"chunks_clean"`
	ChunksExhausted    int `json:"chunks_exhausted"`
	ChunksSkipped      int `json:"chunks_skipped"`
	Merges             int `json:"merges"`
}

// Pool is a bounded set of recent sample inputs used to validate merges.
type Pool struct {
	Records []types.Record `json:"records,omitempty"`
	Texts   []string       `json:"texts,omitempty"`
}

// PipelineState is the aggregate root of a run. It is owned by one goroutine.
type PipelineState struct {
	Version        string                   `json:"version"`
	RunID          string                   `json:"run_id"`
	SourcePath     string                   `json:"source_path"`
	Functions      []types.AcceptedFunction `json:"functions"`
	Outcomes       []types.ChunkOutcome     `json:"outcomes"`
	Cursor         int                      `json:"cursor"`
	TotalChunks    int                      `json:"total_chunks"`
	Config         config.Config            `json:"config"`
	Counters       Counters                 `json:"counters"`
	Latency        LatencyTracker           `json:"latency"`
	ValidationPool Pool                     `json:"validation_pool"`
	SavedAt        time.Time                `json:"saved_at"`

	names map[string]struct{}
}

// New creates the state for a fresh run over sourcePath.
func New(cfg *config.Config, sourcePath string, totalChunks int) *PipelineState {
	snap := config.DefaultConfig().Snapshot()
	if cfg != nil {
		snap = cfg.Snapshot()
	}
	return &PipelineState{
		Version:     Version,
		RunID:       uuid.NewString(),
		SourcePath:  sourcePath,
		Functions:   []types.AcceptedFunction{},
		Outcomes:    []types.ChunkOutcome{},
		TotalChunks: totalChunks,
		Config:      snap,
		names:       make(map[string]struct{}),
	}
}

func (s *PipelineState) index() map[string]struct{} {
	if s.names == nil {
		s.names = make(map[string]struct{}, len(s.Functions))
		for _, fn := range s.Functions {
			s.names[fn.Name] = struct{}{}
		}
	}
	return s.names
}

// HasFunction reports whether name is already accepted.
func (s *PipelineState) HasFunction(name string) bool {
	_, ok := s.index()[name]
	return ok
}

// Names returns accepted function names in current order.
func (s *PipelineState) Names() []string {
	out := make([]string, len(s.Functions))
	for i, fn := range s.Functions {
		out[i] = fn.Name
	}
	return out
}

// Function looks up an accepted function by name.
func (s *PipelineState) Function(name string) (types.AcceptedFunction, bool) {
	for _, fn := range s.Functions {
		if fn.Name == name {
			return fn, true
		}
	}
	return types.AcceptedFunction{}, false
}

// Accept appends fn. A name that is already accepted fails with
// types.ErrDuplicateName and leaves the state untouched.
func (s *PipelineState) Accept(fn types.AcceptedFunction) error {
	if s.HasFunction(fn.Name) {
		return fmt.Errorf("%w: %s", types.ErrDuplicateName, fn.Name)
	}
	fn.OrderIndex = len(s.Functions)
	s.Functions = append(s.Functions, fn)
	s.index()[fn.Name] = struct{}{}
	s.Counters.FunctionsGenerated++
	return nil
}

// Replace removes the named members and puts merged where the earliest of them
// was. merged may reuse a member's name but no other accepted name.
func (s *PipelineState) Replace(members []string, merged types.AcceptedFunction) error {
	drop := make(map[string]struct{}, len(members))
	for _, n := range members {
		if !s.HasFunction(n) {
			return fmt.Errorf("replace: %s is not an accepted function", n)
		}
		drop[n] = struct{}{}
	}
	if _, isMember := drop[merged.Name]; !isMember && s.HasFunction(merged.Name) {
		return fmt.Errorf("%w: %s", types.ErrDuplicateName, merged.Name)
	}

	out := make([]types.AcceptedFunction, 0, len(s.Functions)-len(drop)+1)
	inserted := false
	for _, fn := range s.Functions {
		if _, ok := drop[fn.Name]; ok {
			if !inserted {
				out = append(out, merged)
				inserted = true
			}
			continue
		}
		out = append(out, fn)
	}
	s.SetFunctions(out)
	s.Counters.Merges++
	return nil
}

// SetFunctions replaces the function list, e.g. with a dependency-ordered one,
// and renumbers OrderIndex.
func (s *PipelineState) SetFunctions(fns []types.AcceptedFunction) {
	s.Functions = make([]types.AcceptedFunction, len(fns))
	copy(s.Functions, fns)
	s.names = nil
	for i := range s.Functions {
		s.Functions[i].OrderIndex = i
	}
}

// RecordOutcome appends a terminal chunk outcome and advances the cursor past it.
func (s *PipelineState) RecordOutcome(o types.ChunkOutcome) {
	if o.FunctionsAdded == nil {
		o.FunctionsAdded = []string{}
	}
	s.Outcomes = append(s.Outcomes, o)
	if o.ChunkIndex+1 > s.Cursor {
		s.Cursor = o.ChunkIndex + 1
	}
	switch o.Status {
	case types.StatusClean:
		s.Counters.ChunksClean++
	case types.StatusMaxIterations:
		s.Counters.ChunksExhausted++
	case types.StatusSkippedEmpty:
		s.Counters.ChunksSkipped++
	}
}

// RecentOutcomes returns up to n of the latest outcomes, oldest first.
func (s *PipelineState) RecentOutcomes(n int) []types.ChunkOutcome {
	if n <= 0 || n >= len(s.Outcomes) {
		return s.Outcomes
	}
	return s.Outcomes[len(s.Outcomes)-n:]
}

// AddToPool remembers sample inputs for later merge validation, keeping at most
// limit of each kind.
func (s *PipelineState) AddToPool(records []types.Record, texts []string, limit int) {
	if limit <= 0 {
		return
	}
	s.ValidationPool.Records = keepLast(append(s.ValidationPool.Records, records...), limit)
	s.ValidationPool.Texts = keepLast(append(s.ValidationPool.Texts, texts...), limit)
}

func keepLast[T any](xs []T, n int) []T {
	if len(xs) <= n {
		return xs
	}
	out := make([]T, n)
	copy(out, xs[len(xs)-n:])
	return out
}

// Done reports whether every chunk has a terminal outcome.
func (s *PipelineState) Done() bool {
	return s.Cursor >= s.TotalChunks
}
