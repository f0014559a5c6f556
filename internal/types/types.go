// Package types holds the data model shared by every stage of the cleaning
// pipeline: chunks, candidate and accepted functions, and chunk outcomes.
package types

import (
	"encoding/json"
	"sort"
	"strings"
)

// Mode selects the shape of chunks and the signature of generated functions.
type Mode string

const (
	// ModeStructured chunks are lists of records; functions take and return a record.
	ModeStructured Mode = "structured"
	// ModeText chunks are text spans; functions take and return a string.
	ModeText Mode = "text"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeStructured || m == ModeText
}

// EntrypointName is reserved for the exported function that threads a value
// through the whole library. Generated code may not declare or call it.
const EntrypointName = "CleanData"

// Record is one record-like mapping from a structured chunk.
type Record = map[string]any

// Chunk is one bounded unit of input handed to the generator in a single prompt.
// Records is used in structured mode, Text in text mode.
type Chunk struct {
	Index   int
	Mode    Mode
	Records []Record
	Text    string
}

// IsEmpty reports whether the chunk has nothing to clean.
func (c Chunk) IsEmpty() bool {
	if c.Mode == ModeText {
		return strings.TrimSpace(c.Text) == ""
	}
	return len(c.Records) == 0
}

// Render returns the prompt-visible form of the chunk: JSON lines for records,
// the raw span for text.
func (c Chunk) Render() string {
	if c.Mode == ModeText {
		return c.Text
	}
	var b strings.Builder
	for i, rec := range c.Records {
		if i > 0 {
			b.WriteByte('\n')
		}
		data, err := json.Marshal(rec)
		if err != nil {
			b.WriteString("{}")
			continue
		}
		b.Write(data)
	}
	return b.String()
}

// Issue is one data quality problem reported by the model.
type Issue struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Solved      bool   `json:"solved"`
}

// CandidateFunction is a generated transformation that has not passed the gates yet.
type CandidateFunction struct {
	Name      string
	Docstring string
	Code      string
	Issues    []Issue
}

// AcceptedFunction is a candidate that passed safety and runtime validation.
// Names are unique across a run.
type AcceptedFunction struct {
	Name         string   `json:"name"`
	Docstring    string   `json:"docstring"`
	Code         string   `json:"code"`
	Dependencies []string `json:"dependencies,omitempty"`
	OrderIndex   int      `json:"order_index"`
	SourceChunk  int      `json:"source_chunk"`
	MergedFrom   []string `json:"merged_from,omitempty"`
}

// SetDependencies stores deps as a sorted set.
func (f *AcceptedFunction) SetDependencies(deps []string) {
	if len(deps) == 0 {
		f.Dependencies = nil
		return
	}
	seen := make(map[string]struct{}, len(deps))
	out := make([]string, 0, len(deps))
	for _, d := range deps {
		if d == "" || d == f.Name {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	sort.Strings(out)
	if len(out) == 0 {
		out = nil
	}
	f.Dependencies = out
}

// ContextEntry is the prompt-only projection of an accepted function.
type ContextEntry struct {
	Name      string
	Docstring string
}

// Entry projects the function for the context registry.
func (f AcceptedFunction) Entry() ContextEntry {
	return ContextEntry{Name: f.Name, Docstring: f.Docstring}
}

// OutcomeStatus is the terminal state of one chunk.
type OutcomeStatus string

const (
	StatusClean         OutcomeStatus = "clean"
	StatusMaxIterations OutcomeStatus = "max_iterations_exhausted"
	StatusSkippedEmpty  OutcomeStatus = "skipped_empty"
)

// Valid reports whether s is a known status.
func (s OutcomeStatus) Valid() bool {
	switch s {
	case StatusClean, StatusMaxIterations, StatusSkippedEmpty:
		return true
	}
	return false
}

// ChunkOutcome records how a chunk's loop ended.
type ChunkOutcome struct {
	ChunkIndex     int           `json:"chunk_index"`
	Status         OutcomeStatus `json:"status"`
	FunctionsAdded []string      `json:"functions_added"`
	IterationsUsed int           `json:"iterations_used"`
	LastError      string        `json:"last_error,omitempty"`
}

// Novel reports whether the chunk contributed at least one new function.
func (o ChunkOutcome) Novel() bool {
	return len(o.FunctionsAdded) > 0
}
