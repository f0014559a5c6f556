package engine

import (
	"errors"
	"fmt"
)

// Stage is a state of the per-chunk loop.
type Stage int

const (
	StageStart Stage = iota
	StageGenerating
	StageParsing
	StageValidating
	StageAcceptedContinue
	StageRetryWithError
	StageClean
	StageMaxIterations
	StageSkippedEmpty
)

var stageNames = map[Stage]string{
	StageStart:            "start",
	StageGenerating:       "generating",
	StageParsing:          "parsing",
	StageValidating:       "validating",
	StageAcceptedContinue: "accepted_continue",
	StageRetryWithError:   "retry_with_error",
	StageClean:            "clean",
	StageMaxIterations:    "max_iterations_exhausted",
	StageSkippedEmpty:     "skipped_empty",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Terminal reports whether the chunk loop ends in s.
func (s Stage) Terminal() bool {
	return s == StageClean || s == StageMaxIterations || s == StageSkippedEmpty
}

// validTransitions is the chunk loop's transition table. Each key is a source
// stage, and the value is the set of legal targets.
var validTransitions = map[Stage]map[Stage]bool{
	StageStart:            {StageGenerating: true, StageSkippedEmpty: true},
	StageGenerating:       {StageParsing: true},
	StageParsing:          {StageClean: true, StageValidating: true, StageRetryWithError: true},
	StageValidating:       {StageAcceptedContinue: true, StageRetryWithError: true},
	StageAcceptedContinue: {StageGenerating: true, StageMaxIterations: true},
	StageRetryWithError:   {StageGenerating: true, StageMaxIterations: true},
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to Stage) bool {
	return validTransitions[from][to]
}

// ErrInvalidTransition marks a bug in the chunk loop.
var ErrInvalidTransition = errors.New("invalid stage transition")

// machine tracks one chunk's stage and the path taken.
type machine struct {
	stage Stage
	trail []Stage
}

func newMachine() *machine {
	return &machine{stage: StageStart, trail: []Stage{StageStart}}
}

func (m *machine) to(next Stage) error {
	if !CanTransition(m.stage, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.stage, next)
	}
	m.stage = next
	m.trail = append(m.trail, next)
	return nil
}
