package types

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTransient marks a generator failure worth retrying with backoff.
	ErrTransient = errors.New("transient generator failure")
	// ErrMaxIterationsExceeded marks a chunk that never reported clean.
	ErrMaxIterationsExceeded = errors.New("max iterations exceeded")
	// ErrDuplicateName is returned when an accepted name is offered again.
	ErrDuplicateName = errors.New("duplicate function name")
	// ErrStateMismatch is returned when a checkpoint belongs to another input.
	ErrStateMismatch = errors.New("checkpoint does not match input")
)

// ParseError reports a malformed structured response or unparsable code.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse error: %s: %v", e.Reason, e.Err)
	}
	return "parse error: " + e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }

// SafetyRejection reports code that uses a disallowed construct. It is never executed.
type SafetyRejection struct {
	Reasons []string
}

func (e *SafetyRejection) Error() string {
	if len(e.Reasons) == 0 {
		return "unsafe code"
	}
	return "unsafe code: " + strings.Join(e.Reasons, "; ")
}

// Split names the data a runtime rejection was observed on.
type Split string

const (
	SplitSample  Split = "sample"
	SplitHoldout Split = "holdout"
)

// RuntimeRejection reports a failure while defining or running candidate code.
// Record is -1 when the code failed before any record was processed.
type RuntimeRejection struct {
	Split   Split
	Record  int
	Message string
}

func (e *RuntimeRejection) Error() string {
	if e.Record < 0 {
		return "code compilation failed: " + e.Message
	}
	return fmt.Sprintf("runtime error on %s record %d: %s", e.Split, e.Record, e.Message)
}

// CorruptStateError reports an unreadable or incomplete checkpoint. Fatal.
type CorruptStateError struct {
	Location string
	Reason   string
	Err      error
}

func (e *CorruptStateError) Error() string {
	msg := fmt.Sprintf("corrupt checkpoint %s: %s", e.Location, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CorruptStateError) Unwrap() error { return e.Err }

// GeneratorFailure is returned once retries are exhausted or the failure is not transient. Fatal.
type GeneratorFailure struct {
	Attempts int
	Err      error
}

func (e *GeneratorFailure) Error() string {
	return fmt.Sprintf("generator failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *GeneratorFailure) Unwrap() error { return e.Err }

// IsRetryFeedback reports whether err is recovered by appending it to the next prompt.
func IsRetryFeedback(err error) bool {
	var pe *ParseError
	var se *SafetyRejection
	var re *RuntimeRejection
	return errors.As(err, &pe) || errors.As(err, &se) || errors.As(err, &re)
}

// IsFatal reports whether err terminates a run.
func IsFatal(err error) bool {
	var ce *CorruptStateError
	var gf *GeneratorFailure
	return errors.As(err, &ce) || errors.As(err, &gf)
}
