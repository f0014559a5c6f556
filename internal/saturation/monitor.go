// Package saturation decides when further chunks have stopped producing new
// functions. Its signal is advisory; the engine decides whether to stop.
package saturation

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"recleaner/internal/generator"
	"recleaner/internal/logging"
	"recleaner/internal/prompt"
	"recleaner/internal/response"
	"recleaner/internal/types"
)

// Options configures a Monitor.
type Options struct {
	// Interval is the number of outcomes between checks.
	Interval int
	// Window is the number of recent non-empty chunks considered.
	Window int
	// Threshold is the novelty rate below which the run looks saturated.
	Threshold float64
	// AskModel has the model confirm a statistical saturation.
	AskModel     bool
	Instructions string
	Logger       *zap.Logger
}

// Signal is the result of one check.
type Signal struct {
	Checked     bool
	Saturated   bool
	Window      int
	Novel       int
	NoveltyRate float64
	// Assessment is set when the model was consulted.
	Assessment *response.Saturation
	Reason     string
}

// Monitor checks novelty over a sliding window of chunk outcomes.
type Monitor struct {
	opts Options
	log  *zap.Logger
}

// NewMonitor creates a Monitor.
func NewMonitor(opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 20
	}
	if opts.Window <= 0 {
		opts.Window = opts.Interval
	}
	return &Monitor{opts: opts, log: logging.For(opts.Logger, logging.CategorySaturation)}
}

// Check looks at outcomes once every Interval outcomes. gen is only called
// when AskModel is set and the statistics already indicate saturation; its
// error is returned unchanged.
func (m *Monitor) Check(ctx context.Context, outcomes []types.ChunkOutcome, functions []string, gen generator.Generator) (Signal, error) {
	if len(outcomes) == 0 || len(outcomes)%m.opts.Interval != 0 {
		return Signal{}, nil
	}

	var window []types.ChunkOutcome
	for i := len(outcomes) - 1; i >= 0 && len(window) < m.opts.Window; i-- {
		if outcomes[i].Status != types.StatusSkippedEmpty {
			window = append(window, outcomes[i])
		}
	}
	if len(window) < m.opts.Window {
		return Signal{}, nil
	}

	sig := Signal{Checked: true, Window: len(window)}
	for _, o := range window {
		if o.Novel() {
			sig.Novel++
		}
	}
	sig.NoveltyRate = float64(sig.Novel) / float64(len(window))
	sig.Saturated = sig.NoveltyRate < m.opts.Threshold
	sig.Reason = fmt.Sprintf("%d of the last %d chunks added a function (rate %.2f, threshold %.2f)",
		sig.Novel, sig.Window, sig.NoveltyRate, m.opts.Threshold)

	if sig.Saturated && m.opts.AskModel && gen != nil {
		raw, err := gen.Generate(ctx, prompt.BuildSaturation(prompt.SaturationInput{
			Instructions:   m.opts.Instructions,
			FunctionNames:  functions,
			ChunksSeen:     len(outcomes),
			WindowSize:     sig.Window,
			NovelInWindow:  sig.Novel,
			RecentIssueLog: describe(window),
		}))
		if err != nil {
			return sig, err
		}
		assessment, err := response.ParseSaturation(raw)
		if err != nil {
			// an unreadable answer leaves the statistical verdict in place
			m.log.Warn("could not parse saturation assessment", zap.Error(err))
		} else {
			sig.Assessment = assessment
			sig.Saturated = assessment.Saturated
			if assessment.Reasoning != "" {
				sig.Reason = assessment.Reasoning
			}
		}
	}

	m.log.Info("saturation check",
		zap.Int("chunks", len(outcomes)),
		zap.Int("novel", sig.Novel),
		zap.Int("window", sig.Window),
		zap.Float64("rate", sig.NoveltyRate),
		zap.Bool("saturated", sig.Saturated))
	return sig, nil
}

// describe renders window outcomes oldest first.
func describe(window []types.ChunkOutcome) []string {
	out := make([]string, 0, len(window))
	for i := len(window) - 1; i >= 0; i-- {
		o := window[i]
		line := fmt.Sprintf("chunk %d: %s after %d iteration(s)", o.ChunkIndex, o.Status, o.IterationsUsed)
		if o.Novel() {
			line += fmt.Sprintf(", added %v", o.FunctionsAdded)
		}
		out = append(out, line)
	}
	return out
}
