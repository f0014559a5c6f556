package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"recleaner/internal/config"
	"recleaner/internal/engine"
	"recleaner/internal/optimizer"
	"recleaner/internal/types"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7c3aed"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#22c55e"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#eab308"))
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#ef4444"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6b7280"))
	nameStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#38bdf8"))
)

// progress prints engine events as one styled line each.
type progress struct {
	w io.Writer
}

func newProgress(w io.Writer) *progress {
	return &progress{w: w}
}

func (p *progress) Emit(ev engine.Event) {
	if line := renderEvent(ev); line != "" {
		fmt.Fprintln(p.w, line)
	}
}

func renderEvent(ev engine.Event) string {
	switch ev.Kind {
	case engine.EventChunkStarted:
		return headerStyle.Render(fmt.Sprintf("chunk %d/%d", ev.ChunkIndex+1, ev.TotalChunks))

	case engine.EventIterationResult:
		if ev.Stage == engine.StageClean {
			return mutedStyle.Render(fmt.Sprintf("  iteration %d: no unsolved issues", ev.Iteration))
		}
		msg := firstLine(ev.Error)
		if ev.Function != "" {
			msg = ev.Function + ": " + msg
		}
		return warnStyle.Render(fmt.Sprintf("  iteration %d: retry", ev.Iteration)) + " " + mutedStyle.Render(msg)

	case engine.EventFunctionAccepted:
		line := successStyle.Render("  + ") + nameStyle.Render(ev.Function)
		if unsolved := unsolvedIssue(ev.Issues); unsolved != "" {
			line += mutedStyle.Render(" (" + unsolved + ")")
		}
		if ev.DryRun {
			line += mutedStyle.Render(" [dry run]")
		}
		return line

	case engine.EventChunkOutcome:
		if ev.Outcome == nil {
			return ""
		}
		o := ev.Outcome
		switch o.Status {
		case types.StatusClean:
			return successStyle.Render(fmt.Sprintf("  clean after %d iteration(s), %d new", o.IterationsUsed, len(o.FunctionsAdded)))
		case types.StatusSkippedEmpty:
			return mutedStyle.Render("  empty, skipped")
		default:
			return warnStyle.Render(fmt.Sprintf("  gave up after %d iteration(s)", o.IterationsUsed)) + mutedStyle.Render(" "+firstLine(o.LastError))
		}

	case engine.EventSaturationTriggered:
		if ev.Saturation == nil {
			return ""
		}
		return warnStyle.Render("saturated: ") + ev.Saturation.Reason

	case engine.EventConsolidation:
		if ev.Group == nil {
			return ""
		}
		g := ev.Group
		members := strings.Join(g.Members, ", ")
		switch g.Outcome {
		case optimizer.GroupMerged:
			return successStyle.Render("merged ") + members + " -> " + nameStyle.Render(g.Into)
		case optimizer.GroupKeptSeparate:
			return mutedStyle.Render("kept separate: " + members)
		default:
			return warnStyle.Render("merge failed: "+members) + mutedStyle.Render(" "+firstLine(g.LastError))
		}
	}
	return ""
}

func unsolvedIssue(issues []types.Issue) string {
	for _, is := range issues {
		if !is.Solved {
			return is.Description
		}
	}
	return ""
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const limit = 160
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	return s
}

func printSummary(w io.Writer, sum *engine.Summary, cfg *config.Config) {
	title := "Run complete"
	if sum.DryRun {
		title = "Analysis complete"
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, headerStyle.Render(title))
	fmt.Fprintf(w, "  chunks:    %d/%d", sum.ChunksProcessed, sum.TotalChunks)
	if sum.StoppedEarly {
		fmt.Fprint(w, warnStyle.Render(" (stopped early)"))
	}
	fmt.Fprintln(w)
	c := sum.Counters
	fmt.Fprintf(w, "  outcomes:  %d clean, %d exhausted, %d empty\n", c.ChunksClean, c.ChunksExhausted, c.ChunksSkipped)
	fmt.Fprintf(w, "  rejected:  %d unsafe, %d runtime, %d unparsable, %d duplicate\n",
		c.SafetyRejections, c.RuntimeRejections, c.ParseErrors, c.DuplicatesSkipped)
	if l := sum.Latency; l.CallCount > 0 {
		fmt.Fprintf(w, "  model:     %d calls, avg %.0fms, max %.0fms\n", l.CallCount, l.AvgMS, l.MaxMS)
	}
	if rep := sum.Optimization; rep != nil {
		fmt.Fprintf(w, "  optimized: %d -> %d functions (%d merges, %s)\n", rep.Before, rep.After, rep.Merges, rep.StopReason)
	}

	if !sum.DryRun {
		fmt.Fprintf(w, "  functions: %d\n", len(sum.Functions))
		for _, fn := range sum.Functions {
			fmt.Fprintf(w, "    %s %s\n", nameStyle.Render(fn.Name), mutedStyle.Render(firstLine(fn.Docstring)))
		}
	}
	for _, warning := range sum.Warnings {
		fmt.Fprintln(w, warnStyle.Render("  warning: ")+warning)
	}
	if sum.Export != nil && cfg != nil {
		fmt.Fprintln(w, successStyle.Render("  wrote ")+cfg.Export.OutputPath)
	}
}
