package prompt

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"recleaner/internal/types"
)

// ConsolidationInput holds one cluster of possibly redundant functions.
type ConsolidationInput struct {
	Mode          types.Mode
	Instructions  string
	Functions     []types.AcceptedFunction
	OtherNames    []string
	PreviousError string
}

const consolidationTemplate = `You are reviewing a library of Go data cleaning functions for redundancy.

=== USER'S CLEANING GOALS ===
{{.Instructions}}

=== CANDIDATE GROUP ({{len .Functions}} functions that look similar) ===
{{range .Functions}}
--- {{.Name}} ---
Docstring: {{.Docstring}}
` + "```go" + `
{{.Code}}
` + "```" + `
{{end}}
=== OTHER FUNCTIONS IN THE LIBRARY (names are taken) ===
{{.Others}}

=== TASK ===
Decide whether the group should be merged into ONE function that does everything
the group does, or kept separate because the functions are genuinely distinct.
Use this EXACT format:

<consolidation_result>
  <decision>merge|keep_separate</decision>
  <reasoning>Why</reasoning>
  <merged_function>
    <name>merged_function_name</name>
    <docstring>What it does, covering every behavior of the group</docstring>
    <code>
` + "```go" + `
{{.Signature}} {
	// Complete implementation
}
` + "```" + `
    </code>
  </merged_function>
  <more_opportunities>true|false</more_opportunities>
</consolidation_result>

RULES:
- Omit <merged_function> when the decision is keep_separate
- The merged function must have exactly this signature: {{.Signature}}
- The merged name must not be one of the OTHER FUNCTIONS names
- Set <more_opportunities> to false when you see no further consolidation in the library`

var consolidationTmpl = template.Must(template.New("consolidation").Parse(consolidationTemplate))

// BuildConsolidation renders the merge-or-keep prompt for one cluster.
func BuildConsolidation(in ConsolidationInput) string {
	others := "(none)"
	if len(in.OtherNames) > 0 {
		others = strings.Join(in.OtherNames, ", ")
	}
	data := map[string]any{
		"Instructions": orDefault(in.Instructions, "(none)"),
		"Functions":    in.Functions,
		"Others":       others,
		"Signature":    Signature(in.Mode, "merged_function_name"),
	}
	var buf bytes.Buffer
	_ = consolidationTmpl.Execute(&buf, data)
	if strings.TrimSpace(in.PreviousError) != "" {
		_ = feedbackTmpl.Execute(&buf, in.PreviousError)
	}
	return buf.String()
}

// SaturationInput summarizes recent progress for the saturation check.
type SaturationInput struct {
	Instructions   string
	FunctionNames  []string
	ChunksSeen     int
	WindowSize     int
	NovelInWindow  int
	RecentIssueLog []string
}

// BuildSaturation renders the prompt asking whether more chunks are still worth processing.
func BuildSaturation(in SaturationInput) string {
	var b strings.Builder
	b.WriteString("You are monitoring an incremental data cleaning run.\n\n")
	fmt.Fprintf(&b, "=== USER'S CLEANING GOALS ===\n%s\n\n", orDefault(in.Instructions, "(none)"))
	fmt.Fprintf(&b, "=== PROGRESS ===\nChunks processed: %d\nFunctions so far (%d): %s\n",
		in.ChunksSeen, len(in.FunctionNames), orDefault(strings.Join(in.FunctionNames, ", "), "(none)"))
	fmt.Fprintf(&b, "Chunks in the last %d that produced a new function: %d\n\n", in.WindowSize, in.NovelInWindow)
	if len(in.RecentIssueLog) > 0 {
		b.WriteString("=== RECENT CHUNK RESULTS ===\n")
		for _, line := range in.RecentIssueLog {
			b.WriteString("- ")
			b.WriteString(line)
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	b.WriteString(`=== TASK ===
Judge whether further chunks are likely to reveal new kinds of issues.
Use this EXACT format:

<saturation_assessment>
  <saturated>true|false</saturated>
  <confidence>low|medium|high</confidence>
  <reasoning>Why</reasoning>
</saturation_assessment>`)
	return b.String()
}
