// Package prompt composes the request strings sent to the generator.
// Every builder is a pure template substitution.
package prompt

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"recleaner/internal/safety"
	"recleaner/internal/types"
)

// Signature returns the function signature generated code must use in mode.
func Signature(mode types.Mode, name string) string {
	if mode == types.ModeText {
		return fmt.Sprintf("func %s(text string) (string, error)", name)
	}
	return fmt.Sprintf("func %s(record map[string]any) (map[string]any, error)", name)
}

// CleaningInput holds everything substituted into the cleaning prompt.
type CleaningInput struct {
	Mode          types.Mode
	Instructions  string
	SchemaSummary string
	Context       string
	Chunk         string
	PreviousError string
	// AllowedImports is restated so the model does not spend iterations on
	// imports the safety gate rejects. Empty means the default allowlist.
	AllowedImports []string
}

const cleaningTemplate = `You are a data cleaning expert. Analyze data and generate Go functions to fix issues.

=== USER'S CLEANING GOALS ===
{{.Instructions}}

=== DATA SCHEMA ===
{{.Schema}}

=== EXISTING FUNCTIONS (DO NOT RECREATE) ===
{{.Context}}

=== DATA CHUNK ===
{{.Chunk}}

=== TASK ===
1. List ALL data quality issues you find in the chunk
2. Mark each as solved="true" if an existing function handles it
3. Generate code for ONLY the FIRST unsolved issue
4. Use this EXACT format:

<cleaning_analysis>
  <issues_detected>
    <issue id="1" solved="true|false">Description of issue</issue>
  </issues_detected>

  <function_to_generate>
    <name>function_name</name>
    <docstring>What it does, edge cases handled</docstring>
    <code>
` + "```go" + `
{{.Signature}} {
	// Complete implementation
}
` + "```" + `
    </code>
  </function_to_generate>

  <chunk_status>clean|needs_more_work</chunk_status>
</cleaning_analysis>

RULES:
- ONE function per response
- If all issues solved: <chunk_status>clean</chunk_status>, omit <function_to_generate>
- The function must have exactly this signature: {{.Signature}}
- Put imports in an import block above the function; allowed packages: {{.Allowed}}
- No file, network, process, reflection or unsafe access; return an error instead of panicking
- You may call EXISTING functions by name; never declare or call {{.Entrypoint}}
- Function must be idempotent (safe to run multiple times)
- Use ` + "```go" + ` markdown blocks for code`

const feedbackTemplate = `

Your previous response had an error: {{.}}
Please fix and try again.`

var (
	cleaningTmpl = template.Must(template.New("cleaning").Option("missingkey=error").Parse(cleaningTemplate))
	feedbackTmpl = template.Must(template.New("feedback").Parse(feedbackTemplate))
)

// BuildCleaning renders the per-iteration cleaning prompt. A non-empty
// PreviousError appends an explicit correction instruction quoting it.
func BuildCleaning(in CleaningInput) string {
	allowed := in.AllowedImports
	if len(allowed) == 0 {
		allowed = safety.DefaultAllowedImports()
	}
	data := map[string]string{
		"Instructions": orDefault(in.Instructions, "(no specific instructions; fix obvious data quality problems)"),
		"Schema":       orDefault(in.SchemaSummary, "(unknown)"),
		"Context":      in.Context,
		"Chunk":        in.Chunk,
		"Signature":    Signature(in.Mode, "function_name"),
		"Allowed":      strings.Join(allowed, ", "),
		"Entrypoint":   types.EntrypointName,
	}
	var buf bytes.Buffer
	_ = cleaningTmpl.Execute(&buf, data)
	if strings.TrimSpace(in.PreviousError) != "" {
		_ = feedbackTmpl.Execute(&buf, in.PreviousError)
	}
	return buf.String()
}

// SummarizeSchema describes the fields seen in a structured chunk and the JSON
// kinds observed for each, looking at no more than limit records (0 = all).
func SummarizeSchema(chunk types.Chunk, limit int) string {
	if chunk.Mode == types.ModeText {
		return fmt.Sprintf("free text, %d characters", len([]rune(chunk.Text)))
	}
	records := chunk.Records
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	kinds := make(map[string]map[string]struct{})
	for _, rec := range records {
		for k, v := range rec {
			if kinds[k] == nil {
				kinds[k] = make(map[string]struct{})
			}
			kinds[k][jsonKind(v)] = struct{}{}
		}
	}
	if len(kinds) == 0 {
		return "(no fields)"
	}
	fields := make([]string, 0, len(kinds))
	for k := range kinds {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	var b strings.Builder
	for i, f := range fields {
		ks := make([]string, 0, len(kinds[f]))
		for k := range kinds[f] {
			ks = append(ks, k)
		}
		sort.Strings(ks)
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "- %s: %s", f, strings.Join(ks, "|"))
	}
	return b.String()
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "bool"
	case float64, float32, int, int64, int32:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
