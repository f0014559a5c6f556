package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"recleaner/internal/types"
)

func TestBuildCleaning_SubstitutesEverything(t *testing.T) {
	got := BuildCleaning(CleaningInput{
		Mode:          types.ModeStructured,
		Instructions:  "normalize phone numbers",
		SchemaSummary: "- phone: string",
		Context:       "## strip_whitespace\nTrims fields",
		Chunk:         `{"phone":"(555) 123-4567"}`,
	})

	assert.Contains(t, got, "normalize phone numbers")
	assert.Contains(t, got, "- phone: string")
	assert.Contains(t, got, "## strip_whitespace")
	assert.Contains(t, got, `{"phone":"(555) 123-4567"}`)
	assert.Contains(t, got, "func function_name(record map[string]any) (map[string]any, error)")
	assert.NotContains(t, got, "previous response had an error")
}

func TestBuildCleaning_TextModeSignature(t *testing.T) {
	got := BuildCleaning(CleaningInput{Mode: types.ModeText, Chunk: "some text"})
	assert.Contains(t, got, "func function_name(text string) (string, error)")
	assert.Contains(t, got, "no specific instructions")
}

func TestBuildCleaning_AppendsCorrection(t *testing.T) {
	got := BuildCleaning(CleaningInput{
		Mode:          types.ModeStructured,
		Chunk:         "{}",
		PreviousError: "Runtime error on sample record 2: index out of range",
	})
	idx := strings.Index(got, "Your previous response had an error: Runtime error on sample record 2")
	if idx < 0 {
		t.Fatalf("correction not found in prompt:\n%s", got)
	}
	assert.True(t, strings.HasSuffix(got, "Please fix and try again."))
}

func TestBuildCleaning_DoesNotReexpandUserText(t *testing.T) {
	got := BuildCleaning(CleaningInput{
		Mode:         types.ModeStructured,
		Instructions: "keep literal {{.Chunk}} markers",
		Chunk:        "DATA",
	})
	assert.Contains(t, got, "keep literal {{.Chunk}} markers")
}

func TestSummarizeSchema(t *testing.T) {
	chunk := types.Chunk{
		Mode: types.ModeStructured,
		Records: []types.Record{
			{"name": "Ann", "age": float64(3)},
			{"name": nil, "tags": []any{"a"}},
		},
	}
	got := SummarizeSchema(chunk, 0)
	assert.Equal(t, "- age: number\n- name: null|string\n- tags: array", got)

	assert.Equal(t, "- age: number\n- name: string", SummarizeSchema(chunk, 1))
	assert.Equal(t, "free text, 5 characters", SummarizeSchema(types.Chunk{Mode: types.ModeText, Text: "héllo"}, 0))
}

func TestBuildConsolidation(t *testing.T) {
	got := BuildConsolidation(ConsolidationInput{
		Mode: types.ModeStructured,
		Functions: []types.AcceptedFunction{
			{Name: "strip_name", Docstring: "trim name", Code: "func strip_name(...)"},
			{Name: "strip_email", Docstring: "trim email", Code: "func strip_email(...)"},
		},
		OtherNames: []string{"normalize_phone"},
	})
	assert.Contains(t, got, "--- strip_name ---")
	assert.Contains(t, got, "--- strip_email ---")
	assert.Contains(t, got, "normalize_phone")
	assert.Contains(t, got, "<consolidation_result>")
}

func TestBuildSaturation(t *testing.T) {
	got := BuildSaturation(SaturationInput{
		FunctionNames: []string{"a", "b"},
		ChunksSeen:    40,
		WindowSize:    20,
		NovelInWindow: 1,
	})
	assert.Contains(t, got, "Chunks processed: 40")
	assert.Contains(t, got, "Functions so far (2): a, b")
	assert.Contains(t, got, "<saturation_assessment>")
}
