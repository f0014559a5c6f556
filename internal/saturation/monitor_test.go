package saturation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recleaner/internal/generator"
	"recleaner/internal/types"
)

func outcomes(novel ...bool) []types.ChunkOutcome {
	out := make([]types.ChunkOutcome, len(novel))
	for i, n := range novel {
		out[i] = types.ChunkOutcome{ChunkIndex: i, Status: types.StatusClean, FunctionsAdded: []string{}}
		if n {
			out[i].FunctionsAdded = []string{"f"}
		}
	}
	return out
}

func TestCheck_Statistics(t *testing.T) {
	tests := []struct {
		name          string
		history       []types.ChunkOutcome
		wantChecked   bool
		wantSaturated bool
		wantNovel     int
	}{
		{"not on interval", outcomes(true, false, false), false, false, 0},
		{"novel window", outcomes(false, false, true, true), true, false, 2},
		{"stale window", outcomes(true, true, false, false), true, true, 0},
		{"empty history", nil, false, false, 0},
	}

	m := NewMonitor(Options{Interval: 2, Window: 2, Threshold: 0.5})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig, err := m.Check(context.Background(), tt.history, nil, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.wantChecked, sig.Checked)
			assert.Equal(t, tt.wantSaturated, sig.Saturated)
			assert.Equal(t, tt.wantNovel, sig.Novel)
		})
	}
}

func TestCheck_SkipsEmptyChunksInWindow(t *testing.T) {
	history := outcomes(true, false, false, false)
	history[3].Status = types.StatusSkippedEmpty

	m := NewMonitor(Options{Interval: 4, Window: 3, Threshold: 0.2})
	sig, err := m.Check(context.Background(), history, nil, nil)
	require.NoError(t, err)
	require.True(t, sig.Checked)
	assert.Equal(t, 1, sig.Novel)
	assert.InDelta(t, 1.0/3, sig.NoveltyRate, 1e-9)
	assert.False(t, sig.Saturated)

	// not enough non-empty chunks yet
	m = NewMonitor(Options{Interval: 4, Window: 4, Threshold: 0.2})
	sig, err = m.Check(context.Background(), history, nil, nil)
	require.NoError(t, err)
	assert.False(t, sig.Checked)
}

func TestCheck_ModelHasTheLastWord(t *testing.T) {
	gen := generator.NewScripted(
		"<saturation_assessment><saturated>false</saturated><confidence>medium</confidence><reasoning>new date formats keep appearing</reasoning></saturation_assessment>",
	)
	m := NewMonitor(Options{Interval: 2, Window: 2, Threshold: 0.5, AskModel: true, Instructions: "fix dates"})

	sig, err := m.Check(context.Background(), outcomes(false, false), []string{"parse_date"}, gen)
	require.NoError(t, err)
	assert.False(t, sig.Saturated)
	require.NotNil(t, sig.Assessment)
	assert.Equal(t, "medium", sig.Assessment.Confidence)
	assert.Equal(t, "new date formats keep appearing", sig.Reason)

	prompts := gen.Prompts()
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "parse_date")
	assert.Contains(t, prompts[0], "chunk 0: clean after 0 iteration(s)")
}

func TestCheck_ModelNotAskedWhenNovel(t *testing.T) {
	gen := generator.NewScripted()
	m := NewMonitor(Options{Interval: 2, Window: 2, Threshold: 0.5, AskModel: true})

	sig, err := m.Check(context.Background(), outcomes(true, true), nil, gen)
	require.NoError(t, err)
	assert.False(t, sig.Saturated)
	assert.Empty(t, gen.Prompts())
}

func TestCheck_UnparsableAssessmentKeepsStatistics(t *testing.T) {
	gen := generator.NewScripted("I think we're done here.")
	m := NewMonitor(Options{Interval: 1, Window: 1, Threshold: 0.5, AskModel: true})

	sig, err := m.Check(context.Background(), outcomes(false), nil, gen)
	require.NoError(t, err)
	assert.True(t, sig.Saturated)
	assert.Nil(t, sig.Assessment)
}
