package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"recleaner/internal/config"
	"recleaner/internal/generator"
	"recleaner/internal/sandbox"
	"recleaner/internal/state"
	"recleaner/internal/types"
)

const normalizePhoneCode = `import "strings"

func normalize_phone(record map[string]any) (map[string]any, error) {
	phone, ok := record["phone"].(string)
	if !ok {
		return record, nil
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phone)
	record["phone"] = digits
	return record, nil
}`

const trimNameCode = `import "strings"

func trim_name(record map[string]any) (map[string]any, error) {
	if name, ok := record["name"].(string); ok {
		record["name"] = strings.TrimSpace(name)
	}
	return record, nil
}`

func needsWork(name, code string) string {
	return fmt.Sprintf(`<cleaning_analysis>
  <issues_detected>
    <issue id="1" solved="false">phone numbers use mixed separators</issue>
  </issues_detected>
  <function_to_generate>
    <name>%s</name>
    <docstring>Fixes the first unsolved issue.</docstring>
    <code>%s</code>
  </function_to_generate>
  <chunk_status>needs_more_work</chunk_status>
</cleaning_analysis>`, name, code)
}

const cleanReply = `<cleaning_analysis>
  <issues_detected>
    <issue id="1" solved="true">phone numbers use mixed separators</issue>
  </issues_detected>
  <chunk_status>clean</chunk_status>
</cleaning_analysis>`

const noFunctionReply = `<cleaning_analysis>
  <issues_detected><issue id="1" solved="false">dates are ambiguous</issue></issues_detected>
  <chunk_status>needs_more_work</chunk_status>
</cleaning_analysis>`

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Export.OutputPath = ""
	cfg.Generator.Provider = "scripted"
	return cfg
}

func phoneChunk(idx int) types.Chunk {
	return types.Chunk{
		Index: idx,
		Mode:  types.ModeStructured,
		Records: []types.Record{
			{"name": "Ada", "phone": "555-123-4567"},
			{"name": "Grace", "phone": "(555) 987.6543"},
		},
	}
}

type countingValidator struct {
	mu    sync.Mutex
	calls int
	inner Validator
}

func (c *countingValidator) Validate(ctx context.Context, req sandbox.Request) sandbox.Result {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if c.inner == nil {
		return sandbox.Result{Accepted: true}
	}
	return c.inner.Validate(ctx, req)
}

func TestProcessChunk_AcceptsThenClean(t *testing.T) {
	gen := generator.NewScripted(needsWork("normalize_phone", normalizePhoneCode), cleanReply)
	cfg := testConfig()
	eng := New(gen, Options{Config: cfg})
	st := state.New(cfg, "people.jsonl", 1)

	outcome, err := eng.ProcessChunk(context.Background(), st, phoneChunk(0))
	require.NoError(t, err)

	want := types.ChunkOutcome{
		ChunkIndex:     0,
		Status:         types.StatusClean,
		FunctionsAdded: []string{"normalize_phone"},
		IterationsUsed: 2,
	}
	if diff := cmp.Diff(want, outcome); diff != "" {
		t.Errorf("outcome mismatch (-want +got):\n%s", diff)
	}
	require.Len(t, st.Functions, 1)
	assert.Equal(t, "normalize_phone", st.Functions[0].Name)
	assert.Equal(t, 0, st.Functions[0].SourceChunk)
	assert.Equal(t, 1, st.Counters.FunctionsGenerated)
	assert.Equal(t, 2, st.Latency.CallCount)

	prompts := gen.Prompts()
	require.Len(t, prompts, 2)
	assert.NotContains(t, prompts[0], "normalize_phone")
	assert.Contains(t, prompts[1], "normalize_phone", "accepted function must be in the next prompt's context")
}

func TestProcessChunk_CleanOnFirstIteration(t *testing.T) {
	gen := generator.NewScripted(cleanReply)
	cfg := testConfig()
	st := state.New(cfg, "", 1)

	outcome, err := New(gen, Options{Config: cfg}).ProcessChunk(context.Background(), st, phoneChunk(0))
	require.NoError(t, err)
	assert.Equal(t, types.StatusClean, outcome.Status)
	assert.Equal(t, 1, outcome.IterationsUsed)
	assert.Empty(t, outcome.FunctionsAdded)
	assert.Empty(t, st.Functions)
}

func TestProcessChunk_CleanWinsOverCode(t *testing.T) {
	reply := strings.Replace(needsWork("normalize_phone", normalizePhoneCode), "needs_more_work", "clean", 1)
	gen := generator.NewScripted(reply)
	cfg := testConfig()
	st := state.New(cfg, "", 1)

	outcome, err := New(gen, Options{Config: cfg}).ProcessChunk(context.Background(), st, phoneChunk(0))
	require.NoError(t, err)
	assert.Equal(t, types.StatusClean, outcome.Status)
	assert.Empty(t, st.Functions)
}

func TestProcessChunk_MaxIterations(t *testing.T) {
	gen := generator.NewScripted(noFunctionReply, noFunctionReply)
	cfg := testConfig()
	cfg.Run.MaxIterations = 2
	st := state.New(cfg, "", 1)

	outcome, err := New(gen, Options{Config: cfg}).ProcessChunk(context.Background(), st, phoneChunk(0))
	require.NoError(t, err)
	assert.Equal(t, types.StatusMaxIterations, outcome.Status)
	assert.Equal(t, 2, outcome.IterationsUsed)
	assert.Contains(t, outcome.LastError, "no <function_to_generate>")
	assert.Contains(t, gen.Prompts()[1], "Your previous response had an error")
}

func TestProcessChunk_UnsafeCodeNeverExecuted(t *testing.T) {
	unsafe := `import "os"

func wipe(record map[string]any) (map[string]any, error) {
	os.RemoveAll("/tmp/x")
	return record, nil
}`
	gen := generator.NewScripted(needsWork("wipe", unsafe), cleanReply)
	cfg := testConfig()
	validator := &countingValidator{}
	st := state.New(cfg, "", 1)

	outcome, err := New(gen, Options{Config: cfg, Validator: validator}).ProcessChunk(context.Background(), st, phoneChunk(0))
	require.NoError(t, err)

	assert.Equal(t, types.StatusClean, outcome.Status)
	assert.Zero(t, validator.calls)
	assert.Equal(t, 1, st.Counters.SafetyRejections)
	assert.Empty(t, st.Functions)

	prompts := gen.Prompts()
	require.Len(t, prompts, 2)
	assert.Contains(t, prompts[1], "Your previous response had an error: unsafe code")
	assert.Contains(t, prompts[1], `"os"`)
}

func TestProcessChunk_RuntimeRejection(t *testing.T) {
	failing := `import "errors"

func reject_all(record map[string]any) (map[string]any, error) {
	return nil, errors.New("cannot clean")
}`
	gen := generator.NewScripted(needsWork("reject_all", failing), cleanReply)
	cfg := testConfig()
	st := state.New(cfg, "", 1)

	outcome, err := New(gen, Options{Config: cfg}).ProcessChunk(context.Background(), st, phoneChunk(0))
	require.NoError(t, err)
	assert.Equal(t, types.StatusClean, outcome.Status)
	assert.Equal(t, 1, st.Counters.RuntimeRejections)
	assert.Empty(t, st.Functions)
	assert.Contains(t, gen.Prompts()[1], "runtime error on sample record 0: cannot clean")
}

func TestProcessChunk_DuplicateSkipped(t *testing.T) {
	cfg := testConfig()
	st := state.New(cfg, "", 2)
	require.NoError(t, st.Accept(types.AcceptedFunction{Name: "normalize_phone", Code: normalizePhoneCode}))

	gen := generator.NewScripted(needsWork("normalize_phone", normalizePhoneCode), cleanReply)
	validator := &countingValidator{}
	outcome, err := New(gen, Options{Config: cfg, Validator: validator}).ProcessChunk(context.Background(), st, phoneChunk(1))
	require.NoError(t, err)

	assert.Equal(t, types.StatusClean, outcome.Status)
	assert.Empty(t, outcome.FunctionsAdded)
	assert.Len(t, st.Functions, 1)
	assert.Equal(t, 1, st.Counters.DuplicatesSkipped)
	assert.Zero(t, validator.calls)
	assert.Contains(t, gen.Prompts()[1], "a function named normalize_phone already exists")
}

func TestProcessChunk_ParseRetryCeiling(t *testing.T) {
	gen := generator.NewScripted("Sure! The data looks fine.", "still no tags", cleanReply)
	cfg := testConfig()
	cfg.Run.MaxIterations = 1
	cfg.Run.ParseRetries = 2
	st := state.New(cfg, "", 1)

	outcome, err := New(gen, Options{Config: cfg}).ProcessChunk(context.Background(), st, phoneChunk(0))
	require.NoError(t, err)
	assert.Equal(t, types.StatusMaxIterations, outcome.Status)
	assert.Equal(t, 2, st.Counters.ParseErrors)
	assert.Len(t, gen.Prompts(), 2)
	assert.Equal(t, 1, gen.Remaining())
	assert.NotEmpty(t, outcome.LastError)
}

func TestProcessChunk_SkipsEmpty(t *testing.T) {
	gen := generator.NewScripted()
	cfg := testConfig()
	st := state.New(cfg, "", 1)

	outcome, err := New(gen, Options{Config: cfg}).ProcessChunk(context.Background(), st, types.Chunk{Mode: types.ModeText, Text: "  \n\t"})
	require.NoError(t, err)
	assert.Equal(t, types.StatusSkippedEmpty, outcome.Status)
	assert.Zero(t, outcome.IterationsUsed)
	assert.Empty(t, gen.Prompts())
}

func TestProcessChunk_GeneratorFailureIsFatal(t *testing.T) {
	boom := &types.GeneratorFailure{Attempts: 3, Err: errors.New("service unavailable")}
	gen := generator.Func(func(context.Context, string) (string, error) { return "", boom })
	cfg := testConfig()
	st := state.New(cfg, "", 1)

	_, err := New(gen, Options{Config: cfg}).ProcessChunk(context.Background(), st, phoneChunk(0))
	require.ErrorIs(t, err, boom)
	assert.True(t, types.IsFatal(err))
}

func TestProcessChunk_HoldoutNeverPrompted(t *testing.T) {
	chunk := types.Chunk{Mode: types.ModeStructured, Records: []types.Record{
		{"id": 1, "phone": "111-1111"},
		{"id": 2, "phone": "222-2222"},
		{"id": 3, "phone": "333-3333"},
		{"id": 4, "phone": "HOLDOUT-4444"},
	}}
	gen := generator.NewScripted(cleanReply)
	cfg := testConfig()
	cfg.Run.HoldoutRatio = 0.25
	st := state.New(cfg, "", 1)

	eng := New(gen, Options{Config: cfg})
	visible, sample, holdout := eng.split(chunk)
	assert.Len(t, visible.Records, 3)
	assert.Len(t, sample.Records, 3)
	require.Len(t, holdout.Records, 1)
	assert.Equal(t, 4, holdout.Records[0]["id"])

	_, err := eng.ProcessChunk(context.Background(), st, chunk)
	require.NoError(t, err)
	assert.NotContains(t, gen.Prompts()[0], "HOLDOUT")
}

func TestProcessChunk_DryRunLeavesLibraryAlone(t *testing.T) {
	gen := generator.NewScripted(needsWork("normalize_phone", normalizePhoneCode), needsWork("normalize_phone", normalizePhoneCode), cleanReply)
	cfg := testConfig()
	cfg.Run.DryRun = true
	st := state.New(cfg, "", 1)

	var accepted []Event
	sink := SinkFunc(func(ev Event) {
		if ev.Kind == EventFunctionAccepted {
			accepted = append(accepted, ev)
		}
	})
	outcome, err := New(gen, Options{Config: cfg, Sink: sink}).ProcessChunk(context.Background(), st, phoneChunk(0))
	require.NoError(t, err)

	assert.Equal(t, []string{"normalize_phone"}, outcome.FunctionsAdded)
	assert.Empty(t, st.Functions)
	assert.Empty(t, st.ValidationPool.Records)
	assert.Equal(t, 1, st.Counters.DuplicatesSkipped, "dry-run names still count as taken within the chunk")
	require.Len(t, accepted, 1)
	assert.True(t, accepted[0].DryRun)
}

func TestRun_ContinuesPastExhaustedChunk(t *testing.T) {
	cfg := testConfig()
	cfg.Run.MaxIterations = 1
	gen := generator.NewScripted(noFunctionReply, needsWork("normalize_phone", normalizePhoneCode))

	sum, err := New(gen, Options{Config: cfg}).Run(context.Background(), []types.Chunk{phoneChunk(0), phoneChunk(1)})
	require.NoError(t, err)

	require.Len(t, sum.Outcomes, 2)
	assert.Equal(t, types.StatusMaxIterations, sum.Outcomes[0].Status)
	assert.Equal(t, types.StatusMaxIterations, sum.Outcomes[1].Status)
	assert.Equal(t, []string{"normalize_phone"}, sum.Outcomes[1].FunctionsAdded)
	assert.Equal(t, 2, sum.ChunksProcessed)
	assert.Equal(t, 2, sum.Counters.ChunksExhausted)
	require.Len(t, sum.Functions, 1)
	assert.Equal(t, 1, sum.Functions[0].SourceChunk)
}

func TestRun_ExportsLibrary(t *testing.T) {
	out := filepath.Join(t.TempDir(), "cleaning_functions.go")
	cfg := testConfig()
	cfg.Export.OutputPath = out
	gen := generator.NewScripted(
		needsWork("normalize_phone", normalizePhoneCode),
		needsWork("trim_name", trimNameCode),
		cleanReply,
	)

	sum, err := New(gen, Options{Config: cfg}).Run(context.Background(), []types.Chunk{phoneChunk(0)})
	require.NoError(t, err)
	require.NotNil(t, sum.Export)
	assert.Equal(t, []string{"normalize_phone", "trim_name"}, sum.Export.Included)

	src, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(src), "package cleaning")
	assert.Contains(t, string(src), "func CleanData(")
	assert.Less(t, strings.Index(string(src), "func normalize_phone("), strings.Index(string(src), "func trim_name("))
}

func TestRun_CheckpointAndResume(t *testing.T) {
	dir := t.TempDir()
	store := state.NewFileStore(filepath.Join(dir, "state.json"))
	cfg := testConfig()
	chunks := []types.Chunk{phoneChunk(0), phoneChunk(1), phoneChunk(2)}

	// the script runs out during the second chunk
	first := generator.NewScripted(needsWork("normalize_phone", normalizePhoneCode), cleanReply)
	_, err := New(first, Options{Config: cfg, Store: store, SourcePath: "people.jsonl"}).Run(context.Background(), chunks)
	require.Error(t, err)

	st, err := state.Load(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Cursor)
	require.Len(t, st.Functions, 1)

	second := generator.NewScripted(cleanReply, cleanReply)
	sum, err := New(second, Options{Config: cfg, Store: store}).Resume(context.Background(), st, chunks)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.ChunksProcessed)
	assert.Len(t, sum.Outcomes, 3)
	assert.Len(t, second.Prompts(), 2, "chunks before the cursor are not replayed")
	assert.Contains(t, second.Prompts()[0], "normalize_phone")

	_, err = state.Load(context.Background(), store)
	assert.ErrorIs(t, err, state.ErrNoCheckpoint, "checkpoint is removed after success")
}

func TestResume_ChunkCountMismatch(t *testing.T) {
	cfg := testConfig()
	st := state.New(cfg, "", 5)
	_, err := New(generator.NewScripted(), Options{Config: cfg}).Resume(context.Background(), st, []types.Chunk{phoneChunk(0)})
	assert.ErrorIs(t, err, types.ErrStateMismatch)
}

func TestRun_StopsOnSaturation(t *testing.T) {
	cfg := testConfig()
	cfg.Saturation = config.SaturationConfig{EarlyTermination: true, Interval: 2, Window: 2, Threshold: 0.5}
	gen := generator.NewScripted(cleanReply, cleanReply, cleanReply, cleanReply)

	var triggered []Event
	sink := SinkFunc(func(ev Event) {
		if ev.Kind == EventSaturationTriggered {
			triggered = append(triggered, ev)
		}
	})
	chunks := []types.Chunk{phoneChunk(0), phoneChunk(1), phoneChunk(2), phoneChunk(3)}
	sum, err := New(gen, Options{Config: cfg, Sink: sink}).Run(context.Background(), chunks)
	require.NoError(t, err)

	assert.True(t, sum.StoppedEarly)
	assert.Equal(t, 2, sum.ChunksProcessed)
	require.NotNil(t, sum.Saturation)
	assert.Zero(t, sum.Saturation.Novel)
	assert.Len(t, triggered, 1)
	assert.Equal(t, 2, gen.Remaining())
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sum, err := New(generator.NewScripted(), Options{Config: testConfig()}).Run(ctx, []types.Chunk{phoneChunk(0)})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, sum.ChunksProcessed)
}

func TestRun_EventOrder(t *testing.T) {
	cfg := testConfig()
	gen := generator.NewScripted(needsWork("normalize_phone", normalizePhoneCode), cleanReply)

	var kinds []EventKind
	sink := SinkFunc(func(ev Event) { kinds = append(kinds, ev.Kind) })
	_, err := New(gen, Options{Config: cfg, Sink: sink}).Run(context.Background(), []types.Chunk{phoneChunk(0)})
	require.NoError(t, err)

	want := []EventKind{EventChunkStarted, EventFunctionAccepted, EventIterationResult, EventChunkOutcome}
	if diff := cmp.Diff(want, kinds); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestEmit_SinkPanicIsSwallowed(t *testing.T) {
	cfg := testConfig()
	sink := SinkFunc(func(Event) { panic("sink exploded") })
	sum, err := New(generator.NewScripted(cleanReply), Options{Config: cfg, Sink: sink}).Run(context.Background(), []types.Chunk{phoneChunk(0)})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.ChunksProcessed)
}

func TestStageTransitions(t *testing.T) {
	tests := []struct {
		from, to Stage
		ok       bool
	}{
		{StageStart, StageGenerating, true},
		{StageStart, StageSkippedEmpty, true},
		{StageGenerating, StageParsing, true},
		{StageParsing, StageClean, true},
		{StageParsing, StageValidating, true},
		{StageParsing, StageRetryWithError, true},
		{StageValidating, StageAcceptedContinue, true},
		{StageValidating, StageRetryWithError, true},
		{StageAcceptedContinue, StageGenerating, true},
		{StageAcceptedContinue, StageMaxIterations, true},
		{StageRetryWithError, StageMaxIterations, true},
		{StageStart, StageClean, false},
		{StageGenerating, StageValidating, false},
		{StageValidating, StageClean, false},
		{StageClean, StageGenerating, false},
		{StageMaxIterations, StageGenerating, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to))
		})
	}

	m := newMachine()
	require.NoError(t, m.to(StageGenerating))
	err := m.to(StageClean)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StageGenerating, m.stage)
	assert.True(t, StageSkippedEmpty.Terminal())
	assert.False(t, StageRetryWithError.Terminal())
	assert.Equal(t, "stage(42)", Stage(42).String())
}

func TestBufferedSink(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var (
		mu  sync.Mutex
		got []int
	)
	b := NewBufferedSink(SinkFunc(func(ev Event) {
		if ev.ChunkIndex == 1 {
			panic("bad event")
		}
		mu.Lock()
		got = append(got, ev.ChunkIndex)
		mu.Unlock()
	}), 8)
	for i := 0; i < 4; i++ {
		b.Emit(Event{Kind: EventChunkStarted, ChunkIndex: i})
	}
	assert.Zero(t, b.Close())
	assert.Zero(t, b.Close(), "close is idempotent")
	b.Emit(Event{ChunkIndex: 9})

	assert.Equal(t, []int{0, 2, 3}, got)
}

func TestBufferedSink_DropsWhenFull(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	b := NewBufferedSink(SinkFunc(func(Event) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
	}), 1)

	b.Emit(Event{})
	<-started
	b.Emit(Event{})
	b.Emit(Event{})
	b.Emit(Event{})
	close(release)
	assert.Equal(t, 2, b.Close())
}
