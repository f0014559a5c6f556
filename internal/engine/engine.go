// Package engine drives the incremental build of a cleaning library: for each
// chunk it generates, parses, gates and accepts functions until the model
// reports the chunk clean or the iteration budget runs out.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"recleaner/internal/config"
	"recleaner/internal/deps"
	"recleaner/internal/generator"
	"recleaner/internal/library"
	"recleaner/internal/logging"
	"recleaner/internal/optimizer"
	"recleaner/internal/prompt"
	"recleaner/internal/registry"
	"recleaner/internal/response"
	"recleaner/internal/safety"
	"recleaner/internal/sandbox"
	"recleaner/internal/saturation"
	"recleaner/internal/state"
	"recleaner/internal/types"
)

const tracerName = "recleaner/engine"

// Checker is the static safety gate.
type Checker interface {
	Check(code string) *safety.Report
}

// Validator is the runtime gate.
type Validator interface {
	Validate(ctx context.Context, req sandbox.Request) sandbox.Result
}

// Options configures an Engine. Only Config is required.
type Options struct {
	Config     *config.Config
	SourcePath string
	// Store receives a checkpoint after every chunk. Nil disables checkpoints.
	Store state.Store
	// KeepCheckpoint leaves the checkpoint in place after a successful run.
	KeepCheckpoint bool
	Sink           Sink
	Logger         *zap.Logger
	Checker        Checker
	Validator      Validator
}

// Engine runs the chunk loop. It is not safe for concurrent use.
type Engine struct {
	gen       generator.Generator
	cfg       *config.Config
	opts      Options
	checker   Checker
	validator Validator
	sink      Sink
	log       *zap.Logger
	tracer    trace.Tracer
}

// New creates an Engine calling gen. Missing gates are built from the config.
func New(gen generator.Generator, opts Options) *Engine {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	checker := opts.Checker
	if checker == nil {
		checker = safety.NewChecker(safety.DefaultPolicy())
	}
	validator := opts.Validator
	if validator == nil {
		validator = sandbox.NewValidator(sandbox.Options{
			RecordTimeout: cfg.GetRecordTimeout(),
			Logger:        logging.For(opts.Logger, logging.CategorySandbox),
		})
	}
	return &Engine{
		gen:       gen,
		cfg:       cfg,
		opts:      opts,
		checker:   checker,
		validator: validator,
		sink:      opts.Sink,
		log:       logging.For(opts.Logger, logging.CategoryEngine),
		tracer:    otel.Tracer(tracerName),
	}
}

// Summary reports a finished (or interrupted) run.
type Summary struct {
	RunID           string
	Functions       []types.AcceptedFunction
	Outcomes        []types.ChunkOutcome
	Counters        state.Counters
	Latency         state.LatencySummary
	TotalChunks     int
	ChunksProcessed int
	StoppedEarly    bool
	Saturation      *saturation.Signal
	Optimization    *optimizer.Report
	Cycles          [][]string
	Warnings        []string
	Export          *library.ExportResult
	DryRun          bool
	Duration        time.Duration
}

// Run processes chunks from the start.
func (e *Engine) Run(ctx context.Context, chunks []types.Chunk) (*Summary, error) {
	st := state.New(e.cfg, e.opts.SourcePath, len(chunks))
	return e.run(ctx, st, chunks)
}

// Resume continues st from its cursor. Chunks before the cursor are not replayed.
func (e *Engine) Resume(ctx context.Context, st *state.PipelineState, chunks []types.Chunk) (*Summary, error) {
	if st.TotalChunks != len(chunks) {
		return nil, fmt.Errorf("%w: checkpoint has %d chunks, input has %d", types.ErrStateMismatch, st.TotalChunks, len(chunks))
	}
	e.log.Info("resuming run",
		zap.String("run_id", st.RunID),
		zap.Int("cursor", st.Cursor),
		zap.Int("functions", len(st.Functions)))
	return e.run(ctx, st, chunks)
}

func (e *Engine) run(ctx context.Context, st *state.PipelineState, chunks []types.Chunk) (sum *Summary, err error) {
	ctx, span := e.tracer.Start(ctx, "recleaner.run", trace.WithAttributes(
		attribute.String("run.id", st.RunID),
		attribute.Int("run.chunks", len(chunks)),
		attribute.Bool("run.dry_run", e.cfg.Run.DryRun),
	))
	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	sum = &Summary{RunID: st.RunID, TotalChunks: len(chunks), DryRun: e.cfg.Run.DryRun}
	finish := func() *Summary {
		sum.Functions = st.Functions
		sum.Outcomes = st.Outcomes
		sum.Counters = st.Counters
		sum.Latency = st.Latency.Summary()
		sum.ChunksProcessed = st.Cursor
		sum.Duration = time.Since(start)
		return sum
	}

	var monitor *saturation.Monitor
	if sc := e.cfg.Saturation; sc.EarlyTermination {
		monitor = saturation.NewMonitor(saturation.Options{
			Interval:     sc.Interval,
			Window:       sc.Window,
			Threshold:    sc.Threshold,
			AskModel:     sc.AskModel,
			Instructions: e.cfg.Run.Instructions,
			Logger:       e.opts.Logger,
		})
	}

	for idx := st.Cursor; idx < len(chunks); idx++ {
		if err := ctx.Err(); err != nil {
			return finish(), err
		}
		chunk := chunks[idx]
		chunk.Index = idx

		outcome, err := e.ProcessChunk(ctx, st, chunk)
		if err != nil {
			// the last checkpoint stays at the previous chunk
			return finish(), err
		}
		st.RecordOutcome(outcome)
		e.emit(Event{Kind: EventChunkOutcome, ChunkIndex: idx, TotalChunks: len(chunks), Outcome: &outcome, DryRun: e.cfg.Run.DryRun})

		if err := e.checkpoint(ctx, st); err != nil {
			return finish(), err
		}

		if monitor != nil {
			sig, err := monitor.Check(ctx, st.Outcomes, st.Names(), e.observed(st))
			if err != nil {
				return finish(), err
			}
			if sig.Checked && sig.Saturated {
				sum.Saturation = &sig
				sum.StoppedEarly = idx+1 < len(chunks)
				e.emit(Event{Kind: EventSaturationTriggered, ChunkIndex: idx, TotalChunks: len(chunks), Saturation: &sig})
				e.log.Info("stopping early on saturation", zap.Int("chunk", idx), zap.String("reason", sig.Reason))
				break
			}
		}
	}

	if !e.cfg.Run.DryRun {
		if err := e.finalize(ctx, st, sum); err != nil {
			return finish(), err
		}
	}

	if e.opts.Store != nil && !e.opts.KeepCheckpoint && !e.cfg.Run.DryRun {
		if err := e.opts.Store.Remove(ctx); err != nil {
			e.log.Warn("could not remove checkpoint", zap.String("location", e.opts.Store.Location()), zap.Error(err))
		}
	}

	finish()
	e.log.Info("run complete",
		zap.Int("functions", len(sum.Functions)),
		zap.Int("chunks", sum.ChunksProcessed),
		zap.Bool("stopped_early", sum.StoppedEarly),
		zap.Duration("duration", sum.Duration))
	return sum, nil
}

// finalize consolidates, orders and exports the library.
func (e *Engine) finalize(ctx context.Context, st *state.PipelineState, sum *Summary) error {
	if e.cfg.Optimizer.Enabled {
		opt := optimizer.New(e.observed(st), e.checker, e.validator, optimizer.Options{
			Mode:         e.cfg.Run.Mode,
			Instructions: e.cfg.Run.Instructions,
			Threshold:    e.cfg.Optimizer.Threshold,
			MaxRounds:    e.cfg.Optimizer.MaxRounds,
			Similarity:   e.cfg.Optimizer.SimilarityThreshold,
			ParseRetries: e.cfg.Run.ParseRetries,
			Logger:       e.opts.Logger,
			OnGroup: func(g optimizer.GroupResult) {
				e.emit(Event{Kind: EventConsolidation, Group: &g})
			},
		})
		rep, err := opt.Run(ctx, st)
		sum.Optimization = &rep
		if err != nil {
			return err
		}
		if err := e.checkpoint(ctx, st); err != nil {
			return err
		}
	}

	res := deps.Resolve(st.Functions)
	st.SetFunctions(res.Ordered)
	sum.Cycles = res.Cycles
	sum.Warnings = append(sum.Warnings, res.Warnings...)
	for _, w := range res.Warnings {
		e.log.Warn(w)
	}

	if path := e.cfg.Export.OutputPath; path != "" {
		out, err := library.Export(st.Functions, library.ExportOptions{
			PackageName: e.cfg.Export.PackageName,
			Mode:        e.cfg.Run.Mode,
			Logger:      logging.For(e.opts.Logger, logging.CategoryExport),
		})
		if err != nil {
			return fmt.Errorf("export: %w", err)
		}
		if err := library.WriteFile(path, out); err != nil {
			return fmt.Errorf("export: %w", err)
		}
		sum.Export = out
		for _, name := range out.Dropped {
			sum.Warnings = append(sum.Warnings, fmt.Sprintf("function %s dropped from export: does not compile with the library", name))
		}
	}
	return nil
}

func (e *Engine) checkpoint(ctx context.Context, st *state.PipelineState) error {
	if e.opts.Store == nil || e.cfg.Run.DryRun {
		return nil
	}
	timer := logging.StartTimer(logging.For(e.opts.Logger, logging.CategoryCheckpoint), "checkpoint")
	defer timer.Stop()
	return state.Save(ctx, e.opts.Store, st)
}

// observed wraps the generator with a span and latency accounting on st.
func (e *Engine) observed(st *state.PipelineState) generator.Generator {
	return generator.Func(func(ctx context.Context, p string) (string, error) {
		ctx, span := e.tracer.Start(ctx, "recleaner.generate")
		defer span.End()
		begin := time.Now()
		out, err := e.gen.Generate(ctx, p)
		st.Latency.Observe(time.Since(begin))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return out, err
	})
}

// ProcessChunk runs the loop for one chunk and returns its terminal outcome.
// Retry feedback errors are handled inside; the returned error is fatal
// (generator failure, cancellation).
func (e *Engine) ProcessChunk(ctx context.Context, st *state.PipelineState, chunk types.Chunk) (types.ChunkOutcome, error) {
	ctx, span := e.tracer.Start(ctx, "recleaner.chunk", trace.WithAttributes(attribute.Int("chunk.index", chunk.Index)))
	defer span.End()

	rc := e.cfg.Run
	outcome := types.ChunkOutcome{ChunkIndex: chunk.Index, FunctionsAdded: []string{}}
	m := newMachine()
	e.emit(Event{Kind: EventChunkStarted, ChunkIndex: chunk.Index, TotalChunks: st.TotalChunks})

	if chunk.IsEmpty() {
		if err := m.to(StageSkippedEmpty); err != nil {
			return outcome, err
		}
		outcome.Status = types.StatusSkippedEmpty
		e.log.Debug("skipping empty chunk", zap.Int("chunk", chunk.Index))
		return outcome, nil
	}

	visible, sample, holdout := e.split(chunk)
	if !rc.DryRun {
		st.AddToPool(sample.Records, sample.Texts, rc.ValidationPool)
	}
	schema := prompt.SummarizeSchema(visible, rc.SchemaSampleSize)
	rendered := visible.Render()
	gen := e.observed(st)
	retries := max(rc.ParseRetries, 1)

	// names accepted during a dry run live only in this chunk
	reg := registry.FromFunctions(st.Functions)
	dryNames := make(map[string]bool)
	taken := func(name string) bool { return st.HasFunction(name) || dryNames[name] }

	lastErr := ""
	for iter := 1; iter <= rc.MaxIterations; iter++ {
		outcome.IterationsUsed = iter
		span.SetAttributes(attribute.Int("chunk.iterations", iter))

		var reply *response.Cleaning
		for attempt := 1; attempt <= retries; attempt++ {
			if err := m.to(StageGenerating); err != nil {
				return outcome, err
			}
			raw, err := gen.Generate(ctx, prompt.BuildCleaning(prompt.CleaningInput{
				Mode:          rc.Mode,
				Instructions:  rc.Instructions,
				SchemaSummary: schema,
				Context:       reg.BuildContext(rc.ContextBudget),
				Chunk:         rendered,
				PreviousError: lastErr,
			}))
			if err != nil {
				return outcome, err
			}
			if err := m.to(StageParsing); err != nil {
				return outcome, err
			}
			reply, err = response.ParseCleaning(raw)
			if err == nil {
				break
			}
			reply = nil
			st.Counters.ParseErrors++
			lastErr = err.Error()
			e.iteration(chunk.Index, iter, StageRetryWithError, "", nil, lastErr)
			if err := m.to(StageRetryWithError); err != nil {
				return outcome, err
			}
		}
		if reply == nil {
			// parse ceiling exhausted; this consumes the iteration
			continue
		}

		if reply.Clean() {
			if err := m.to(StageClean); err != nil {
				return outcome, err
			}
			outcome.Status = types.StatusClean
			e.iteration(chunk.Index, iter, StageClean, "", reply.Issues, "")
			e.log.Debug("chunk clean", zap.Int("chunk", chunk.Index), zap.Int("iterations", iter))
			return outcome, nil
		}

		cand := reply.Function
		if cand == nil {
			lastErr = "chunk_status was needs_more_work but no <function_to_generate> was given; generate a function for the first unsolved issue or report clean"
			e.iteration(chunk.Index, iter, StageRetryWithError, "", reply.Issues, lastErr)
			if err := m.to(StageRetryWithError); err != nil {
				return outcome, err
			}
			continue
		}

		if taken(cand.Name) {
			st.Counters.DuplicatesSkipped++
			e.log.Info("skipping duplicate function", zap.String("function", cand.Name), zap.Int("chunk", chunk.Index))
			lastErr = fmt.Sprintf("a function named %s already exists; address a different unsolved issue or report clean", cand.Name)
			e.iteration(chunk.Index, iter, StageRetryWithError, cand.Name, reply.Issues, lastErr)
			if err := m.to(StageRetryWithError); err != nil {
				return outcome, err
			}
			continue
		}

		if err := m.to(StageValidating); err != nil {
			return outcome, err
		}
		fn, rejection := e.admit(ctx, st, chunk, cand, sample, holdout)
		if rejection != nil {
			if ctx.Err() != nil {
				return outcome, ctx.Err()
			}
			var unsafe *types.SafetyRejection
			if errors.As(rejection, &unsafe) {
				st.Counters.SafetyRejections++
			} else {
				st.Counters.RuntimeRejections++
			}
			lastErr = rejection.Error()
			e.log.Debug("candidate rejected", zap.String("function", cand.Name), zap.Error(rejection))
			e.iteration(chunk.Index, iter, StageRetryWithError, cand.Name, reply.Issues, lastErr)
			if err := m.to(StageRetryWithError); err != nil {
				return outcome, err
			}
			continue
		}

		if err := m.to(StageAcceptedContinue); err != nil {
			return outcome, err
		}
		lastErr = ""
		if rc.DryRun {
			dryNames[fn.Name] = true
		} else if err := st.Accept(fn); err != nil {
			return outcome, err
		}
		reg.Record(fn)
		outcome.FunctionsAdded = append(outcome.FunctionsAdded, fn.Name)
		e.log.Info("accepted function", zap.String("function", fn.Name), zap.Int("chunk", chunk.Index), zap.Int("iteration", iter))
		e.emit(Event{
			Kind:        EventFunctionAccepted,
			ChunkIndex:  chunk.Index,
			TotalChunks: st.TotalChunks,
			Iteration:   iter,
			Stage:       StageAcceptedContinue,
			Function:    fn.Name,
			Issues:      reply.Issues,
			DryRun:      rc.DryRun,
		})
	}

	if err := m.to(StageMaxIterations); err != nil {
		return outcome, err
	}
	outcome.Status = types.StatusMaxIterations
	outcome.LastError = lastErr
	e.log.Warn("chunk hit max iterations",
		zap.Int("chunk", chunk.Index),
		zap.Int("max_iterations", rc.MaxIterations),
		zap.Error(fmt.Errorf("%w: %s", types.ErrMaxIterationsExceeded, lastErr)))
	return outcome, nil
}

// admit passes cand through the safety gate and then the runtime gate. Code
// the safety gate rejects is never executed.
func (e *Engine) admit(ctx context.Context, st *state.PipelineState, chunk types.Chunk, cand *types.CandidateFunction, sample, holdout sandbox.Inputs) (types.AcceptedFunction, error) {
	if report := e.checker.Check(cand.Code); !report.Safe {
		return types.AcceptedFunction{}, report.Err()
	}
	fn := types.AcceptedFunction{
		Name:        cand.Name,
		Docstring:   cand.Docstring,
		Code:        cand.Code,
		SourceChunk: chunk.Index,
	}
	res := e.validator.Validate(ctx, sandbox.Request{
		Mode:    e.cfg.Run.Mode,
		Name:    fn.Name,
		Code:    fn.Code,
		Support: deps.Support(fn, st.Functions),
		Sample:  sample,
		Holdout: holdout,
	})
	if !res.Accepted {
		if res.Err == nil {
			return fn, &types.RuntimeRejection{Split: types.SplitSample, Record: -1, Message: "rejected without a reason"}
		}
		return fn, res.Err
	}
	return fn, nil
}

func (e *Engine) iteration(chunk, iter int, stage Stage, name string, issues []types.Issue, errText string) {
	e.emit(Event{
		Kind:       EventIterationResult,
		ChunkIndex: chunk,
		Iteration:  iter,
		Stage:      stage,
		Function:   name,
		Issues:     issues,
		Error:      errText,
		DryRun:     e.cfg.Run.DryRun,
	})
}

// split returns the prompt-visible chunk and the validation inputs. In
// structured mode the trailing ceil(n*holdout_ratio) records are withheld from
// the prompt and used as holdout; the sample is the first sample_size visible
// records. Text chunks validate against the chunk text.
func (e *Engine) split(chunk types.Chunk) (types.Chunk, sandbox.Inputs, sandbox.Inputs) {
	if chunk.Mode == types.ModeText {
		return chunk, sandbox.Inputs{Texts: []string{chunk.Text}}, sandbox.Inputs{}
	}
	rc := e.cfg.Run
	n := len(chunk.Records)
	hold := 0
	if rc.HoldoutRatio > 0 && n > 1 {
		hold = int(math.Ceil(float64(n) * rc.HoldoutRatio))
		if hold >= n {
			hold = n - 1
		}
	}
	visible := chunk
	visible.Records = chunk.Records[:n-hold : n-hold]

	size := rc.SampleSize
	if size <= 0 || size > len(visible.Records) {
		size = len(visible.Records)
	}
	sample := sandbox.Inputs{Records: visible.Records[:size:size]}
	holdout := sandbox.Inputs{Records: chunk.Records[n-hold:]}
	return visible, sample, holdout
}
