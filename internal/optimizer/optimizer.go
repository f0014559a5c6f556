// Package optimizer consolidates redundant accepted functions. Similar
// functions are grouped by TF-IDF similarity and the model decides, group by
// group, whether they merge into one replacement.
package optimizer

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"recleaner/internal/deps"
	"recleaner/internal/generator"
	"recleaner/internal/logging"
	"recleaner/internal/prompt"
	"recleaner/internal/response"
	"recleaner/internal/safety"
	"recleaner/internal/sandbox"
	"recleaner/internal/state"
	"recleaner/internal/types"
)

// Checker is the static gate a merged function must pass.
type Checker interface {
	Check(code string) *safety.Report
}

// Validator is the runtime gate a merged function must pass.
type Validator interface {
	Validate(ctx context.Context, req sandbox.Request) sandbox.Result
}

// StopReason says why a pass ended.
type StopReason string

const (
	StopBelowThreshold StopReason = "below_threshold"
	StopNoClusters     StopReason = "no_clusters"
	StopModelDone      StopReason = "no_more_opportunities"
	StopMaxRounds      StopReason = "max_rounds"
)

// Options configures an Optimizer.
type Options struct {
	Mode         types.Mode
	Instructions string
	// Threshold is the function count that must be exceeded before a pass runs.
	Threshold  int
	MaxRounds  int
	Similarity float64
	// ParseRetries bounds attempts per group, including rejected merges.
	ParseRetries int
	Logger       *zap.Logger
	// OnGroup is told about every group decision.
	OnGroup func(GroupResult)
}

// GroupOutcome is what happened to one candidate group.
type GroupOutcome string

const (
	GroupMerged       GroupOutcome = "merged"
	GroupKeptSeparate GroupOutcome = "kept_separate"
	GroupFailed       GroupOutcome = "failed"
)

// GroupResult is the decision for one group.
type GroupResult struct {
	Round     int
	Members   []string
	Outcome   GroupOutcome
	Into      string
	Reasoning string
	LastError string
}

// Report summarizes a consolidation pass.
type Report struct {
	Rounds       int
	Groups       []GroupResult
	Merges       int
	KeptSeparate int
	Failed       int
	Before       int
	After        int
	StopReason   StopReason
}

// Optimizer runs consolidation passes over a PipelineState.
type Optimizer struct {
	gen       generator.Generator
	checker   Checker
	validator Validator
	opts      Options
	log       *zap.Logger
}

// New creates an Optimizer.
func New(gen generator.Generator, checker Checker, validator Validator, opts Options) *Optimizer {
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = 5
	}
	if opts.Similarity <= 0 {
		opts.Similarity = 0.35
	}
	if opts.ParseRetries <= 0 {
		opts.ParseRetries = 3
	}
	if opts.Mode == "" {
		opts.Mode = types.ModeStructured
	}
	return &Optimizer{
		gen:       gen,
		checker:   checker,
		validator: validator,
		opts:      opts,
		log:       logging.For(opts.Logger, logging.CategoryOptimizer),
	}
}

// Run consolidates st.Functions in place. It stops after MaxRounds, when no
// group is similar enough, or when the model reports no further opportunities.
// Only generator failures are returned as errors.
func (o *Optimizer) Run(ctx context.Context, st *state.PipelineState) (rep Report, err error) {
	ctx, span := otel.Tracer("recleaner/engine").Start(ctx, "recleaner.optimize")
	defer span.End()

	rep.Before = len(st.Functions)
	defer func() {
		rep.After = len(st.Functions)
		span.SetAttributes(
			attribute.Int("optimize.rounds", rep.Rounds),
			attribute.Int("optimize.merges", rep.Merges),
			attribute.String("optimize.stop_reason", string(rep.StopReason)),
		)
	}()

	if len(st.Functions) <= o.opts.Threshold {
		rep.StopReason = StopBelowThreshold
		return rep, nil
	}

	// groups the model chose to keep apart are not asked about again
	var kept []map[string]struct{}
	for round := 1; round <= o.opts.MaxRounds; round++ {
		groups := unasked(Cluster(st.Functions, o.opts.Similarity), kept)
		if len(groups) == 0 {
			rep.StopReason = StopNoClusters
			return rep, nil
		}
		rep.Rounds = round
		o.log.Info("consolidation round",
			zap.Int("round", round),
			zap.Int("groups", len(groups)),
			zap.Int("functions", len(st.Functions)))

		more := false
		for _, names := range groups {
			members, ok := lookup(st, names)
			if !ok {
				// an earlier merge this round consumed a member
				continue
			}
			res, groupMore, genErr := o.consolidate(ctx, st, members)
			if genErr != nil {
				return rep, genErr
			}
			res.Round = round
			more = more || groupMore

			switch res.Outcome {
			case GroupMerged:
				rep.Merges++
			case GroupKeptSeparate:
				rep.KeptSeparate++
				kept = append(kept, nameSet(res.Members))
			case GroupFailed:
				rep.Failed++
			}
			rep.Groups = append(rep.Groups, res)
			o.notify(res)
		}

		if !more {
			rep.StopReason = StopModelDone
			return rep, nil
		}
	}
	rep.StopReason = StopMaxRounds
	return rep, nil
}

func (o *Optimizer) notify(res GroupResult) {
	if o.opts.OnGroup == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.log.Warn("group callback panicked", zap.Any("panic", r))
		}
	}()
	o.opts.OnGroup(res)
}

// consolidate asks the model about one group and applies an accepted merge.
func (o *Optimizer) consolidate(ctx context.Context, st *state.PipelineState, members []types.AcceptedFunction) (GroupResult, bool, error) {
	names := make([]string, len(members))
	inGroup := make(map[string]struct{}, len(members))
	for i, m := range members {
		names[i] = m.Name
		inGroup[m.Name] = struct{}{}
	}
	var others []types.AcceptedFunction
	var otherNames []string
	for _, fn := range st.Functions {
		if _, ok := inGroup[fn.Name]; !ok {
			others = append(others, fn)
			otherNames = append(otherNames, fn.Name)
		}
	}

	res := GroupResult{Members: names}
	lastErr := ""
	for attempt := 1; attempt <= o.opts.ParseRetries; attempt++ {
		raw, err := o.gen.Generate(ctx, prompt.BuildConsolidation(prompt.ConsolidationInput{
			Mode:          o.opts.Mode,
			Instructions:  o.opts.Instructions,
			Functions:     members,
			OtherNames:    otherNames,
			PreviousError: lastErr,
		}))
		if err != nil {
			return res, false, err
		}

		reply, err := response.ParseConsolidation(raw)
		if err != nil {
			lastErr = err.Error()
			continue
		}
		res.Reasoning = reply.Reasoning
		if reply.Decision == response.DecisionKeepSeparate {
			res.Outcome = GroupKeptSeparate
			o.log.Debug("group kept separate", zap.Strings("members", names))
			return res, reply.MoreOpportunities, nil
		}

		merged, err := o.admit(ctx, st.ValidationPool, reply.Merged, members, others)
		if err != nil {
			lastErr = err.Error()
			o.log.Debug("merge rejected", zap.Strings("members", names), zap.Error(err))
			continue
		}
		if err := st.Replace(names, merged); err != nil {
			lastErr = err.Error()
			continue
		}
		res.Outcome = GroupMerged
		res.Into = merged.Name
		o.log.Info("merged functions", zap.Strings("members", names), zap.String("into", merged.Name))
		return res, reply.MoreOpportunities, nil
	}

	res.Outcome = GroupFailed
	res.LastError = lastErr
	o.log.Warn("consolidation gave up on group", zap.Strings("members", names), zap.String("last_error", lastErr))
	return res, false, nil
}

// admit runs a proposed merge through the same gates as a new function.
func (o *Optimizer) admit(ctx context.Context, pool state.Pool, cand *types.CandidateFunction, members, others []types.AcceptedFunction) (types.AcceptedFunction, error) {
	for _, fn := range others {
		if fn.Name == cand.Name {
			return types.AcceptedFunction{}, fmt.Errorf("%w: %s is used by a function outside the group", types.ErrDuplicateName, cand.Name)
		}
	}
	if report := o.checker.Check(cand.Code); !report.Safe {
		return types.AcceptedFunction{}, report.Err()
	}

	merged := types.AcceptedFunction{
		Name:        cand.Name,
		Docstring:   unionDocstrings(cand.Docstring, members),
		Code:        cand.Code,
		SourceChunk: members[0].SourceChunk,
		MergedFrom:  mergedFrom(members),
	}
	for _, m := range members[1:] {
		merged.SourceChunk = min(merged.SourceChunk, m.SourceChunk)
	}

	// the merged function may call library functions outside the group
	res := o.validator.Validate(ctx, sandbox.Request{
		Mode:    o.opts.Mode,
		Name:    merged.Name,
		Code:    merged.Code,
		Support: deps.Support(merged, others),
		Sample:  sandbox.Inputs{Records: pool.Records, Texts: pool.Texts},
	})
	if !res.Accepted {
		return types.AcceptedFunction{}, res.Err
	}
	return merged, nil
}

// unasked drops groups whose members all lie inside one kept-separate group.
func unasked(groups [][]string, kept []map[string]struct{}) [][]string {
	out := groups[:0:0]
	for _, names := range groups {
		if !coveredBy(names, kept) {
			out = append(out, names)
		}
	}
	return out
}

func coveredBy(names []string, kept []map[string]struct{}) bool {
	for _, set := range kept {
		covered := true
		for _, n := range names {
			if _, ok := set[n]; !ok {
				covered = false
				break
			}
		}
		if covered {
			return true
		}
	}
	return false
}

func nameSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

// lookup returns the named functions, or false if any is gone.
func lookup(st *state.PipelineState, names []string) ([]types.AcceptedFunction, bool) {
	out := make([]types.AcceptedFunction, 0, len(names))
	for _, n := range names {
		fn, ok := st.Function(n)
		if !ok {
			return nil, false
		}
		out = append(out, fn)
	}
	return out, true
}

// unionDocstrings keeps the merged docstring and appends member docstring lines
// it does not already contain.
func unionDocstrings(merged string, members []types.AcceptedFunction) string {
	var lines []string
	seen := make(map[string]struct{})
	add := func(doc string) {
		for _, line := range strings.Split(doc, "\n") {
			line = strings.TrimSpace(line)
			key := strings.ToLower(line)
			if line == "" {
				continue
			}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			lines = append(lines, line)
		}
	}
	add(merged)
	for _, m := range members {
		add(m.Docstring)
	}
	return strings.Join(lines, "\n")
}

// mergedFrom lists the original functions behind members, flattening earlier merges.
func mergedFrom(members []types.AcceptedFunction) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, m := range members {
		origins := m.MergedFrom
		if len(origins) == 0 {
			origins = []string{m.Name}
		}
		for _, n := range origins {
			if _, ok := seen[n]; !ok {
				seen[n] = struct{}{}
				out = append(out, n)
			}
		}
	}
	return out
}
