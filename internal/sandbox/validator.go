// Package sandbox runs candidate cleaning functions against sample data inside
// the yaegi interpreter.
//
// Only an allowlisted slice of the standard library is loaded into each
// interpreter, the interpreter sees an empty source filesystem, and its standard
// streams are discarded. Every call runs under a deadline and panics are
// recovered, so nothing raised by generated code crosses Validate.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"testing/fstest"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"recleaner/internal/library"
	"recleaner/internal/safety"
	"recleaner/internal/types"
)

// DefaultRecordTimeout bounds a single call of a candidate function.
const DefaultRecordTimeout = 2 * time.Second

// Options configures a Validator.
type Options struct {
	// AllowedImports selects the stdlib packages loaded into the interpreter.
	// Empty means safety.DefaultAllowedImports.
	AllowedImports []string
	RecordTimeout  time.Duration
	Logger         *zap.Logger
}

// Inputs holds the values a candidate is run against. Records are used in
// structured mode, Texts in text mode.
type Inputs struct {
	Records []types.Record
	Texts   []string
}

func (in Inputs) len(mode types.Mode) int {
	if mode == types.ModeText {
		return len(in.Texts)
	}
	return len(in.Records)
}

// Request is one validation of a candidate.
type Request struct {
	Mode types.Mode
	Name string
	Code string
	// Support holds the sources of accepted functions the candidate may call.
	Support []string
	Sample  Inputs
	Holdout Inputs
}

// Result is accepted, or rejected with a *types.RuntimeRejection.
type Result struct {
	Accepted    bool
	Err         error
	Vacuous     bool
	SampleRuns  int
	HoldoutRuns int
	Duration    time.Duration
}

// Validator executes candidates in isolated interpreters.
type Validator struct {
	symbols interp.Exports
	timeout time.Duration
	log     *zap.Logger
}

// NewValidator builds a validator whose interpreters only see allowlisted packages.
func NewValidator(opts Options) *Validator {
	allowed := opts.AllowedImports
	if len(allowed) == 0 {
		allowed = safety.DefaultAllowedImports()
	}
	timeout := opts.RecordTimeout
	if timeout <= 0 {
		timeout = DefaultRecordTimeout
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Validator{
		symbols: filterSymbols(allowed),
		timeout: timeout,
		log:     log,
	}
}

// quietSymbols would write to the host's real standard streams.
var quietSymbols = map[string][]string{
	"fmt": {"Print", "Printf", "Println"},
}

// filterSymbols keeps the stdlib exports whose import path is allowed. Keys of
// stdlib.Symbols have the form "import/path/pkgname".
func filterSymbols(allowed []string) interp.Exports {
	keep := make(map[string]struct{}, len(allowed))
	for _, p := range allowed {
		keep[p] = struct{}{}
	}
	out := make(interp.Exports)
	for key, syms := range stdlib.Symbols {
		idx := strings.LastIndex(key, "/")
		if idx < 0 {
			continue
		}
		path := key[:idx]
		if _, ok := keep[path]; !ok {
			continue
		}
		copied := make(map[string]reflect.Value, len(syms))
		for name, v := range syms {
			copied[name] = v
		}
		for _, name := range quietSymbols[path] {
			delete(copied, name)
		}
		out[key] = copied
	}
	return out
}

// Validate defines the candidate together with its support functions and runs it
// against every sample input, then every holdout input. Sample and holdout run in
// separate interpreters; a sample failure is reported in preference to a holdout one.
// Zero sample inputs is a vacuous pass.
func (v *Validator) Validate(ctx context.Context, req Request) Result {
	start := time.Now()
	mode := req.Mode
	if mode == "" {
		mode = types.ModeStructured
	}

	if req.Sample.len(mode) == 0 {
		v.log.Debug("no sample inputs, accepting vacuously", zap.String("function", req.Name))
		return Result{Accepted: true, Vacuous: true, Duration: time.Since(start)}
	}

	src, err := library.Assemble("main", append(append([]string(nil), req.Support...), req.Code))
	if err != nil {
		return v.reject(start, &types.RuntimeRejection{Split: types.SplitSample, Record: -1, Message: err.Error()})
	}

	var (
		res        Result
		sampleErr  error
		holdoutErr error
		g          errgroup.Group
	)
	g.Go(func() error {
		res.SampleRuns, sampleErr = v.runSplit(ctx, mode, src, req.Name, types.SplitSample, req.Sample)
		return nil
	})
	if req.Holdout.len(mode) > 0 {
		g.Go(func() error {
			res.HoldoutRuns, holdoutErr = v.runSplit(ctx, mode, src, req.Name, types.SplitHoldout, req.Holdout)
			return nil
		})
	}
	_ = g.Wait()

	res.Duration = time.Since(start)
	switch {
	case sampleErr != nil:
		res.Err = sampleErr
	case holdoutErr != nil:
		res.Err = holdoutErr
	default:
		res.Accepted = true
		v.log.Debug("candidate passed validation",
			zap.String("function", req.Name),
			zap.Int("sample_runs", res.SampleRuns),
			zap.Int("holdout_runs", res.HoldoutRuns),
			zap.Duration("duration", res.Duration))
		return res
	}
	v.log.Debug("candidate rejected", zap.String("function", req.Name), zap.Error(res.Err))
	return res
}

func (v *Validator) reject(start time.Time, err error) Result {
	return Result{Err: err, Duration: time.Since(start)}
}

// runSplit compiles src in a fresh interpreter and runs name over inputs in order.
func (v *Validator) runSplit(ctx context.Context, mode types.Mode, src, name string, split types.Split, inputs Inputs) (int, error) {
	fn, err := v.compile(src, name)
	if err != nil {
		return 0, &types.RuntimeRejection{Split: split, Record: -1, Message: err.Error()}
	}
	runs := 0
	for i := 0; i < inputs.len(mode); i++ {
		var in any
		if mode == types.ModeText {
			in = inputs.Texts[i]
		} else {
			in = copyRecord(inputs.Records[i])
		}
		if err := v.call(ctx, fn, in); err != nil {
			return runs, &types.RuntimeRejection{Split: split, Record: i, Message: err.Error()}
		}
		runs++
	}
	return runs, nil
}

// compile evaluates src in a new interpreter and returns main.name.
func (v *Validator) compile(src, name string) (fn reflect.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("interpreter panic: %v", r)
		}
	}()

	i := interp.New(interp.Options{
		SourcecodeFilesystem: fstest.MapFS{},
		Stdin:                strings.NewReader(""),
		Stdout:               io.Discard,
		Stderr:               io.Discard,
	})
	if err := i.Use(v.symbols); err != nil {
		return reflect.Value{}, fmt.Errorf("load symbols: %w", err)
	}
	if _, err := i.Eval(src); err != nil {
		return reflect.Value{}, err
	}
	val, err := i.Eval("main." + name)
	if err != nil {
		return reflect.Value{}, fmt.Errorf("function %s not found: %w", name, err)
	}
	return val, nil
}

var errTimeout = errors.New("execution timed out")

// call runs fn on in under the record deadline. A panic in generated code is
// recovered and returned as an error.
func (v *Validator) call(ctx context.Context, fn reflect.Value, in any) error {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- invoke(fn, in)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", errTimeout, v.timeout)
		}
		return ctx.Err()
	}
}

func invoke(fn reflect.Value, in any) error {
	switch x := in.(type) {
	case string:
		f, ok := fn.Interface().(func(string) (string, error))
		if !ok {
			return fmt.Errorf("wrong signature %s, want func(text string) (string, error)", fn.Type())
		}
		_, err := f(x)
		return err
	case types.Record:
		f, ok := fn.Interface().(func(map[string]any) (map[string]any, error))
		if !ok {
			return fmt.Errorf("wrong signature %s, want func(record map[string]any) (map[string]any, error)", fn.Type())
		}
		out, err := f(x)
		if err != nil {
			return err
		}
		if out == nil {
			return errors.New("returned a nil record")
		}
		return nil
	}
	return fmt.Errorf("unsupported input %T", in)
}

// copyRecord deep-copies JSON-shaped values so candidates can mutate their input.
func copyRecord(r types.Record) types.Record {
	if r == nil {
		return nil
	}
	return copyValue(r).(map[string]any)
}

func copyValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, val := range x {
			m[k] = copyValue(val)
		}
		return m
	case []any:
		s := make([]any, len(x))
		for i, val := range x {
			s[i] = copyValue(val)
		}
		return s
	default:
		return v
	}
}
