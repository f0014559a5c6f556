// Package generator adapts language model providers to a single
// prompt-in, text-out call and wraps them with retry and tracing.
package generator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"recleaner/internal/config"
	"recleaner/internal/logging"
	"recleaner/internal/types"
)

const tracerName = "recleaner/generator"

// Generator produces a text response for a prompt. Implementations mark
// retryable failures by wrapping types.ErrTransient.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Func adapts a plain function to Generator.
type Func func(ctx context.Context, prompt string) (string, error)

func (f Func) Generate(ctx context.Context, prompt string) (string, error) { return f(ctx, prompt) }

// Transient wraps err so that retry treats it as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", types.ErrTransient, err)
}

// Observer is told how long each successful or failed call took.
type Observer func(d time.Duration, err error)

type traced struct {
	inner    Generator
	provider string
	model    string
	observe  Observer
	logger   *zap.Logger
}

// WithTracing records a span and a latency observation around every call.
func WithTracing(g Generator, provider, model string, observe Observer, logger *zap.Logger) Generator {
	return &traced{inner: g, provider: provider, model: model, observe: observe, logger: logging.For(logger, logging.CategoryGenerator)}
}

func (t *traced) Generate(ctx context.Context, prompt string) (string, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "generator.generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("generator.provider", t.provider),
		attribute.String("generator.model", t.model),
		attribute.Int("generator.prompt_bytes", len(prompt)),
	)

	start := time.Now()
	out, err := t.inner.Generate(ctx, prompt)
	elapsed := time.Since(start)
	if t.observe != nil {
		t.observe(elapsed, err)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		t.logger.Debug("generate failed", zap.Duration("elapsed", elapsed), zap.Error(err))
		return "", err
	}
	span.SetAttributes(attribute.Int("generator.response_bytes", len(out)))
	t.logger.Debug("generate completed",
		zap.Duration("elapsed", elapsed),
		zap.Int("prompt_bytes", len(prompt)),
		zap.Int("response_bytes", len(out)))
	return out, nil
}

// New builds the generator selected by cfg.Generator, wrapped with retry.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Generator, error) {
	gc := cfg.Generator
	var (
		base Generator
		err  error
	)
	switch gc.Provider {
	case "openai":
		base, err = NewOpenAI(OpenAIConfig{
			APIKey:      gc.APIKey,
			BaseURL:     gc.BaseURL,
			Model:       gc.Model,
			Timeout:     cfg.GetGeneratorTimeout(),
			Temperature: gc.Temperature,
			MaxTokens:   gc.MaxTokens,
		})
	case "gemini":
		base, err = NewGemini(ctx, GeminiConfig{
			APIKey:      gc.APIKey,
			Model:       gc.Model,
			Timeout:     cfg.GetGeneratorTimeout(),
			Temperature: gc.Temperature,
			MaxTokens:   gc.MaxTokens,
		})
	case "scripted":
		base, err = LoadScript(gc.ScriptPath)
	default:
		err = fmt.Errorf("unknown generator provider %q", gc.Provider)
	}
	if err != nil {
		return nil, err
	}

	backoffBase, backoffMax := cfg.GetBackoff()
	return WithRetry(base, RetryPolicy{
		MaxAttempts: gc.MaxAttempts,
		BaseDelay:   backoffBase,
		MaxDelay:    backoffMax,
	}, logger), nil
}

var errNoAPIKey = errors.New("API key not configured")
