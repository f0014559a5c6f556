package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"recleaner/internal/config"
	"recleaner/internal/types"
)

func noSleep(r Generator) Generator {
	r.(*retrying).sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return r
}

func TestRetryTransientThenSuccess(t *testing.T) {
	s := NewScripted().Push(
		Reply{Err: "rate limited", Transient: true},
		Reply{Err: "502", Transient: true},
		Reply{Text: "<response/>"},
	)
	g := noSleep(WithRetry(s, DefaultRetryPolicy(), nil))

	out, err := g.Generate(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "<response/>", out)
	assert.Len(t, s.Prompts(), 3)
}

func TestRetryGivesUp(t *testing.T) {
	tests := []struct {
		name         string
		replies      []Reply
		wantAttempts int
	}{
		{
			name: "transient exhausted",
			replies: []Reply{
				{Err: "timeout", Transient: true},
				{Err: "timeout", Transient: true},
				{Err: "timeout", Transient: true},
				{Text: "never reached"},
			},
			wantAttempts: 3,
		},
		{
			name:         "permanent failure is not retried",
			replies:      []Reply{{Err: "401 unauthorized"}, {Text: "never reached"}},
			wantAttempts: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewScripted().Push(tt.replies...)
			g := noSleep(WithRetry(s, DefaultRetryPolicy(), nil))

			_, err := g.Generate(context.Background(), "p")
			var failure *types.GeneratorFailure
			require.True(t, errors.As(err, &failure), "got %v", err)
			assert.Equal(t, tt.wantAttempts, failure.Attempts)
			assert.True(t, types.IsFatal(err))
			assert.Len(t, s.Prompts(), tt.wantAttempts)
		})
	}
}

func TestRetryDelay(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, time.Duration(0), p.Delay(1))
	assert.Equal(t, time.Second, p.Delay(2))
	assert.Equal(t, 2*time.Second, p.Delay(3))
	assert.Equal(t, 8*time.Second, p.Delay(5))
	assert.Equal(t, 10*time.Second, p.Delay(6))
	assert.Equal(t, 10*time.Second, p.Delay(80))
}

func TestRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewScripted().Push(Reply{Err: "busy", Transient: true}, Reply{Text: "ok"})
	g := WithRetry(s, RetryPolicy{MaxAttempts: 3, BaseDelay: time.Hour, MaxDelay: time.Hour}, nil)

	cancel()
	_, err := g.Generate(ctx, "p")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpenAIStatusHandling(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		want          string
		wantTransient bool
		wantErr       bool
	}{
		{
			name:   "ok",
			status: http.StatusOK,
			body:   `{"choices":[{"message":{"role":"assistant","content":"  <response></response>\n"}}]}`,
			want:   "<response></response>",
		},
		{name: "rate limit", status: http.StatusTooManyRequests, body: `{}`, wantErr: true, wantTransient: true},
		{name: "server error", status: http.StatusBadGateway, body: `bad gateway`, wantErr: true, wantTransient: true},
		{name: "bad request", status: http.StatusBadRequest, body: `{"error":{"message":"bad"}}`, wantErr: true},
		{name: "no choices", status: http.StatusOK, body: `{"choices":[]}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v1/chat/completions", r.URL.Path)
				assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

				var req openAIRequest
				require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				assert.Equal(t, "gpt-test", req.Model)
				require.Len(t, req.Messages, 2)
				assert.Equal(t, "clean this", req.Messages[1].Content)

				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			c, err := NewOpenAI(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1/", Model: "gpt-test"})
			require.NoError(t, err)

			out, err := c.Generate(context.Background(), "clean this")
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, tt.want, out)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantTransient, errors.Is(err, types.ErrTransient))
		})
	}
}

func TestOpenAIRequiresKey(t *testing.T) {
	_, err := NewOpenAI(OpenAIConfig{})
	assert.ErrorIs(t, err, errNoAPIKey)
}

func TestClassifyGemini(t *testing.T) {
	assert.ErrorIs(t, classifyGemini(genai.APIError{Code: 429}), types.ErrTransient)
	assert.ErrorIs(t, classifyGemini(genai.APIError{Code: 503}), types.ErrTransient)
	assert.NotErrorIs(t, classifyGemini(genai.APIError{Code: 400}), types.ErrTransient)
	assert.ErrorIs(t, classifyGemini(errors.New("connection reset")), types.ErrTransient)
	assert.NotErrorIs(t, classifyGemini(context.Canceled), types.ErrTransient)
}

func TestTracingObservesLatency(t *testing.T) {
	var calls, failures atomic.Int32
	observe := func(d time.Duration, err error) {
		calls.Add(1)
		if err != nil {
			failures.Add(1)
		}
	}
	s := NewScripted("a").Push(Reply{Err: "boom"})
	g := WithTracing(s, "scripted", "none", observe, nil)

	out, err := g.Generate(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "a", out)
	_, err = g.Generate(context.Background(), "p2")
	assert.Error(t, err)

	assert.EqualValues(t, 2, calls.Load())
	assert.EqualValues(t, 1, failures.Load())
}

func TestScriptedExhausted(t *testing.T) {
	s := NewScripted("only")
	_, err := s.Generate(context.Background(), "1")
	require.NoError(t, err)
	_, err = s.Generate(context.Background(), "2")
	assert.ErrorContains(t, err, "script exhausted after 1 calls")
	assert.Equal(t, 0, s.Remaining())
}

func TestNewFromConfig(t *testing.T) {
	script := filepath.Join(t.TempDir(), "script.yaml")
	require.NoError(t, os.WriteFile(script, []byte(`
- text: first
- error: overloaded
  transient: true
- text: second
`), 0o644))

	cfg := config.DefaultConfig()
	cfg.Generator.Provider = "scripted"
	cfg.Generator.ScriptPath = script
	cfg.Generator.BackoffBase = "1ms"
	cfg.Generator.BackoffMax = "2ms"

	g, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)

	out, err := g.Generate(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "first", out)
	out, err = g.Generate(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "second", out)

	cfg.Generator.Provider = "openai"
	cfg.Generator.APIKey = ""
	_, err = New(context.Background(), cfg, nil)
	assert.ErrorIs(t, err, errNoAPIKey)

	cfg.Generator.Provider = "llama"
	_, err = New(context.Background(), cfg, nil)
	assert.Error(t, err)
}
