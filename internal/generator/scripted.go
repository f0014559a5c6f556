package generator

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Scripted replays canned responses in order. It backs tests and offline
// dry runs.
type Scripted struct {
	mu        sync.Mutex
	responses []Reply
	prompts   []string
}

// Reply is one scripted answer. A non-empty Err is returned as an error;
// Transient marks it retryable.
type Reply struct {
	Text      string `yaml:"text"`
	Err       string `yaml:"error,omitempty"`
	Transient bool   `yaml:"transient,omitempty"`
}

// NewScripted returns a generator answering with texts in order.
func NewScripted(texts ...string) *Scripted {
	s := &Scripted{}
	for _, t := range texts {
		s.responses = append(s.responses, Reply{Text: t})
	}
	return s
}

// Push appends replies.
func (s *Scripted) Push(replies ...Reply) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, replies...)
	return s
}

// LoadScript reads a YAML list of replies.
func LoadScript(path string) (*Scripted, error) {
	if path == "" {
		return nil, fmt.Errorf("scripted generator needs generator.script_path")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	var replies []Reply
	if err := yaml.Unmarshal(data, &replies); err != nil {
		return nil, fmt.Errorf("failed to parse script %s: %w", path, err)
	}
	return (&Scripted{}).Push(replies...), nil
}

func (s *Scripted) Generate(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)
	if len(s.responses) == 0 {
		return "", fmt.Errorf("script exhausted after %d calls", len(s.prompts)-1)
	}
	r := s.responses[0]
	s.responses = s.responses[1:]
	if r.Err != "" {
		err := fmt.Errorf("%s", r.Err)
		if r.Transient {
			return "", Transient(err)
		}
		return "", err
	}
	return r.Text, nil
}

// Prompts returns every prompt received so far.
func (s *Scripted) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts...)
}

// Remaining reports how many replies are left.
func (s *Scripted) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.responses)
}
