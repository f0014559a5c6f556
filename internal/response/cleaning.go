package response

import (
	"strconv"
	"strings"

	"recleaner/internal/types"
)

// ChunkStatus is the model's view of whether a chunk still has unsolved issues.
type ChunkStatus string

const (
	StatusClean         ChunkStatus = "clean"
	StatusNeedsMoreWork ChunkStatus = "needs_more_work"
)

// Cleaning is a parsed cleaning_analysis reply.
type Cleaning struct {
	Issues []types.Issue
	// Function is nil when the reply carries no code.
	Function *types.CandidateFunction
	Status   ChunkStatus
}

func (*Cleaning) Kind() Kind { return KindCleaning }

// Clean reports whether the model declared the chunk clean.
func (c *Cleaning) Clean() bool { return c.Status == StatusClean }

type xmlIssue struct {
	ID     string `xml:"id,attr"`
	Solved string `xml:"solved,attr"`
	Text   string `xml:",chardata"`
}

type xmlCleaning struct {
	Issues   []xmlIssue   `xml:"issues_detected>issue"`
	Function *xmlFunction `xml:"function_to_generate"`
	Status   string       `xml:"chunk_status"`
}

var cleaningSpec = blockSpec{
	root:      "cleaning_analysis",
	children:  []string{"issues_detected", "function_to_generate", "chunk_status"},
	protected: []string{"code", "docstring", "issue"},
}

// ParseCleaning extracts issues, the proposed function and the chunk status.
// Issues without a description are dropped; a missing status means needs_more_work.
func ParseCleaning(raw string) (*Cleaning, error) {
	var doc xmlCleaning
	if err := extractBlock(raw, cleaningSpec, &doc); err != nil {
		return nil, err
	}

	out := &Cleaning{Status: parseStatus(doc.Status)}
	for i, is := range doc.Issues {
		desc := strings.TrimSpace(is.Text)
		if desc == "" {
			continue
		}
		id := strings.TrimSpace(is.ID)
		if id == "" {
			id = strconv.Itoa(i + 1)
		}
		out.Issues = append(out.Issues, types.Issue{ID: id, Description: desc, Solved: parseBool(is.Solved)})
	}

	fn, err := doc.Function.candidate()
	if err != nil {
		return nil, err
	}
	if fn != nil {
		fn.Issues = out.Issues
		out.Function = fn
	}
	return out, nil
}

// Unsolved returns the issues not marked solved.
func (c *Cleaning) Unsolved() []types.Issue {
	var out []types.Issue
	for _, is := range c.Issues {
		if !is.Solved {
			out = append(out, is)
		}
	}
	return out
}

func parseStatus(s string) ChunkStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "clean":
		return StatusClean
	default:
		return StatusNeedsMoreWork
	}
}
