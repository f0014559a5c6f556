package response

import (
	"strings"

	"recleaner/internal/types"
)

// Decision is the model's verdict on a consolidation group.
type Decision string

const (
	DecisionMerge        Decision = "merge"
	DecisionKeepSeparate Decision = "keep_separate"
)

// Consolidation is a parsed consolidation_result reply.
type Consolidation struct {
	Decision  Decision
	Reasoning string
	// Merged is set only when Decision is merge and the reply carries code.
	Merged            *types.CandidateFunction
	MoreOpportunities bool
}

func (*Consolidation) Kind() Kind { return KindConsolidation }

type xmlConsolidation struct {
	Decision  string       `xml:"decision"`
	Reasoning string       `xml:"reasoning"`
	Merged    *xmlFunction `xml:"merged_function"`
	More      string       `xml:"more_opportunities"`
}

var consolidationSpec = blockSpec{
	root:      "consolidation_result",
	children:  []string{"decision", "merged_function", "more_opportunities"},
	protected: []string{"code", "docstring", "reasoning"},
}

// ParseConsolidation extracts the merge decision. Anything but an explicit
// "merge" is keep_separate, and a merge without code is downgraded to
// keep_separate. more_opportunities defaults to false.
func ParseConsolidation(raw string) (*Consolidation, error) {
	var doc xmlConsolidation
	if err := extractBlock(raw, consolidationSpec, &doc); err != nil {
		return nil, err
	}
	out := &Consolidation{
		Decision:          DecisionKeepSeparate,
		Reasoning:         strings.TrimSpace(doc.Reasoning),
		MoreOpportunities: parseBool(doc.More),
	}
	if strings.EqualFold(strings.TrimSpace(doc.Decision), string(DecisionMerge)) {
		fn, err := doc.Merged.candidate()
		if err != nil {
			return nil, err
		}
		if fn != nil {
			out.Decision = DecisionMerge
			out.Merged = fn
		}
	}
	return out, nil
}
