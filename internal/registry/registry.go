// Package registry keeps the bounded, ordered memory of accepted functions
// that is restated in every prompt so the model does not recreate them.
package registry

import (
	"strings"
	"unicode/utf8"

	"recleaner/internal/types"
)

// EmptyContext is returned while no function has been accepted.
const EmptyContext = "(No functions generated yet)"

// Registry holds name/docstring projections in generation order.
// It owns no code bodies.
type Registry struct {
	entries []types.ContextEntry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{}
}

// FromFunctions rebuilds a registry from accepted functions, e.g. after resume.
func FromFunctions(fns []types.AcceptedFunction) *Registry {
	r := New()
	for _, fn := range fns {
		r.Record(fn)
	}
	return r
}

// Record appends the function's context entry.
func (r *Registry) Record(fn types.AcceptedFunction) {
	r.entries = append(r.entries, fn.Entry())
}

// Replace removes the named entries and puts fn where the first of them was.
// When none of the names is present fn is appended.
func (r *Registry) Replace(names []string, fn types.AcceptedFunction) {
	drop := make(map[string]struct{}, len(names))
	for _, n := range names {
		drop[n] = struct{}{}
	}
	out := make([]types.ContextEntry, 0, len(r.entries)+1)
	inserted := false
	for _, e := range r.entries {
		if _, ok := drop[e.Name]; ok {
			if !inserted {
				out = append(out, fn.Entry())
				inserted = true
			}
			continue
		}
		out = append(out, e)
	}
	if !inserted {
		out = append(out, fn.Entry())
	}
	r.entries = out
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	return len(r.entries)
}

// Entries returns a copy of the entries in generation order.
func (r *Registry) Entries() []types.ContextEntry {
	out := make([]types.ContextEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// BuildContext renders the prompt-visible context within budget characters.
//
// Entries are taken most-recent-first and the walk stops at the first entry that
// would overflow the budget, so the oldest entries are the ones left out. The
// included entries are rendered oldest-first.
func (r *Registry) BuildContext(budget int) string {
	if budget <= 0 {
		return ""
	}
	if len(r.entries) == 0 {
		if utf8.RuneCountInString(EmptyContext) <= budget {
			return EmptyContext
		}
		return ""
	}

	var picked []string
	used := 0
	for i := len(r.entries) - 1; i >= 0; i-- {
		block := formatEntry(r.entries[i])
		cost := utf8.RuneCountInString(block)
		if len(picked) > 0 {
			cost += utf8.RuneCountInString(entrySeparator)
		}
		if used+cost > budget {
			break
		}
		used += cost
		picked = append(picked, block)
	}

	for i, j := 0, len(picked)-1; i < j; i, j = i+1, j-1 {
		picked[i], picked[j] = picked[j], picked[i]
	}
	return strings.Join(picked, entrySeparator)
}

const entrySeparator = "\n\n"

func formatEntry(e types.ContextEntry) string {
	doc := strings.TrimSpace(e.Docstring)
	if doc == "" {
		doc = "(no docstring)"
	}
	return "## " + e.Name + "\n" + doc
}
