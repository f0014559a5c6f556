// Package response parses the model's replies. Each reply kind has its own root
// element and parser; all of them share the block extraction in this file.
package response

import (
	"encoding/xml"
	"fmt"
	"go/ast"
	"go/token"
	"regexp"
	"strings"

	"recleaner/internal/library"
	"recleaner/internal/types"
)

// Kind discriminates the response union.
type Kind string

const (
	KindCleaning      Kind = "cleaning"
	KindConsolidation Kind = "consolidation"
	KindSaturation    Kind = "saturation"
)

// Response is implemented by *Cleaning, *Consolidation and *Saturation.
type Response interface {
	Kind() Kind
}

// Parse dispatches raw to the parser for kind.
func Parse(kind Kind, raw string) (Response, error) {
	var (
		r   Response
		err error
	)
	switch kind {
	case KindCleaning:
		r, err = ParseCleaning(raw)
	case KindConsolidation:
		r, err = ParseConsolidation(raw)
	case KindSaturation:
		r, err = ParseSaturation(raw)
	default:
		return nil, fmt.Errorf("unknown response kind %q", kind)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// blockSpec describes where a kind's structured block lives in a reply.
type blockSpec struct {
	root string
	// children are tags that may appear at top level when the model omits the root.
	children []string
	// protected elements hold free text and are decoded as character data.
	protected []string
}

// extractBlock locates the structured block for spec in raw and decodes it into v.
func extractBlock(raw string, spec blockSpec, v any) error {
	text := stripOuterFence(strings.TrimSpace(raw))

	block, ok := findElement(text, spec.root)
	if !ok {
		start, end := -1, -1
		for _, child := range spec.children {
			if s, e, found := span(text, child); found {
				if start < 0 || s < start {
					start = s
				}
				if e > end {
					end = e
				}
			}
		}
		if start < 0 {
			return &types.ParseError{Reason: fmt.Sprintf("no <%s> element found", spec.root)}
		}
		block = "<" + spec.root + ">" + text[start:end] + "</" + spec.root + ">"
	}

	for _, tag := range spec.protected {
		block = protect(block, tag)
	}

	dec := xml.NewDecoder(strings.NewReader(block))
	dec.Entity = xml.HTMLEntity
	if err := dec.Decode(v); err != nil {
		return &types.ParseError{Reason: "malformed " + spec.root, Err: err}
	}
	return nil
}

var outerFence = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*\\n(.*)\\n\\s*```$")

// stripOuterFence removes a fence wrapping the whole reply, as in ```xml ... ```.
func stripOuterFence(s string) string {
	if m := outerFence.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	return s
}

// findElement returns the first <tag>...</tag> element in s, including the tags.
func findElement(s, tag string) (string, bool) {
	start, end, ok := span(s, tag)
	if !ok {
		return "", false
	}
	return s[start:end], true
}

// span finds the byte range of the first tag element in s. An element that is
// opened but never closed runs to the end of s.
func span(s, tag string) (int, int, bool) {
	open := openTag(s, tag, 0)
	if open < 0 {
		return 0, 0, false
	}
	closing := "</" + tag + ">"
	if idx := strings.LastIndex(s, closing); idx > open {
		return open, idx + len(closing), true
	}
	return open, len(s), true
}

// openTag finds "<tag>" or "<tag " at or after from.
func openTag(s, tag string, from int) int {
	needle := "<" + tag
	for i := from; i < len(s); {
		idx := strings.Index(s[i:], needle)
		if idx < 0 {
			return -1
		}
		pos := i + idx
		after := pos + len(needle)
		if after < len(s) && (s[after] == '>' || s[after] == ' ' || s[after] == '\t' || s[after] == '\n' || s[after] == '/') {
			return pos
		}
		i = after
	}
	return -1
}

// protect wraps the body of every tag element in CDATA so Go code and prose
// containing '<' or '&' decode verbatim.
func protect(block, tag string) string {
	var out strings.Builder
	closing := "</" + tag + ">"
	i := 0
	for {
		open := openTag(block, tag, i)
		if open < 0 {
			break
		}
		gt := strings.IndexByte(block[open:], '>')
		if gt < 0 {
			break
		}
		bodyStart := open + gt + 1
		if block[bodyStart-2] == '/' {
			out.WriteString(block[i:bodyStart])
			i = bodyStart
			continue
		}
		rel := strings.Index(block[bodyStart:], closing)
		if rel < 0 {
			break
		}
		bodyEnd := bodyStart + rel
		body := block[bodyStart:bodyEnd]

		out.WriteString(block[i:bodyStart])
		if strings.HasPrefix(strings.TrimSpace(body), "<![CDATA[") {
			out.WriteString(body)
		} else {
			out.WriteString("<![CDATA[")
			out.WriteString(strings.ReplaceAll(body, "]]>", "]]]]><![CDATA[>"))
			out.WriteString("]]>")
		}
		i = bodyEnd
	}
	out.WriteString(block[i:])
	return out.String()
}

var codeFence = regexp.MustCompile("(?s)```[a-zA-Z]*[ \\t]*\\n?(.*?)\\s*```")

// unwrapCode returns the contents of the first fenced block in s, or s trimmed.
func unwrapCode(s string) string {
	if m := codeFence.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(s)
}

// xmlFunction is shared by function_to_generate and merged_function.
type xmlFunction struct {
	Name      string `xml:"name"`
	Docstring string `xml:"docstring"`
	Code      string `xml:"code"`
}

// candidate trims the fields of f and checks its code. It returns nil when the
// element carries no code.
func (f *xmlFunction) candidate() (*types.CandidateFunction, error) {
	if f == nil {
		return nil, nil
	}
	code := unwrapCode(f.Code)
	if code == "" {
		return nil, nil
	}
	name := strings.TrimSpace(f.Name)
	if err := checkCode(name, code); err != nil {
		return nil, err
	}
	return &types.CandidateFunction{
		Name:      name,
		Docstring: strings.TrimSpace(f.Docstring),
		Code:      code,
	}, nil
}

// checkCode parses code as Go and requires it to declare name at top level.
func checkCode(name, code string) error {
	if !token.IsIdentifier(name) {
		return &types.ParseError{Reason: fmt.Sprintf("function name %q is not a valid Go identifier", name)}
	}
	file, _, err := library.ParseSource(token.NewFileSet(), name+".go", code)
	if err != nil {
		return &types.ParseError{Reason: "invalid Go syntax", Err: err}
	}
	if name == types.EntrypointName || usesIdent(file, types.EntrypointName) {
		return &types.ParseError{Reason: fmt.Sprintf("code references reserved name %s; functions must be self-contained", types.EntrypointName)}
	}
	for _, fn := range library.DeclaredFuncs(file) {
		if fn == name {
			return nil
		}
	}
	return &types.ParseError{Reason: fmt.Sprintf("code does not declare func %s", name)}
}

// usesIdent reports whether file names ident outside a package selector.
// Comments and string literals do not count.
func usesIdent(file *ast.File, ident string) bool {
	found := false
	selected := make(map[*ast.Ident]bool)
	ast.Inspect(file, func(n ast.Node) bool {
		if found {
			return false
		}
		switch x := n.(type) {
		case *ast.SelectorExpr:
			selected[x.Sel] = true
		case *ast.Ident:
			if x.Name == ident && !selected[x] {
				found = true
			}
		}
		return true
	})
	return found
}

func parseBool(s string) bool {
	return strings.EqualFold(strings.TrimSpace(s), "true")
}
