// Package safety statically inspects generated code before it is ever executed.
package safety

import (
	"bytes"
	"fmt"
	"go/ast"
	"go/printer"
	"go/token"
	"sort"
	"strconv"
	"strings"

	"recleaner/internal/library"
	"recleaner/internal/types"
)

// Checker walks parsed candidate code and reports disallowed constructs.
type Checker struct {
	policy  Policy
	allowed map[string]struct{}
}

// Policy configures what generated code may use.
type Policy struct {
	// AllowedImports is the import allowlist. Empty means DefaultAllowedImports.
	AllowedImports []string
	AllowPanic     bool
	AllowSleep     bool
}

// DefaultPolicy allows pure data manipulation packages only.
func DefaultPolicy() Policy {
	return Policy{AllowedImports: DefaultAllowedImports()}
}

// DefaultAllowedImports returns the packages generated cleaning code may import.
func DefaultAllowedImports() []string {
	return []string{
		"bytes",
		"encoding/base64",
		"encoding/hex",
		"encoding/json",
		"errors",
		"fmt",
		"html",
		"math",
		"net/mail",
		"net/url",
		"regexp",
		"sort",
		"strconv",
		"strings",
		"time",
		"unicode",
		"unicode/utf8",
	}
}

// Report contains the results of a safety check.
type Report struct {
	Safe           bool
	Violations     []Violation
	ImportsChecked int
	CallsChecked   int
}

// Violation describes a single safety issue.
type Violation struct {
	Type        ViolationType
	Location    string // line:N
	Description string
}

func (v Violation) String() string {
	if v.Location == "" {
		return fmt.Sprintf("%s: %s", v.Type, v.Description)
	}
	return fmt.Sprintf("%s at %s: %s", v.Type, v.Location, v.Description)
}

// ViolationType categorizes violations.
type ViolationType int

const (
	ViolationForbiddenImport ViolationType = iota
	ViolationDangerousCall
	ViolationUnsafePointer
	ViolationReflection
	ViolationCGO
	ViolationExec
	ViolationPanic
	ViolationGoroutine
	ViolationDirective
	ViolationParseError
)

func (v ViolationType) String() string {
	switch v {
	case ViolationForbiddenImport:
		return "forbidden_import"
	case ViolationDangerousCall:
		return "dangerous_call"
	case ViolationUnsafePointer:
		return "unsafe_pointer"
	case ViolationReflection:
		return "reflection"
	case ViolationCGO:
		return "cgo"
	case ViolationExec:
		return "exec"
	case ViolationPanic:
		return "panic"
	case ViolationGoroutine:
		return "goroutine"
	case ViolationDirective:
		return "compiler_directive"
	case ViolationParseError:
		return "parse_error"
	default:
		return "unknown"
	}
}

// Verdict is the safe/unsafe outcome of a check, with reasons when unsafe.
type Verdict struct {
	Safe    bool
	Reasons []string
}

// importClass maps well-known dangerous packages to a more specific violation.
var importClass = map[string]ViolationType{
	"C":        ViolationCGO,
	"unsafe":   ViolationUnsafePointer,
	"reflect":  ViolationReflection,
	"os/exec":  ViolationExec,
	"syscall":  ViolationExec,
	"plugin":   ViolationExec,
	"os":       ViolationForbiddenImport,
	"net":      ViolationForbiddenImport,
	"net/http": ViolationForbiddenImport,
	"runtime":  ViolationForbiddenImport,
}

// dangerousCalls are flagged even though their packages are importable.
var dangerousCalls = map[string]string{
	"time.Sleep": "sleeping stalls the cleaning loop",
	"time.Tick":  "tickers leak without a stop",
	"time.After": "timers are not needed for per-record cleaning",
}

// NewChecker creates a checker for policy.
func NewChecker(policy Policy) *Checker {
	if len(policy.AllowedImports) == 0 {
		policy.AllowedImports = DefaultAllowedImports()
	}
	allowed := make(map[string]struct{}, len(policy.AllowedImports))
	for _, pkg := range policy.AllowedImports {
		allowed[pkg] = struct{}{}
	}
	return &Checker{policy: policy, allowed: allowed}
}

// AllowedImports returns the sorted import allowlist.
func (c *Checker) AllowedImports() []string {
	out := make([]string, 0, len(c.allowed))
	for pkg := range c.allowed {
		out = append(out, pkg)
	}
	sort.Strings(out)
	return out
}

// Check parses code and walks it for disallowed constructs. Any violation marks
// the code unsafe.
func (c *Checker) Check(code string) *Report {
	report := &Report{Safe: true}

	fset := token.NewFileSet()
	file, src, err := library.ParseSource(fset, "generated.go", code)
	if err != nil {
		report.add(Violation{Type: ViolationParseError, Description: fmt.Sprintf("failed to parse code: %v", err)})
		return report
	}

	w := &walker{
		checker: c,
		fset:    fset,
		report:  report,
		imports: make(map[string]string),
		// report lines relative to the code as generated, not the added package clause
		lineOffset: strings.Count(src[:len(src)-len(code)], "\n"),
	}
	w.checkImports(file)
	w.checkDirectives(file)
	w.checkDecls(file)
	ast.Walk(w, file)
	return report
}

// Verdict projects the report to safe or unsafe with reasons.
func (r *Report) Verdict() Verdict {
	if r.Safe {
		return Verdict{Safe: true}
	}
	reasons := make([]string, len(r.Violations))
	for i, v := range r.Violations {
		reasons[i] = v.String()
	}
	return Verdict{Reasons: reasons}
}

// Err returns a *types.SafetyRejection for an unsafe report and nil otherwise.
func (r *Report) Err() error {
	v := r.Verdict()
	if v.Safe {
		return nil
	}
	return &types.SafetyRejection{Reasons: v.Reasons}
}

func (r *Report) add(v Violation) {
	r.Safe = false
	r.Violations = append(r.Violations, v)
}

type walker struct {
	checker *Checker
	fset    *token.FileSet
	report  *Report
	// imports maps the local package name to its import path.
	imports    map[string]string
	lineOffset int
}

func (w *walker) line(pos token.Pos) string {
	return "line:" + strconv.Itoa(w.fset.Position(pos).Line-w.lineOffset)
}

func (w *walker) checkImports(file *ast.File) {
	for _, imp := range file.Imports {
		w.report.ImportsChecked++
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			path = strings.Trim(imp.Path.Value, "`\"")
		}
		local := path[strings.LastIndex(path, "/")+1:]
		if imp.Name != nil {
			local = imp.Name.Name
			if local == "." || local == "_" {
				kind := "dot"
				if local == "_" {
					kind = "blank"
				}
				w.report.add(Violation{
					Type:        ViolationForbiddenImport,
					Location:    w.line(imp.Pos()),
					Description: fmt.Sprintf("%s import of %q is not permitted", kind, path),
				})
				continue
			}
		}
		w.imports[local] = path

		if _, ok := w.checker.allowed[path]; ok {
			continue
		}
		vt, known := importClass[path]
		if !known {
			vt = ViolationForbiddenImport
		}
		w.report.add(Violation{
			Type:        vt,
			Location:    w.line(imp.Pos()),
			Description: fmt.Sprintf("import %q is not on the allowlist", path),
		})
	}
}

func (w *walker) checkDirectives(file *ast.File) {
	for _, group := range file.Comments {
		for _, cm := range group.List {
			if strings.HasPrefix(cm.Text, "//go:") || strings.HasPrefix(cm.Text, "//export ") {
				w.report.add(Violation{
					Type:        ViolationDirective,
					Location:    w.line(cm.Pos()),
					Description: fmt.Sprintf("compiler directive %q is not permitted", strings.Fields(cm.Text)[0]),
				})
			}
		}
	}
}

func (w *walker) checkDecls(file *ast.File) {
	for _, decl := range file.Decls {
		fd, ok := decl.(*ast.FuncDecl)
		if !ok || fd.Recv != nil {
			continue
		}
		if fd.Name.Name == "init" {
			w.report.add(Violation{
				Type:        ViolationDangerousCall,
				Location:    w.line(fd.Pos()),
				Description: "init functions run at definition time and are not permitted",
			})
		}
	}
}

func (w *walker) Visit(node ast.Node) ast.Visitor {
	if node == nil {
		return nil
	}
	switch n := node.(type) {
	case *ast.GoStmt:
		w.report.add(Violation{
			Type:        ViolationGoroutine,
			Location:    w.line(n.Go),
			Description: "goroutines are not permitted in cleaning functions",
		})
	case *ast.CallExpr:
		w.report.CallsChecked++
		w.checkCall(n)
	}
	return w
}

func (w *walker) checkCall(call *ast.CallExpr) {
	switch fn := call.Fun.(type) {
	case *ast.Ident:
		if fn.Name == "panic" && !w.checker.policy.AllowPanic {
			w.report.add(Violation{
				Type:        ViolationPanic,
				Location:    w.line(call.Pos()),
				Description: "panic is not permitted in generated code; return an error instead",
			})
		}
	case *ast.SelectorExpr:
		pkg, ok := fn.X.(*ast.Ident)
		if !ok {
			return
		}
		path, imported := w.imports[pkg.Name]
		if !imported {
			return
		}
		key := path + "." + fn.Sel.Name
		reason, bad := dangerousCalls[key]
		if !bad || (strings.HasPrefix(key, "time.") && w.checker.policy.AllowSleep) {
			return
		}
		w.report.add(Violation{
			Type:        ViolationDangerousCall,
			Location:    w.line(call.Pos()),
			Description: fmt.Sprintf("call to %s: %s", exprString(w.fset, call.Fun), reason),
		})
	}
}

func exprString(fset *token.FileSet, expr ast.Expr) string {
	var buf bytes.Buffer
	_ = printer.Fprint(&buf, fset, expr)
	return buf.String()
}
