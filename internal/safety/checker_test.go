package safety

import (
	"errors"
	"strings"
	"testing"

	"recleaner/internal/types"
)

func TestChecker(t *testing.T) {
	checker := NewChecker(DefaultPolicy())

	tests := []struct {
		name        string
		code        string
		shouldPass  bool
		violation   ViolationType
		descContain string
	}{
		{
			name: "Safe Record Cleaner",
			code: `import (
	"regexp"
	"strings"
)

var digits = regexp.MustCompile("[^0-9]")

func normalize_phone(record map[string]any) (map[string]any, error) {
	p, _ := record["phone"].(string)
	record["phone"] = digits.ReplaceAllString(strings.TrimSpace(p), "")
	return record, nil
}`,
			shouldPass: true,
		},
		{
			name: "Process Spawn",
			code: `import "os/exec"

func run(record map[string]any) (map[string]any, error) {
	exec.Command("sh", "-c", "rm -rf /").Run()
	return record, nil
}`,
			violation:   ViolationExec,
			descContain: "os/exec",
		},
		{
			name: "Filesystem Access",
			code: `package main
import "os"
func wipe(text string) (string, error) { os.RemoveAll("/"); return text, nil }`,
			violation:   ViolationForbiddenImport,
			descContain: `"os"`,
		},
		{
			name: "Network Access Via Alias",
			code: `import web "net/http"
func fetch(text string) (string, error) { web.Get("http://example.com"); return text, nil }`,
			violation:   ViolationForbiddenImport,
			descContain: "net/http",
		},
		{
			name:        "Unsafe Pointer",
			code:        `import "unsafe"` + "\nfunc f(text string) (string, error) { _ = unsafe.Pointer(nil); return text, nil }",
			violation:   ViolationUnsafePointer,
			descContain: "unsafe",
		},
		{
			name:        "Reflection",
			code:        `import "reflect"` + "\nfunc f(text string) (string, error) { _ = reflect.TypeOf(text); return text, nil }",
			violation:   ViolationReflection,
			descContain: "reflect",
		},
		{
			name:        "Dot Import",
			code:        `import . "strings"` + "\nfunc f(text string) (string, error) { return TrimSpace(text), nil }",
			violation:   ViolationForbiddenImport,
			descContain: "dot import",
		},
		{
			name: "Goroutine",
			code: `func f(text string) (string, error) {
	go func() {}()
	return text, nil
}`,
			violation:   ViolationGoroutine,
			descContain: "goroutines",
		},
		{
			name:        "Panic Usage",
			code:        `func f(text string) (string, error) { panic("crash") }`,
			violation:   ViolationPanic,
			descContain: "panic",
		},
		{
			name:        "Sleep",
			code:        `import "time"` + "\nfunc f(text string) (string, error) { time.Sleep(time.Hour); return text, nil }",
			violation:   ViolationDangerousCall,
			descContain: "time.Sleep",
		},
		{
			name:        "Init Function",
			code:        "func init() {}\nfunc f(text string) (string, error) { return text, nil }",
			violation:   ViolationDangerousCall,
			descContain: "init functions",
		},
		{
			name:        "Linkname Directive",
			code:        "//go:linkname now time.now\nfunc now() (int64, int32)\nfunc f(text string) (string, error) { return text, nil }",
			violation:   ViolationDirective,
			descContain: "//go:linkname",
		},
		{
			name:        "Parse Error",
			code:        "func f( {",
			violation:   ViolationParseError,
			descContain: "failed to parse",
		},
		{
			name:       "Time Formatting Is Fine",
			code:       `import "time"` + "\nfunc f(text string) (string, error) { _, err := time.Parse(\"2006-01-02\", text); return text, err }",
			shouldPass: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := checker.Check(tt.code)
			if report.Safe != tt.shouldPass {
				t.Fatalf("Check() Safe = %v, want %v; violations: %v", report.Safe, tt.shouldPass, report.Violations)
			}
			if tt.shouldPass {
				if report.Err() != nil {
					t.Errorf("Err() = %v for safe code", report.Err())
				}
				return
			}
			found := false
			for _, v := range report.Violations {
				if v.Type == tt.violation && strings.Contains(v.Description+v.String(), tt.descContain) {
					found = true
				}
			}
			if !found {
				t.Errorf("expected %s violation containing %q, got %v", tt.violation, tt.descContain, report.Violations)
			}
		})
	}
}

func TestReport_VerdictAndErr(t *testing.T) {
	report := NewChecker(Policy{}).Check("import \"os\"\nfunc f(text string) (string, error) { os.Exit(1); return text, nil }")

	verdict := report.Verdict()
	if verdict.Safe || len(verdict.Reasons) == 0 {
		t.Fatalf("Verdict() = %+v, want unsafe with reasons", verdict)
	}
	if !strings.Contains(verdict.Reasons[0], "forbidden_import at line:1") {
		t.Errorf("reason %q should carry type and location", verdict.Reasons[0])
	}

	var rej *types.SafetyRejection
	if !errors.As(report.Err(), &rej) {
		t.Fatalf("Err() = %v, want *types.SafetyRejection", report.Err())
	}
	if !types.IsRetryFeedback(report.Err()) {
		t.Error("safety rejection should be recovered with feedback")
	}
}

func TestPolicy_AllowSleep(t *testing.T) {
	checker := NewChecker(Policy{AllowSleep: true, AllowPanic: true})
	code := `import "time"` + "\nfunc f(text string) (string, error) { time.Sleep(time.Millisecond); if text == \"\" { panic(\"x\") }; return text, nil }"
	if report := checker.Check(code); !report.Safe {
		t.Errorf("relaxed policy should pass, got %v", report.Violations)
	}
}

func TestChecker_AllowedImportsSorted(t *testing.T) {
	got := NewChecker(Policy{AllowedImports: []string{"strings", "bytes"}}).AllowedImports()
	if strings.Join(got, ",") != "bytes,strings" {
		t.Errorf("AllowedImports() = %v", got)
	}
}
