package library

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"recleaner/internal/types"
)

// DefaultPackage is the package name of exported libraries.
const DefaultPackage = "cleaning"

// ExportOptions controls Export.
type ExportOptions struct {
	PackageName string
	Mode        types.Mode
	Logger      *zap.Logger
}

// ExportResult is the generated library file.
type ExportResult struct {
	Source   string
	Included []string
	Dropped  []string
}

// Export renders functions, already in dependency order, as one Go file with a
// CleanData entrypoint that threads a value through every function in order.
//
// When the combined file does not assemble, functions that fail on their own are
// dropped with a warning and the file is assembled again.
func Export(fns []types.AcceptedFunction, opts ExportOptions) (*ExportResult, error) {
	pkg := opts.PackageName
	if pkg == "" {
		pkg = DefaultPackage
	}
	mode := opts.Mode
	if mode == "" {
		mode = types.ModeStructured
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	fns = dedupe(fns, log)
	src, err := render(pkg, mode, fns)
	if err == nil {
		return &ExportResult{Source: src, Included: names(fns)}, nil
	}
	log.Warn("combined library failed to assemble, dropping broken functions", zap.Error(err))

	var kept []types.AcceptedFunction
	var dropped []string
	for _, fn := range fns {
		if _, err := render(pkg, mode, append(kept[:len(kept):len(kept)], fn)); err != nil {
			log.Warn("dropping function from export", zap.String("function", fn.Name), zap.Error(err))
			dropped = append(dropped, fn.Name)
			continue
		}
		kept = append(kept, fn)
	}
	src, err = render(pkg, mode, kept)
	if err != nil {
		return nil, fmt.Errorf("export library: %w", err)
	}
	return &ExportResult{Source: src, Included: names(kept), Dropped: dropped}, nil
}

// WriteFile writes the exported source next to path and renames it into place.
func WriteFile(path string, res *ExportResult) error {
	if res == nil {
		return errors.New("nothing to write")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".recleaner-export-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.WriteString(res.Source); err != nil {
		tmp.Close()
		return fmt.Errorf("write library: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close library: %w", err)
	}
	return os.Rename(tmpName, path)
}

func render(pkg string, mode types.Mode, fns []types.AcceptedFunction) (string, error) {
	sources := make([]string, 0, len(fns)+1)
	sources = append(sources, header(fns))
	for _, fn := range fns {
		sources = append(sources, fn.Code)
	}
	sources = append(sources, entrypoint(mode, names(fns)))
	src, err := Assemble(pkg, sources)
	if err != nil {
		return "", err
	}
	return generatedHeader + src, nil
}

const generatedHeader = "// Code generated by recleaner. DO NOT EDIT.\n\n"

// header carries the entrypoint's own imports.
func header(fns []types.AcceptedFunction) string {
	if len(fns) == 0 {
		return ""
	}
	return "import \"fmt\"\n"
}

func entrypoint(mode types.Mode, order []string) string {
	param, typ, zero := "record", "map[string]any", "nil"
	if mode == types.ModeText {
		param, typ, zero = "text", "string", `""`
	}

	var b strings.Builder
	fmt.Fprintf(&b, "// %s applies every cleaning function in dependency order.\n", types.EntrypointName)
	if len(order) > 0 {
		b.WriteString("//\n// Functions applied (in order):\n")
		for _, n := range order {
			fmt.Fprintf(&b, "//   - %s\n", n)
		}
	}
	fmt.Fprintf(&b, "func %s(%s %s) (%s, error) {\n", types.EntrypointName, param, typ, typ)
	if len(order) > 0 {
		b.WriteString("\tvar err error\n")
	}
	for _, n := range order {
		fmt.Fprintf(&b, "\tif %s, err = %s(%s); err != nil {\n", param, n, param)
		fmt.Fprintf(&b, "\t\treturn %s, fmt.Errorf(\"%s: %%w\", err)\n", zero, n)
		b.WriteString("\t}\n")
	}
	fmt.Fprintf(&b, "\treturn %s, nil\n}\n", param)
	return b.String()
}

func dedupe(fns []types.AcceptedFunction, log *zap.Logger) []types.AcceptedFunction {
	seen := make(map[string]struct{}, len(fns))
	out := make([]types.AcceptedFunction, 0, len(fns))
	for _, fn := range fns {
		if _, ok := seen[fn.Name]; ok {
			log.Warn("skipping duplicate function", zap.String("function", fn.Name))
			continue
		}
		seen[fn.Name] = struct{}{}
		out = append(out, fn)
	}
	return out
}

func names(fns []types.AcceptedFunction) []string {
	out := make([]string, len(fns))
	for i, fn := range fns {
		out[i] = fn.Name
	}
	return out
}
