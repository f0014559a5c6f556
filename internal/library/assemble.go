// Package library turns accepted cleaning functions into Go source files.
package library

import (
	"bytes"
	"fmt"
	"go/ast"
	"go/format"
	"go/parser"
	"go/token"
	"sort"
	"strconv"
	"strings"
)

// ParseSource parses one generated source unit. Generated code usually omits
// the package clause, so one is added when missing.
func ParseSource(fset *token.FileSet, filename, code string) (*ast.File, string, error) {
	src := WithPackage(code, "main")
	file, err := parser.ParseFile(fset, filename, src, parser.ParseComments)
	if err != nil {
		return nil, src, err
	}
	return file, src, nil
}

// WithPackage returns code with a package clause, adding "package pkg" when absent.
func WithPackage(code, pkg string) string {
	if HasPackageClause(code) {
		return code
	}
	return "package " + pkg + "\n\n" + code
}

// HasPackageClause reports whether code starts with a package clause.
func HasPackageClause(code string) bool {
	_, err := parser.ParseFile(token.NewFileSet(), "", code, parser.PackageClauseOnly)
	return err == nil
}

// Conflict reports two different declarations of the same top-level name.
type Conflict struct {
	Name   string
	Source int
}

func (c *Conflict) Error() string {
	return fmt.Sprintf("source %d redeclares %s", c.Source, c.Name)
}

type importSpec struct {
	name string
	path string
}

// Assemble merges several source units into one formatted Go file in package pkg.
// Imports are hoisted and de-duplicated, package clauses dropped, and declarations
// kept in the given order. Identical declarations repeated across units are kept once;
// differing declarations of one name fail with *Conflict.
func Assemble(pkg string, sources []string) (string, error) {
	var (
		imports  = make(map[importSpec]struct{})
		decls    []string
		seenText = make(map[string]struct{})
		declared = make(map[string]string)
	)

	for i, code := range sources {
		fset := token.NewFileSet()
		file, src, err := ParseSource(fset, fmt.Sprintf("unit%d.go", i), code)
		if err != nil {
			return "", fmt.Errorf("source %d: %w", i, err)
		}
		for _, imp := range file.Imports {
			path, err := strconv.Unquote(imp.Path.Value)
			if err != nil {
				return "", fmt.Errorf("source %d: bad import %s", i, imp.Path.Value)
			}
			spec := importSpec{path: path}
			if imp.Name != nil {
				spec.name = imp.Name.Name
			}
			imports[spec] = struct{}{}
		}

		tf := fset.File(file.Pos())
		for _, decl := range file.Decls {
			if gd, ok := decl.(*ast.GenDecl); ok && gd.Tok == token.IMPORT {
				continue
			}
			start := decl.Pos()
			if doc := declDoc(decl); doc != nil {
				start = doc.Pos()
			}
			text := src[tf.Offset(start):tf.Offset(decl.End())]
			if _, dup := seenText[text]; dup {
				continue
			}
			for _, name := range declNames(decl) {
				if prev, ok := declared[name]; ok && prev != text {
					return "", &Conflict{Name: name, Source: i}
				}
				declared[name] = text
			}
			seenText[text] = struct{}{}
			decls = append(decls, text)
		}
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "package %s\n\n", pkg)
	writeImports(&buf, imports)
	buf.WriteString(strings.Join(decls, "\n\n"))
	buf.WriteByte('\n')

	out, err := format.Source(buf.Bytes())
	if err != nil {
		return "", fmt.Errorf("format assembled source: %w", err)
	}
	return string(out), nil
}

func writeImports(buf *bytes.Buffer, imports map[importSpec]struct{}) {
	if len(imports) == 0 {
		return
	}
	specs := make([]importSpec, 0, len(imports))
	for s := range imports {
		specs = append(specs, s)
	}
	sort.Slice(specs, func(i, j int) bool {
		if specs[i].path != specs[j].path {
			return specs[i].path < specs[j].path
		}
		return specs[i].name < specs[j].name
	})
	buf.WriteString("import (\n")
	for _, s := range specs {
		buf.WriteByte('\t')
		if s.name != "" {
			buf.WriteString(s.name + " ")
		}
		buf.WriteString(strconv.Quote(s.path))
		buf.WriteByte('\n')
	}
	buf.WriteString(")\n\n")
}

func declDoc(decl ast.Decl) *ast.CommentGroup {
	switch d := decl.(type) {
	case *ast.FuncDecl:
		return d.Doc
	case *ast.GenDecl:
		return d.Doc
	}
	return nil
}

// declNames lists the top-level names a declaration introduces. Methods are
// keyed by receiver so they don't collide with functions.
func declNames(decl ast.Decl) []string {
	switch d := decl.(type) {
	case *ast.FuncDecl:
		if d.Recv != nil && len(d.Recv.List) > 0 {
			return []string{recvName(d.Recv.List[0].Type) + "." + d.Name.Name}
		}
		return []string{d.Name.Name}
	case *ast.GenDecl:
		var names []string
		for _, spec := range d.Specs {
			switch s := spec.(type) {
			case *ast.TypeSpec:
				names = append(names, s.Name.Name)
			case *ast.ValueSpec:
				for _, n := range s.Names {
					if n.Name != "_" {
						names = append(names, n.Name)
					}
				}
			}
		}
		return names
	}
	return nil
}

func recvName(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.StarExpr:
		return recvName(t.X)
	case *ast.Ident:
		return t.Name
	case *ast.IndexExpr:
		return recvName(t.X)
	}
	return "?"
}

// DeclaredFuncs returns the names of the top-level functions declared in code.
func DeclaredFuncs(file *ast.File) []string {
	var names []string
	for _, decl := range file.Decls {
		if fd, ok := decl.(*ast.FuncDecl); ok && fd.Recv == nil {
			names = append(names, fd.Name.Name)
		}
	}
	return names
}
