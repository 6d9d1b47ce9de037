package modules

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// FindTestFunctions returns the top-level test functions declared in a single
// _test.go file, in declaration order.
func FindTestFunctions(file string) ([]string, error) {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, file, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", file, err)
	}

	var testFunctions []string
	for _, decl := range f.Decls {
		funcDecl, ok := decl.(*ast.FuncDecl)
		if !ok || funcDecl.Recv != nil {
			continue
		}
		if isTestName(funcDecl.Name.Name) && takesTestingT(funcDecl) {
			testFunctions = append(testFunctions, funcDecl.Name.Name)
		}
	}
	return testFunctions, nil
}

// RunPattern builds a -run expression matching exactly the given top-level tests
func RunPattern(names []string) string {
	quoted := make([]string, len(names))
	for i, name := range names {
		quoted[i] = regexp.QuoteMeta(name)
	}
	return fmt.Sprintf("^(%s)$", strings.Join(quoted, "|"))
}

// isTestName follows the go test rule: "Test" followed by nothing or a
// non-lowercase rune. TestMain is excluded.
func isTestName(name string) bool {
	if !strings.HasPrefix(name, "Test") || name == "TestMain" {
		return false
	}
	if len(name) == len("Test") {
		return true
	}
	r, _ := utf8.DecodeRuneInString(name[len("Test"):])
	return !unicode.IsLower(r)
}

func takesTestingT(fn *ast.FuncDecl) bool {
	params := fn.Type.Params
	if params == nil || len(params.List) != 1 {
		return false
	}
	star, ok := params.List[0].Type.(*ast.StarExpr)
	if !ok {
		return false
	}
	sel, ok := star.X.(*ast.SelectorExpr)
	return ok && sel.Sel.Name == "T"
}
