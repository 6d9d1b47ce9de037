package modules

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func setupModule(t *testing.T) string {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "go.mod"), "module example.com/demo\n\ngo 1.22\n")
	writeFile(t, filepath.Join(root, "base", "base.go"), "package base\n\nfunc Base() int { return 1 }\n")
	writeFile(t, filepath.Join(root, "util", "util.go"), `package util

import (
	"fmt"

	"example.com/demo/base"
)

func Util() string { return fmt.Sprint(base.Base()) }
`)
	writeFile(t, filepath.Join(root, "util", "helpers.go"), "package util\n")
	writeFile(t, filepath.Join(root, "util", "util_test.go"), `package util

import "testing"

func TestUtil(t *testing.T) {}

func TestMain(m *testing.M) {}

func Testlower(t *testing.T) {}

func helper(t *testing.T) {}

func TestTable(t *testing.T) {}
`)
	return root
}

func TestLoader_FetchModule(t *testing.T) {
	root := setupModule(t)
	l, err := NewLoader(root, 0, log.NewLogger(log.DiscardHandler()))
	require.NoError(t, err)
	assert.Equal(t, "example.com/demo", l.ModulePath())

	ctx := context.Background()

	t.Run("test file depends on package siblings", func(t *testing.T) {
		res, err := l.FetchModule(ctx, filepath.Join(root, "util", "util_test.go"))
		require.NoError(t, err)
		assert.Equal(t, "util", res.Package)
		assert.Equal(t, []string{
			filepath.Join(root, "util", "helpers.go"),
			filepath.Join(root, "util", "util.go"),
		}, res.Deps)
	})

	t.Run("test file depends on sibling test files", func(t *testing.T) {
		writeFile(t, filepath.Join(root, "pkg", "pkg.go"), "package pkg\n")
		writeFile(t, filepath.Join(root, "pkg", "helpers_test.go"), "package pkg\n\nfunc setup() {}\n")
		writeFile(t, filepath.Join(root, "pkg", "export_test.go"), "package pkg_test\n")
		writeFile(t, filepath.Join(root, "pkg", "a_test.go"), `package pkg

import "testing"

func TestA(t *testing.T) { setup() }
`)
		res, err := l.FetchModule(ctx, filepath.Join(root, "pkg", "a_test.go"))
		require.NoError(t, err)
		assert.Equal(t, []string{
			filepath.Join(root, "pkg", "export_test.go"),
			filepath.Join(root, "pkg", "helpers_test.go"),
			filepath.Join(root, "pkg", "pkg.go"),
		}, res.Deps)
	})

	t.Run("local imports resolve to package files", func(t *testing.T) {
		res, err := l.FetchModule(ctx, filepath.Join(root, "util", "util.go"))
		require.NoError(t, err)
		assert.Equal(t, []string{"fmt", "example.com/demo/base"}, res.Imports)
		assert.Equal(t, []string{filepath.Join(root, "base", "base.go")}, res.Deps)
	})

	t.Run("non go files have no deps", func(t *testing.T) {
		res, err := l.FetchModule(ctx, filepath.Join(root, "go.mod"))
		require.NoError(t, err)
		assert.Empty(t, res.Deps)
	})
}

func TestLoader_Invalidate(t *testing.T) {
	root := setupModule(t)
	l, err := NewLoader(root, 16, log.NewLogger(log.DiscardHandler()))
	require.NoError(t, err)

	file := filepath.Join(root, "base", "base.go")
	_, err = l.FetchModule(context.Background(), file)
	require.NoError(t, err)
	assert.Equal(t, 1, l.Len())

	l.Invalidate(file)
	assert.Equal(t, 0, l.Len())
}

func TestLoader_ConcurrentFetch(t *testing.T) {
	root := setupModule(t)
	l, err := NewLoader(root, 16, log.NewLogger(log.DiscardHandler()))
	require.NoError(t, err)

	file := filepath.Join(root, "util", "util.go")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.FetchModule(context.Background(), file)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, l.Len())
}

func TestLoader_ResolveID(t *testing.T) {
	root := setupModule(t)
	l, err := NewLoader(root, 0, log.NewLogger(log.DiscardHandler()))
	require.NoError(t, err)
	importer := filepath.Join(root, "util", "util.go")

	tests := []struct {
		name     string
		id       string
		expected string
		external bool
		wantErr  bool
	}{
		{name: "module import", id: "example.com/demo/base", expected: filepath.Join(root, "base")},
		{name: "relative import", id: "../base", expected: filepath.Join(root, "base")},
		{name: "stdlib", id: "fmt", expected: "fmt", external: true},
		{name: "missing package", id: "example.com/demo/missing", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := l.ResolveID(context.Background(), tt.id, importer)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrUnresolved)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, res.ID)
			assert.Equal(t, tt.external, res.External)
		})
	}
}

func TestFindTestFunctions(t *testing.T) {
	root := setupModule(t)
	names, err := FindTestFunctions(filepath.Join(root, "util", "util_test.go"))
	require.NoError(t, err)
	assert.Equal(t, []string{"TestUtil", "TestTable"}, names)
	assert.Equal(t, "^(TestUtil|TestTable)$", RunPattern(names))
}
