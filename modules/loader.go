// Package modules turns Go source files into dependency lists for the module graph.
package modules

import (
	"context"
	"errors"
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/mod/modfile"
	"golang.org/x/sync/singleflight"

	"github.com/ethereum-optimism/infra/op-rerun/types"
)

const DefaultCacheSize = 4096

// ErrUnresolved is returned when a local import does not map to a directory
var ErrUnresolved = errors.New("cannot resolve import")

// Loader parses the imports of Go files and resolves them to local files.
// Results are cached until invalidated.
type Loader struct {
	log     log.Logger
	modRoot string
	modPath string

	cache *lru.Cache[string, *types.FetchResult]
	group singleflight.Group
}

// NewLoader creates a loader for the Go module enclosing root. A root outside
// of any module only resolves relative imports.
func NewLoader(root string, cacheSize int, logger log.Logger) (*Loader, error) {
	if logger == nil {
		logger = log.New()
	}
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, *types.FetchResult](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create module cache: %w", err)
	}

	l := &Loader{
		log:   logger.New("component", "modules"),
		cache: cache,
	}

	modRoot, modPath, err := findModule(root)
	if err != nil {
		return nil, err
	}
	l.modRoot = modRoot
	l.modPath = modPath
	if modPath == "" {
		l.log.Warn("No go.mod found, only relative imports will be resolved", "root", root)
	}
	return l, nil
}

// ModulePath returns the path declared in go.mod
func (l *Loader) ModulePath() string {
	return l.modPath
}

// ModuleRoot returns the directory holding go.mod
func (l *Loader) ModuleRoot() string {
	return l.modRoot
}

// FetchModule returns the local dependencies of the file with the given
// absolute path. Concurrent fetches for the same file share one parse.
func (l *Loader) FetchModule(ctx context.Context, id string) (*types.FetchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cached, ok := l.cache.Get(id); ok {
		return cached, nil
	}

	v, err, _ := l.group.Do(id, func() (any, error) {
		res, err := l.transform(ctx, id)
		if err != nil {
			return nil, err
		}
		l.cache.Add(id, res)
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.FetchResult), nil
}

// ResolveID maps an import path as seen from importer to a package directory.
// Imports outside of the module are reported as external.
func (l *Loader) ResolveID(ctx context.Context, id string, importer string) (*types.ResolveResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var dir string
	switch {
	case strings.HasPrefix(id, "./") || strings.HasPrefix(id, "../"):
		dir = filepath.Join(filepath.Dir(importer), filepath.FromSlash(id))
	case l.modPath != "" && id == l.modPath:
		dir = l.modRoot
	case l.modPath != "" && strings.HasPrefix(id, l.modPath+"/"):
		dir = filepath.Join(l.modRoot, filepath.FromSlash(strings.TrimPrefix(id, l.modPath+"/")))
	default:
		return &types.ResolveResult{ID: id, External: true}, nil
	}

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s from %s", ErrUnresolved, id, importer)
	}
	return &types.ResolveResult{ID: dir}, nil
}

// Invalidate drops cached results for the given files
func (l *Loader) Invalidate(ids ...string) {
	for _, id := range ids {
		l.cache.Remove(id)
	}
}

// Len returns the number of cached modules
func (l *Loader) Len() int {
	return l.cache.Len()
}

func (l *Loader) transform(ctx context.Context, id string) (*types.FetchResult, error) {
	res := &types.FetchResult{ID: id}
	if filepath.Ext(id) != ".go" {
		return res, nil
	}

	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, id, nil, parser.ImportsOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", id, err)
	}
	res.Package = f.Name.Name

	deps := make(map[string]struct{})
	if strings.HasSuffix(id, "_test.go") {
		// every _test.go file of the directory is compiled into the same test binary
		siblings, err := listGoFiles(filepath.Dir(id), true)
		if err != nil {
			return nil, err
		}
		for _, s := range siblings {
			deps[s] = struct{}{}
		}
	}

	for _, imp := range f.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			continue
		}
		res.Imports = append(res.Imports, path)

		resolved, err := l.ResolveID(ctx, path, id)
		if err != nil {
			l.log.Debug("Skipping unresolved import", "file", id, "import", path, "err", err)
			continue
		}
		if resolved.External {
			continue
		}
		files, err := packageFiles(resolved.ID)
		if err != nil {
			return nil, err
		}
		for _, file := range files {
			deps[file] = struct{}{}
		}
	}

	delete(deps, id)
	res.Deps = make([]string, 0, len(deps))
	for dep := range deps {
		res.Deps = append(res.Deps, dep)
	}
	sort.Strings(res.Deps)
	return res, nil
}

// packageFiles lists the non-test Go files of a package directory
func packageFiles(dir string) ([]string, error) {
	return listGoFiles(dir, false)
}

// listGoFiles lists the Go files of dir, with or without its test files
func listGoFiles(dir string, withTests bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read package directory: %w", err)
	}
	var files []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".go") || (!withTests && strings.HasSuffix(name, "_test.go")) {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	return files, nil
}

// findModule walks up from dir to the nearest go.mod
func findModule(dir string) (string, string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", "", fmt.Errorf("failed to resolve absolute path for '%s': %w", dir, err)
	}
	for cur := abs; ; cur = filepath.Dir(cur) {
		goModPath := filepath.Join(cur, "go.mod")
		content, err := os.ReadFile(goModPath)
		if err == nil {
			modFile, err := modfile.Parse(goModPath, content, nil)
			if err != nil {
				return "", "", fmt.Errorf("failed to parse go.mod: %w", err)
			}
			if modFile.Module == nil || modFile.Module.Mod.Path == "" {
				return "", "", fmt.Errorf("could not find module name in %s", goModPath)
			}
			return cur, modFile.Module.Mod.Path, nil
		}
		if filepath.Dir(cur) == cur {
			return abs, "", nil
		}
	}
}
