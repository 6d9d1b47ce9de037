package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/emirpasic/gods/sets/treeset"
	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-rerun/graph"
	"github.com/ethereum-optimism/infra/op-rerun/modules"
	"github.com/ethereum-optimism/infra/op-rerun/types"
)

// CommandBuilder creates the command used for global setup and teardown hooks
type CommandBuilder func(ctx context.Context, dir string, command string) *exec.Cmd

// Project is a named execution domain with its own root, patterns and module graph
type Project struct {
	log    log.Logger
	config types.ProjectConfig
	core   bool

	graph  *graph.Graph
	loader *modules.Loader

	mu        sync.RWMutex
	testFiles *treeset.Set

	setupMu    sync.Mutex
	setupDone  bool
	cmdBuilder CommandBuilder
}

// NewProject creates a project from its resolved config
func NewProject(cfg types.ProjectConfig, loader *modules.Loader, logger log.Logger) (*Project, error) {
	if cfg.Root == "" {
		return nil, errors.New("project root is required")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path for project root '%s': %w", cfg.Root, err)
	}
	cfg.Root = root
	if len(cfg.Include) == 0 {
		cfg.Include = append([]string(nil), DefaultInclude...)
	}
	if len(cfg.Exclude) == 0 {
		cfg.Exclude = append([]string(nil), DefaultExclude...)
	}
	for _, pattern := range append(append([]string(nil), cfg.Include...), cfg.Exclude...) {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid pattern %q in project %q", pattern, cfg.Name)
		}
	}
	if logger == nil {
		logger = log.New()
	}
	if loader == nil {
		loader, err = modules.NewLoader(root, 0, logger)
		if err != nil {
			return nil, err
		}
	}

	return &Project{
		log:        logger.New("project", cfg.Name),
		config:     cfg,
		graph:      graph.New(),
		loader:     loader,
		testFiles:  treeset.NewWithStringComparator(),
		cmdBuilder: defaultCommandBuilder,
	}, nil
}

func defaultCommandBuilder(ctx context.Context, dir string, command string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	return cmd
}

// Name returns the project name
func (p *Project) Name() string { return p.config.Name }

// Root returns the absolute project root
func (p *Project) Root() string { return p.config.Root }

// Config returns the resolved config
func (p *Project) Config() types.ProjectConfig { return p.config }

// Graph returns the module graph of the project
func (p *Project) Graph() *graph.Graph { return p.graph }

// Loader returns the module loader of the project
func (p *Project) Loader() *modules.Loader { return p.loader }

// IsCore reports whether this is the fallback project
func (p *Project) IsCore() bool { return p.core }

// SetCommandBuilder replaces how hook commands are spawned
func (p *Project) SetCommandBuilder(builder CommandBuilder) {
	p.cmdBuilder = builder
}

// GlobTestFiles walks the project root and replaces the known test files with
// those matching include/exclude. Non-empty filters narrow the returned paths
// to those containing one of them; the known set stays complete.
func (p *Project) GlobTestFiles(filters []string) ([]string, error) {
	var all []string
	err := filepath.WalkDir(p.config.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != p.config.Root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if p.IsTargetFile(path) {
			all = append(all, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to glob test files in %s: %w", p.config.Root, err)
	}

	p.mu.Lock()
	p.testFiles.Clear()
	for _, m := range all {
		p.testFiles.Add(m)
	}
	p.mu.Unlock()

	var matches []string
	for _, m := range all {
		if len(filters) == 0 || matchesFilter(m, filters) {
			matches = append(matches, m)
		}
	}
	sort.Strings(matches)
	return matches, nil
}

// IsTargetFile reports whether path matches the project patterns, whether or
// not it has been globbed yet.
func (p *Project) IsTargetFile(path string) bool {
	rel, err := filepath.Rel(p.config.Root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return false
	}
	rel = filepath.ToSlash(rel)
	for _, pattern := range p.config.Exclude {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return false
		}
	}
	for _, pattern := range p.config.Include {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

// IsTestFile reports whether path is a known test file of the project
func (p *Project) IsTestFile(path string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.testFiles.Contains(path)
}

// AddTestFile records a new test file
func (p *Project) AddTestFile(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.testFiles.Add(path)
}

// RemoveTestFile forgets a test file and its graph node
func (p *Project) RemoveTestFile(path string) {
	p.mu.Lock()
	p.testFiles.Remove(path)
	p.mu.Unlock()
	p.graph.Remove(path)
}

// TestFiles returns the known test files in sorted order
func (p *Project) TestFiles() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	values := p.testFiles.Values()
	files := make([]string, 0, len(values))
	for _, v := range values {
		files = append(files, v.(string))
	}
	return files
}

// HasModule reports whether path is part of the project module graph
func (p *Project) HasModule(path string) bool {
	return p.graph.HasModule(path)
}

// InitializeGlobalSetup runs the global setup commands once per project
func (p *Project) InitializeGlobalSetup(ctx context.Context) error {
	p.setupMu.Lock()
	defer p.setupMu.Unlock()
	if p.setupDone {
		return nil
	}
	for _, command := range p.config.GlobalSetup {
		p.log.Info("Running global setup", "command", command)
		if err := p.runHook(ctx, command); err != nil {
			return fmt.Errorf("global setup %q failed: %w", command, err)
		}
	}
	p.setupDone = true
	return nil
}

// TeardownGlobalSetup runs the teardown commands in reverse order if setup ran
func (p *Project) TeardownGlobalSetup(ctx context.Context) error {
	p.setupMu.Lock()
	defer p.setupMu.Unlock()
	if !p.setupDone {
		return nil
	}
	p.setupDone = false
	var errs []error
	for i := len(p.config.GlobalTeardown) - 1; i >= 0; i-- {
		command := p.config.GlobalTeardown[i]
		p.log.Info("Running global teardown", "command", command)
		if err := p.runHook(ctx, command); err != nil {
			errs = append(errs, fmt.Errorf("global teardown %q failed: %w", command, err))
		}
	}
	return errors.Join(errs...)
}

func (p *Project) runHook(ctx context.Context, command string) error {
	cmd := p.cmdBuilder(ctx, p.config.Root, command)
	cmd.Env = os.Environ()
	for k, v := range p.config.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func matchesFilter(path string, filters []string) bool {
	slashed := filepath.ToSlash(path)
	for _, f := range filters {
		if strings.Contains(slashed, filepath.ToSlash(f)) {
			return true
		}
	}
	return false
}
