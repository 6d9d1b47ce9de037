// Package workspace resolves workspace definitions into projects and maps
// files to the projects that own them.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/ethereum-optimism/infra/op-rerun/modules"
	"github.com/ethereum-optimism/infra/op-rerun/types"
)

const rootDirToken = "<rootDir>"

// Spec is a single (project, file) unit of work
type Spec struct {
	Project *Project
	File    string
}

// Key identifies the spec
func (s Spec) Key() string {
	return s.Project.Name() + ":" + s.File
}

// Serializable returns the wire form of the spec
func (s Spec) Serializable() types.SerializableSpec {
	return types.SerializableSpec{ProjectName: s.Project.Name(), Filepath: s.File}
}

// TaskLookup resolves a task id to the name of the project that owns it
type TaskLookup interface {
	ProjectOfTask(id string) (string, bool)
}

// Config holds the registry configuration
type Config struct {
	Log            log.Logger
	Root           string
	WorkspaceFile  string
	CoreConfigFile string
	ConfigPrefixes []string
	Overrides      types.ProjectOverrides
	Inline         []types.ProjectFactory
	Env            types.ConfigEnv
	CacheSize      int
}

// Registry owns the set of projects for a run
type Registry struct {
	log    log.Logger
	config Config
	loader *modules.Loader

	mu       sync.RWMutex
	core     *Project
	resolved []*Project
	projects []*Project
}

// NewRegistry creates a registry rooted at config.Root
func NewRegistry(config Config) (*Registry, error) {
	if config.Root == "" {
		return nil, errors.New("workspace root is required")
	}
	root, err := filepath.Abs(config.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path for workspace root '%s': %w", config.Root, err)
	}
	config.Root = root
	if config.Log == nil {
		config.Log = log.New()
	}
	if len(config.ConfigPrefixes) == 0 {
		config.ConfigPrefixes = DefaultConfigPrefixes
	}
	if config.Env.Root == "" {
		config.Env.Root = root
	}

	loader, err := modules.NewLoader(root, config.CacheSize, config.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to create module loader: %w", err)
	}

	return &Registry{
		log:    config.Log.New("component", "workspace"),
		config: config,
		loader: loader,
	}, nil
}

// Root returns the workspace root
func (r *Registry) Root() string {
	return r.config.Root
}

// Resolve expands the workspace definition into projects. Without a
// workspace definition the core project is the only project.
func (r *Registry) Resolve(ctx context.Context) ([]*Project, error) {
	core, coreConfigFile, err := r.createCoreProject()
	if err != nil {
		return nil, err
	}

	wsPath := r.config.WorkspaceFile
	if wsPath == "" {
		if found, ok := findWorkspaceFile(r.config.Root); ok {
			wsPath = found
		}
	}

	var ws workspaceFile
	if wsPath != "" {
		loaded, err := loadWorkspaceFile(wsPath)
		if err != nil {
			return nil, err
		}
		ws = *loaded
	}

	var globs []string
	var inline []types.ProjectFactory
	globs = append(globs, ws.Globs...)
	for _, entry := range ws.Projects {
		if entry.Inline != nil {
			cfg := *entry.Inline
			inline = append(inline, func(env types.ConfigEnv) (types.ProjectConfig, error) {
				return expandConfig(cfg, env), nil
			})
			continue
		}
		globs = append(globs, entry.Glob)
	}
	inline = append(inline, r.config.Inline...)

	if len(globs) == 0 && len(inline) == 0 {
		r.setProjects(core, []*Project{core})
		return []*Project{core}, nil
	}

	configFiles, err := r.expandGlobs(globs)
	if err != nil {
		return nil, err
	}

	var projects []*Project
	for _, cfgFile := range configFiles {
		if coreConfigFile != "" && cfgFile.path == coreConfigFile {
			projects = append(projects, core)
			continue
		}
		cfg, err := r.configFromEntry(cfgFile)
		if err != nil {
			return nil, err
		}
		project, err := r.newProject(cfg)
		if err != nil {
			return nil, err
		}
		projects = append(projects, project)
	}

	inlineProjects, err := r.resolveInline(ctx, inline)
	if err != nil {
		return nil, err
	}
	projects = append(projects, inlineProjects...)

	if len(projects) == 0 {
		r.setProjects(core, []*Project{core})
		return []*Project{core}, nil
	}

	names := make(map[string]struct{}, len(projects))
	for _, p := range projects {
		if _, ok := names[p.Name()]; ok {
			return nil, &DuplicateProjectNameError{Name: p.Name()}
		}
		names[p.Name()] = struct{}{}
	}

	r.setProjects(core, projects)
	r.log.Info("Resolved workspace", "projects", len(projects), "workspaceFile", wsPath)
	return projects, nil
}

func (r *Registry) setProjects(core *Project, projects []*Project) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.core = core
	r.resolved = projects
	r.projects = projects
}

func (r *Registry) createCoreProject() (*Project, string, error) {
	cfgFile := r.config.CoreConfigFile
	if cfgFile == "" {
		if found, ok := findConfigFile(r.config.Root, r.config.ConfigPrefixes); ok {
			cfgFile = found
		}
	}
	cfg := types.ProjectConfig{Root: r.config.Root}
	if cfgFile != "" {
		abs, err := filepath.Abs(cfgFile)
		if err != nil {
			return nil, "", err
		}
		cfgFile = abs
		cfg, err = LoadProjectConfig(cfgFile)
		if err != nil {
			return nil, "", err
		}
	}
	project, err := r.newProject(cfg)
	if err != nil {
		return nil, "", err
	}
	project.core = true
	return project, cfgFile, nil
}

func (r *Registry) newProject(cfg types.ProjectConfig) (*Project, error) {
	cfg = r.config.Overrides.Apply(cfg)
	loader := r.loader
	if cfg.Root != "" && !strings.HasPrefix(cfg.Root, r.loader.ModuleRoot()) {
		loader = nil
	}
	return NewProject(cfg, loader, r.config.Log)
}

type configEntry struct {
	dir  string
	path string // empty when the directory has no config file
}

// expandGlobs turns workspace globs into one config entry per directory
func (r *Registry) expandGlobs(globs []string) ([]configEntry, error) {
	fsys := os.DirFS(r.config.Root)
	seen := make(map[string]struct{})
	var matches []string
	for _, g := range globs {
		pattern := strings.TrimPrefix(strings.ReplaceAll(g, rootDirToken, ""), "/")
		if filepath.IsAbs(g) {
			rel, err := filepath.Rel(r.config.Root, g)
			if err != nil {
				return nil, err
			}
			pattern = filepath.ToSlash(rel)
		}
		pattern = strings.TrimPrefix(pattern, "./")
		if !doublestar.ValidatePattern(pattern) {
			return nil, &ConfigError{Path: g, Err: errors.New("invalid workspace glob")}
		}
		found, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			return nil, fmt.Errorf("failed to expand workspace glob %q: %w", g, err)
		}
		for _, m := range found {
			if ignoredPath(m) {
				continue
			}
			abs := filepath.Join(r.config.Root, filepath.FromSlash(m))
			if _, ok := seen[abs]; ok {
				continue
			}
			seen[abs] = struct{}{}
			matches = append(matches, abs)
		}
	}
	sort.Strings(matches)

	byDir := make(map[string][]string)
	var dirs []string
	addDir := func(dir string) {
		if _, ok := byDir[dir]; !ok {
			byDir[dir] = nil
			dirs = append(dirs, dir)
		}
	}
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		if !info.IsDir() {
			if !isConfigName(filepath.Base(m), r.config.ConfigPrefixes) {
				continue
			}
			dir := filepath.Dir(m)
			addDir(dir)
			byDir[dir] = append(byDir[dir], m)
			continue
		}
		if hasMatchedConfigInside(m, matches, r.config.ConfigPrefixes) {
			continue
		}
		addDir(m)
		if cfg, ok := findConfigFile(m, r.config.ConfigPrefixes); ok {
			byDir[m] = append(byDir[m], cfg)
		}
	}
	sort.Strings(dirs)

	entries := make([]configEntry, 0, len(dirs))
	for _, dir := range dirs {
		entries = append(entries, configEntry{dir: dir, path: r.preferredConfig(byDir[dir])})
	}
	return entries, nil
}

// preferredConfig picks the config named with the primary prefix, or the first
func (r *Registry) preferredConfig(candidates []string) string {
	if len(candidates) == 0 {
		return ""
	}
	primary := r.config.ConfigPrefixes[0]
	for _, c := range candidates {
		if strings.HasPrefix(filepath.Base(c), primary) {
			return c
		}
	}
	return candidates[0]
}

func (r *Registry) configFromEntry(entry configEntry) (types.ProjectConfig, error) {
	var cfg types.ProjectConfig
	if entry.path != "" {
		loaded, err := LoadProjectConfig(entry.path)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	} else {
		cfg.Root = entry.dir
	}
	if cfg.Name == "" {
		cfg.Name = r.defaultName(entry.dir)
	}
	return cfg, nil
}

func (r *Registry) defaultName(dir string) string {
	rel, err := filepath.Rel(r.config.Root, dir)
	if err != nil || rel == "." {
		return filepath.Base(dir)
	}
	return filepath.ToSlash(rel)
}

// resolveInline invokes inline project factories concurrently
func (r *Registry) resolveInline(ctx context.Context, factories []types.ProjectFactory) ([]*Project, error) {
	projects := make([]*Project, len(factories))
	g, _ := errgroup.WithContext(ctx)
	for i, factory := range factories {
		g.Go(func() error {
			cfg, err := factory(r.config.Env)
			if err != nil {
				return fmt.Errorf("inline project %d: %w", i, err)
			}
			if cfg.Root == "" {
				cfg.Root = r.config.Root
			} else if !filepath.IsAbs(cfg.Root) {
				cfg.Root = filepath.Join(r.config.Root, cfg.Root)
			}
			if cfg.Name == "" {
				cfg.Name = fmt.Sprintf("project-%d", i)
			}
			project, err := r.newProject(cfg)
			if err != nil {
				return err
			}
			projects[i] = project
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return projects, nil
}

// Core returns the fallback project
func (r *Registry) Core() *Project {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.core
}

// Projects returns the active projects
func (r *Registry) Projects() []*Project {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Project(nil), r.projects...)
}

// Resolved returns every resolved project, ignoring the project filter
func (r *Registry) Resolved() []*Project {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Project(nil), r.resolved...)
}

// SetProjectFilter restricts the active projects to names matching any of the
// patterns. An empty filter restores every resolved project.
func (r *Registry) SetProjectFilter(patterns []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(patterns) == 0 {
		r.projects = r.resolved
		return nil
	}
	var active []*Project
	for _, p := range r.resolved {
		for _, pattern := range patterns {
			if ok, _ := doublestar.Match(pattern, p.Name()); ok {
				active = append(active, p)
				break
			}
		}
	}
	if len(active) == 0 {
		return fmt.Errorf("%w: %s", ErrNoMatchingProjects, strings.Join(patterns, ", "))
	}
	r.projects = active
	return nil
}

// GetProjectByName returns the named project, falling back to the core
// project and then the first project.
func (r *Registry) GetProjectByName(name string) *Project {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.resolved {
		if p.Name() == name {
			return p
		}
	}
	if r.core != nil {
		return r.core
	}
	if len(r.resolved) > 0 {
		return r.resolved[0]
	}
	return nil
}

// GetProjectByTaskID returns the project owning the task
func (r *Registry) GetProjectByTaskID(id string, lookup TaskLookup) *Project {
	name, _ := lookup.ProjectOfTask(id)
	return r.GetProjectByName(name)
}

// GetProjectsByTestFile returns a spec for each active project that knows file
// as a test file.
func (r *Registry) GetProjectsByTestFile(file string) []Spec {
	var specs []Spec
	for _, p := range r.Projects() {
		if p.IsTestFile(file) {
			specs = append(specs, Spec{Project: p, File: file})
		}
	}
	return specs
}

// GetModuleProjects returns the active projects whose module graph holds file
func (r *Registry) GetModuleProjects(file string) []*Project {
	var projects []*Project
	for _, p := range r.Projects() {
		if p.HasModule(file) {
			projects = append(projects, p)
		}
	}
	return projects
}

// GlobTestFiles globs every active project and returns the resulting specs
func (r *Registry) GlobTestFiles(filters []string) ([]Spec, error) {
	projects := r.Projects()
	results := make([][]string, len(projects))
	var g errgroup.Group
	for i, p := range projects {
		g.Go(func() error {
			files, err := p.GlobTestFiles(filters)
			if err != nil {
				return err
			}
			results[i] = files
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var specs []Spec
	for i, files := range results {
		for _, f := range files {
			specs = append(specs, Spec{Project: projects[i], File: f})
		}
	}
	return specs, nil
}

// Close tears down global setup of every project in reverse order
func (r *Registry) Close(ctx context.Context) error {
	resolved := r.Resolved()
	core := r.Core()
	if core != nil && !containsProject(resolved, core) {
		resolved = append([]*Project{core}, resolved...)
	}
	var errs []error
	for i := len(resolved) - 1; i >= 0; i-- {
		if err := resolved[i].TeardownGlobalSetup(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func containsProject(projects []*Project, target *Project) bool {
	for _, p := range projects {
		if p == target {
			return true
		}
	}
	return false
}

func hasMatchedConfigInside(dir string, matches []string, prefixes []string) bool {
	for _, m := range matches {
		if filepath.Dir(m) == dir && isConfigName(filepath.Base(m), prefixes) {
			return true
		}
	}
	return false
}

func ignoredPath(rel string) bool {
	for _, seg := range strings.Split(rel, "/") {
		if seg == "vendor" || seg == ".git" {
			return true
		}
	}
	return false
}
