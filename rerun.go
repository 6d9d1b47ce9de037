package rerun

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/infra/op-rerun/cache"
	"github.com/ethereum-optimism/infra/op-rerun/exitcodes"
	"github.com/ethereum-optimism/infra/op-rerun/flags"
	"github.com/ethereum-optimism/infra/op-rerun/metrics"
	"github.com/ethereum-optimism/infra/op-rerun/reporting"
	"github.com/ethereum-optimism/infra/op-rerun/runner"
	"github.com/ethereum-optimism/infra/op-rerun/scheduler"
	"github.com/ethereum-optimism/infra/op-rerun/service"
	"github.com/ethereum-optimism/infra/op-rerun/state"
	"github.com/ethereum-optimism/infra/op-rerun/types"
	"github.com/ethereum-optimism/infra/op-rerun/watcher"
	"github.com/ethereum-optimism/infra/op-rerun/workspace"
	"github.com/ethereum-optimism/optimism/op-service/cliapp"
)

// Rerun implements the cliapp.Lifecycle interface.
var _ cliapp.Lifecycle = (*Rerun)(nil)

// Rerun runs the test files of a workspace once, or keeps watching it and
// reruns the files affected by each change.
type Rerun struct {
	ctx         context.Context
	config      *Config
	version     string
	log         log.Logger
	registry    *workspace.Registry
	state       *state.Manager
	cache       *cache.Results
	reporter    *reporting.Multi
	executor    *runner.Executor
	coordinator *runner.Coordinator
	scheduler   *scheduler.Scheduler
	watcher     *watcher.Watcher
	rpc         *service.RPCServer
	svc         *service.Service

	mu     sync.Mutex
	result *runner.RunSummary

	running atomic.Bool
	done    chan struct{}
	wgMu    sync.Mutex // orders wg.Add against the stop transition
	wg      sync.WaitGroup

	shutdownCallback func(error) // Callback to signal application shutdown
}

// New resolves the workspace and wires the collaborators of a Rerun
func New(ctx context.Context, config *Config, version string, shutdownCallback func(error)) (*Rerun, error) {
	return newRerun(ctx, config, version, shutdownCallback, nil)
}

// newRerun accepts a spec runner replacing the go test executor
func newRerun(ctx context.Context, config *Config, version string, shutdownCallback func(error), specRunner runner.SpecRunner) (*Rerun, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if config.Log == nil {
		config.Log = log.New()
	}
	if shutdownCallback == nil {
		shutdownCallback = func(error) {}
	}

	config.Log.Debug("Creating rerun with config",
		"root", config.Root,
		"watch", config.Watch,
		"changed", config.Changed,
		"projects", config.Projects,
		"filters", config.Filters,
		"cache", config.CacheBackend)

	reg, err := workspace.NewRegistry(workspace.Config{
		Log:            config.Log,
		Root:           config.Root,
		WorkspaceFile:  config.WorkspaceFile,
		CoreConfigFile: config.CoreConfigFile,
		ConfigPrefixes: config.ConfigPrefixes,
		Overrides:      config.Overrides,
		Env:            types.ConfigEnv{Command: config.Command(), Mode: "test", Root: config.Root},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create registry: %w", err)
	}
	if _, err := reg.Resolve(ctx); err != nil {
		return nil, fmt.Errorf("failed to resolve workspace: %w", err)
	}
	if err := reg.SetProjectFilter(config.Projects); err != nil {
		return nil, err
	}

	results := openCache(ctx, config)

	reporter, err := newReporters(config)
	if err != nil {
		closeCache(results)
		return nil, fmt.Errorf("failed to create reporters: %w", err)
	}

	executor, err := runner.NewExecutor(runner.ExecutorConfig{
		GoBinary:    config.GoBinary,
		Timeout:     config.Overrides.Timeout,
		NamePattern: config.TestNamePattern,
	}, config.Log)
	if err != nil {
		closeCache(results)
		_ = reporter.Close()
		return nil, fmt.Errorf("failed to create executor: %w", err)
	}
	if specRunner == nil {
		specRunner = executor
	}

	st := state.New()
	coordinator, err := runner.NewCoordinator(runner.CoordinatorConfig{
		Log:         config.Log,
		Registry:    reg,
		State:       st,
		Cache:       results,
		Reporter:    reporter,
		Runner:      specRunner,
		Concurrency: config.Overrides.Concurrency,
	})
	if err != nil {
		closeCache(results)
		_ = reporter.Close()
		return nil, fmt.Errorf("failed to create coordinator: %w", err)
	}

	r := &Rerun{
		ctx:              ctx,
		config:           config,
		version:          version,
		log:              config.Log.New("component", "rerun"),
		registry:         reg,
		state:            st,
		cache:            results,
		reporter:         reporter,
		executor:         executor,
		coordinator:      coordinator,
		done:             make(chan struct{}),
		shutdownCallback: shutdownCallback,
	}

	r.svc = service.New(service.Config{
		Log:         config.Log,
		HealthzAddr: config.HealthzAddr,
		Metrics:     config.Metrics,
		Ready:       func() bool { return !r.Stopped() },
	})

	r.scheduler, err = scheduler.New(scheduler.Config{
		Log:                config.Log,
		Registry:           reg,
		State:              st,
		Rerunner:           r,
		Debounce:           config.Debounce,
		ForceRerunTriggers: config.ForceRerunTriggers,
		Idle:               coordinator.Wait,
	})
	if err != nil {
		_ = r.closeResources(ctx)
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	coordinator.SetInvalidationSource(r.scheduler.TakeInvalidates)

	if config.Watch {
		r.watcher, err = watcher.New(watcher.Config{
			Log:    config.Log,
			Root:   config.Root,
			Ignore: watchIgnore(config),
		})
		if err != nil {
			_ = r.closeResources(ctx)
			return nil, fmt.Errorf("failed to create watcher: %w", err)
		}
	}

	if config.RPC.Enabled {
		var admin any
		if config.RPC.EnableAdmin {
			admin = NewAdminAPI(r)
		}
		r.rpc, err = service.NewRPCServer(service.RPCConfig{
			ListenAddr:     config.RPC.ListenAddr,
			ListenPort:     config.RPC.ListenPort,
			AllowedOrigins: config.RPC.AllowedOrigins,
		}, coordinator.Hub(), admin, config.Log)
		if err != nil {
			_ = r.closeResources(ctx)
			return nil, fmt.Errorf("failed to create rpc server: %w", err)
		}
	}

	config.Log.Info("rerun.New: resolved workspace",
		"projects", len(reg.Projects()), "version", version)
	return r, nil
}

// Start runs the selected test files. In watch mode it then keeps rerunning
// affected files until stopped.
// Start implements the cliapp.Lifecycle interface.
func (r *Rerun) Start(ctx context.Context) error {
	// Set up panic recovery to ensure we exit with code 2 for runtime errors
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("Runtime error occurred", "error", rec)
			os.Exit(exitcodes.RuntimeErr)
		}
	}()

	r.ctx = ctx
	r.running.Store(true)

	if r.config.Watch {
		r.log.Info("Starting op-rerun in watch mode")
	} else {
		r.log.Info("Starting op-rerun in run-once mode")
	}

	r.svc.Start()
	if r.rpc != nil {
		if err := r.rpc.Start(); err != nil {
			return NewRuntimeError(err)
		}
	}

	names := make([]string, 0)
	for _, p := range r.registry.Projects() {
		names = append(names, p.Name())
	}
	r.coordinator.Report(ctx, func(rep reporting.Reporter) { rep.OnInit(names) })

	specs, err := r.registry.GlobTestFiles(r.config.Filters)
	if err != nil {
		return NewRuntimeError(err)
	}
	specs, err = r.filterTestsBySource(ctx, specs)
	if err != nil {
		return NewRuntimeError(err)
	}
	if r.cache != nil {
		// trigger stats are written with the results of the next run
		triggers, err := r.forceTriggerFiles()
		if err != nil {
			return NewRuntimeError(err)
		}
		r.cache.PopulateStats(triggers)
	}

	if len(specs) == 0 {
		r.log.Warn("No test files found", "filters", r.config.Filters)
		if !r.config.Watch || !r.config.Changed {
			if !r.passWithNoTests() {
				return NewTestFailureError("no test files found")
			}
			go r.shutdownCallback(nil)
			return nil
		}
	}

	var summary *runner.RunSummary
	if len(specs) > 0 {
		summary, err = r.coordinator.RunFiles(ctx, specs, true)
		if err != nil {
			// For runtime errors (like a cancelled start), return exit code 2
			r.log.Error("Runtime error running tests", "error", err)
			return cli.Exit(err.Error(), exitcodes.RuntimeErr)
		}
		r.setResult(summary)
	}

	if !r.config.Watch {
		r.log.Info("Tests completed, exiting (run-once mode)")
		if summary != nil && summary.Failed {
			r.log.Warn("Run-once test run completed with failures, returning exit code 1")
			return NewTestFailureError(describeRun(summary))
		}
		go r.shutdownCallback(nil)
		return nil
	}

	r.coordinator.Report(ctx, func(rep reporting.Reporter) {
		rep.OnWatcherStart(r.state.GetFiles(), r.state.GetUnhandledErrors())
	})
	if err := r.watcher.Start(ctx); err != nil {
		return NewRuntimeError(fmt.Errorf("failed to start watcher: %w", err))
	}
	if !r.track() {
		return nil
	}
	go r.watch(ctx)
	r.log.Debug("op-rerun watching", "root", r.config.Root)
	return nil
}

// Stop stops watching, waits for the current run and tears the projects
// down. Teardown exceeding the teardown timeout yields a ProcessTimeoutError.
// Stop implements the cliapp.Lifecycle interface.
func (r *Rerun) Stop(ctx context.Context) error {
	r.log.Info("Stopping op-rerun")
	r.wgMu.Lock()
	stopping := r.running.CompareAndSwap(true, false)
	r.wgMu.Unlock()
	if !stopping {
		r.log.Debug("Service already stopped, nothing to do")
		return nil
	}
	close(r.done)

	timeout := r.config.TeardownTimeout
	if timeout <= 0 {
		timeout = flags.TeardownTimeout.Value
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	closed := make(chan error, 1)
	go func() {
		closed <- r.closeResources(ctx)
	}()

	select {
	case err := <-closed:
		if err == nil {
			r.log.Info("op-rerun stopped successfully")
			return nil
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			r.log.Error("Error during shutdown", "err", err)
			return err
		}
	case <-ctx.Done():
	}

	r.state.AddProcessTimeoutCause(fmt.Sprintf("close timed out after %s", timeout))
	if r.coordinator.IsRunning() {
		r.state.AddProcessTimeoutCause("a test run was still in progress")
	}
	causes := r.state.GetProcessTimeoutCauses()
	r.log.Error("Shutdown timed out", "causes", causes)
	r.reporter.OnProcessTimeout(causes)
	return &ProcessTimeoutError{Causes: causes}
}

// track reserves a wait group slot for background work. It fails once Stop
// began, so no slot is added after closeResources started waiting.
func (r *Rerun) track() bool {
	r.wgMu.Lock()
	defer r.wgMu.Unlock()
	if r.Stopped() {
		return false
	}
	r.wg.Add(1)
	return true
}

// Stopped returns true if the op-rerun service is stopped.
// Stopped implements the cliapp.Lifecycle interface.
func (r *Rerun) Stopped() bool {
	return !r.running.Load()
}

func (r *Rerun) closeResources(ctx context.Context) error {
	var errs []error
	if r.scheduler != nil {
		if err := r.scheduler.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.watcher != nil {
		if err := r.watcher.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.coordinator.IsRunning() {
		r.coordinator.CancelCurrentRun(types.CancelReasonShutdown)
	}
	if err := r.coordinator.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed waiting for current run: %w", err))
	}
	r.wg.Wait()
	if r.scheduler != nil {
		if err := r.scheduler.WaitForShutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if r.rpc != nil {
		if err := r.rpc.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if r.svc != nil {
		if err := r.svc.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.registry.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("global teardown failed: %w", err))
	}
	if err := r.coordinator.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := r.reporter.Close(); err != nil {
		errs = append(errs, err)
	}
	if r.cache != nil {
		if err := r.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close cache: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (r *Rerun) passWithNoTests() bool {
	if r.config.Overrides.PassWithNoTests {
		return true
	}
	core := r.registry.Core()
	return core != nil && core.Config().PassWithNoTests
}

// LastRun returns the summary of the most recent run
func (r *Rerun) LastRun() *runner.RunSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

func (r *Rerun) setResult(summary *runner.RunSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.result = summary
}

// RerunFiles runs files again in every project that owns them. An empty
// trigger marks the run as covering every test.
func (r *Rerun) RerunFiles(ctx context.Context, files []string, trigger string) error {
	if pattern := r.scheduler.FilenamePattern(); pattern != "" {
		matching, err := r.registry.GlobTestFiles([]string{pattern})
		if err != nil {
			return err
		}
		allowed := make(map[string]struct{}, len(matching))
		for _, spec := range matching {
			allowed[spec.File] = struct{}{}
		}
		var filtered []string
		for _, f := range files {
			if _, ok := allowed[f]; ok {
				filtered = append(filtered, f)
			}
		}
		files = filtered
	}

	r.coordinator.Report(ctx, func(rep reporting.Reporter) { rep.OnWatcherRerun(files, trigger) })

	var specs []workspace.Spec
	for _, f := range files {
		specs = append(specs, r.registry.GetProjectsByTestFile(f)...)
	}
	summary, err := r.coordinator.RunFiles(ctx, specs, trigger == "")
	if err != nil {
		return err
	}
	r.setResult(summary)

	r.coordinator.Report(ctx, func(rep reporting.Reporter) {
		rep.OnWatcherStart(r.state.GetFiles(files...), r.state.GetUnhandledErrors())
	})
	return nil
}

// RerunFailed reruns every file with a failed task
func (r *Rerun) RerunFailed(ctx context.Context) error {
	return r.RerunFiles(ctx, r.state.GetFailedFilepaths(), "rerun failed")
}

// RerunAll reruns every file of the last runs
func (r *Rerun) RerunAll(ctx context.Context) error {
	return r.RerunFiles(ctx, r.state.GetFilepaths(), "")
}

// ChangeFilenamePattern restricts reruns to test files containing pattern and
// reruns the known files. An empty pattern removes the restriction.
func (r *Rerun) ChangeFilenamePattern(ctx context.Context, pattern string) error {
	r.scheduler.SetFilenamePattern(pattern)
	trigger := "change filename pattern"
	if pattern == "" {
		trigger = "reset filename pattern"
	}
	return r.RerunFiles(ctx, r.state.GetFilepaths(), trigger)
}

// ChangeNamePattern restricts execution to tests matching pattern and reruns
// the files that hold such a test. An empty pattern also resets the filename
// pattern.
func (r *Rerun) ChangeNamePattern(ctx context.Context, pattern string) error {
	if pattern == "" {
		r.scheduler.SetFilenamePattern("")
	}
	if err := r.executor.SetNamePattern(pattern); err != nil {
		return err
	}

	files := r.state.GetFilepaths()
	if pattern != "" {
		re := regexp.MustCompile(pattern)
		var matching []string
		for _, path := range files {
			if r.hasMatchingTask(path, re) {
				matching = append(matching, path)
			}
		}
		files = matching
	}
	trigger := "change test name pattern"
	if pattern == "" {
		trigger = "reset test name pattern"
	}
	return r.RerunFiles(ctx, files, trigger)
}

// hasMatchingTask reports whether a file may hold a test matching re. Files
// without a collected tree are kept.
func (r *Rerun) hasMatchingTask(path string, re *regexp.Regexp) bool {
	files := r.state.GetFiles(path)
	if len(files) == 0 {
		return true
	}
	for _, file := range files {
		if len(file.Tasks) == 0 {
			return true
		}
		matched := false
		for _, task := range file.Tasks {
			task.Walk(func(t *types.Task) {
				if re.MatchString(t.Name) {
					matched = true
				}
			})
		}
		if matched {
			return true
		}
	}
	return false
}

// ChangeProjectName activates the projects matching pattern and reruns their
// test files. An empty pattern activates every project.
func (r *Rerun) ChangeProjectName(ctx context.Context, pattern string) error {
	var patterns []string
	if pattern != "" {
		patterns = []string{pattern}
	}
	if err := r.registry.SetProjectFilter(patterns); err != nil {
		return err
	}
	specs, err := r.registry.GlobTestFiles(nil)
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(specs))
	var files []string
	for _, spec := range specs {
		if _, ok := seen[spec.File]; ok {
			continue
		}
		seen[spec.File] = struct{}{}
		files = append(files, spec.File)
	}
	return r.RerunFiles(ctx, files, "change project filter")
}

// WatchTests restricts watch reruns to paths. Relative paths are resolved
// against the root. No paths watches every test file.
func (r *Rerun) WatchTests(paths []string) {
	resolved := make([]string, 0, len(paths))
	for _, p := range paths {
		if !filepath.IsAbs(p) {
			p = filepath.Join(r.config.Root, p)
		}
		resolved = append(resolved, p)
	}
	r.scheduler.WatchTests(resolved)
}

// CancelCurrentRun cancels the in-flight run
func (r *Rerun) CancelCurrentRun(reason types.CancelReason) {
	r.coordinator.CancelCurrentRun(reason)
}

// filterTestsBySource keeps the specs whose test file or local dependencies
// changed since the cached stats when --changed is set. A changed force
// rerun trigger keeps every spec.
func (r *Rerun) filterTestsBySource(ctx context.Context, specs []workspace.Spec) ([]workspace.Spec, error) {
	if !r.config.Changed || r.cache == nil {
		return specs, nil
	}
	triggered, err := r.forceTriggerChanged()
	if err != nil {
		return nil, err
	}

	var changed []workspace.Spec
	for _, spec := range specs {
		// dependencies are walked even when triggered so their stats get cached
		deps := r.testDependencies(ctx, spec)
		if triggered {
			continue
		}
		for _, path := range append([]string{spec.File}, deps...) {
			if r.cache.ChangedSinceCache(path) {
				changed = append(changed, spec)
				break
			}
		}
	}
	if triggered {
		r.log.Info("Force rerun trigger changed, running every test file")
		return specs, nil
	}
	r.log.Info("Filtered test files by changed sources", "total", len(specs), "changed", len(changed))
	return changed, nil
}

func (r *Rerun) forceTriggerChanged() (bool, error) {
	files, err := r.forceTriggerFiles()
	if err != nil {
		return false, err
	}
	for _, f := range files {
		if r.cache.ChangedSinceCache(f) {
			return true, nil
		}
	}
	return false, nil
}

// forceTriggerFiles globs the force rerun triggers below the root
func (r *Rerun) forceTriggerFiles() ([]string, error) {
	fsys := os.DirFS(r.config.Root)
	var files []string
	for _, pattern := range r.config.ForceRerunTriggers {
		matches, err := doublestar.Glob(fsys, strings.TrimPrefix(filepath.ToSlash(pattern), "/"))
		if err != nil {
			return nil, fmt.Errorf("invalid force rerun trigger %q: %w", pattern, err)
		}
		for _, m := range matches {
			files = append(files, filepath.Join(r.config.Root, filepath.FromSlash(m)))
		}
	}
	return files, nil
}

// testDependencies walks the local imports of a spec breadth-first and
// records them in the project graph.
func (r *Rerun) testDependencies(ctx context.Context, spec workspace.Spec) []string {
	loader := spec.Project.Loader()
	seen := map[string]struct{}{spec.File: {}}
	queue := []string{spec.File}
	var deps []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		res, err := loader.FetchModule(ctx, id)
		if err != nil {
			r.log.Debug("Failed to load module", "id", id, "err", err)
			continue
		}
		spec.Project.Graph().SetImports(id, res.Deps)
		for _, dep := range res.Deps {
			if _, ok := seen[dep]; ok {
				continue
			}
			seen[dep] = struct{}{}
			deps = append(deps, dep)
			queue = append(queue, dep)
		}
	}
	return deps
}

func describeRun(summary *runner.RunSummary) string {
	s := reporting.Summarize(summary.Files)
	msg := fmt.Sprintf("%d of %d tests failed in %d files", s.Failed, s.Tests, s.FilesFailed)
	if n := len(summary.Errors); n > 0 {
		msg += fmt.Sprintf(", %d unhandled errors", n)
	}
	return msg + fmt.Sprintf(" (%s)", summary.Duration.Round(time.Millisecond))
}

// openCache opens the configured backend. A backend that cannot be opened
// falls back to an in-memory store, and to no cache at all if that fails too.
func openCache(ctx context.Context, cfg *Config) *cache.Results {
	var (
		store cache.Store
		err   error
	)
	switch cfg.CacheBackend {
	case flags.CacheNone:
		return nil
	case flags.CacheMemory:
		store, err = cache.NewMemoryStore()
	case flags.CacheRedis:
		store, err = cache.NewRedisStore(ctx, cfg.RedisURL, "op-rerun:"+cfg.Root)
	default:
		store, err = cache.NewLevelStore(cfg.CacheDir)
	}
	if err != nil && cfg.CacheBackend != flags.CacheMemory {
		cfg.Log.Warn("Results cache unavailable, using an in-memory cache", "backend", cfg.CacheBackend, "err", err)
		metrics.RecordErrorDetails("cache_open", err)
		store, err = cache.NewMemoryStore()
	}
	if err != nil {
		cfg.Log.Warn("Running without a results cache", "err", err)
		metrics.RecordErrorDetails("cache_open", err)
		return nil
	}
	results := cache.NewResults(store, cfg.Log)
	results.ReadFromCache(ctx)
	return results
}

func closeCache(results *cache.Results) {
	if results != nil {
		_ = results.Close()
	}
}

func newReporters(cfg *Config) (*reporting.Multi, error) {
	multi := reporting.NewMulti(cfg.Log)
	for _, name := range cfg.Reporters {
		switch name {
		case flags.ReporterLog:
			multi.Add(reporting.NewLogReporter(cfg.Log, cfg.Watch))
		case flags.ReporterTable:
			multi.Add(reporting.NewTableReporter(os.Stdout))
		case flags.ReporterProgress:
			multi.Add(reporting.NewProgressReporter(cfg.Log, cfg.ProgressInterval))
		case flags.ReporterFiles:
			fr, err := reporting.NewFileReporter(cfg.LogDir, cfg.Log)
			if err != nil {
				_ = multi.Close()
				return nil, err
			}
			multi.Add(fr)
		case flags.ReporterMetrics:
			multi.Add(reporting.MetricsReporter{})
		default:
			_ = multi.Close()
			return nil, fmt.Errorf("unknown reporter %q", name)
		}
	}
	return multi, nil
}

// watchIgnore extends the default ignore globs with the output directories
// that live below the root.
func watchIgnore(cfg *Config) []string {
	ignore := append([]string(nil), watcher.DefaultIgnore...)
	for _, dir := range []string{cfg.LogDir, cfg.CacheDir} {
		if dir == "" {
			continue
		}
		rel, err := filepath.Rel(cfg.Root, dir)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}
		ignore = append(ignore, filepath.ToSlash(rel)+"/**")
	}
	return ignore
}
