package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ethereum-optimism/infra/op-rerun/bridge"
	"github.com/ethereum-optimism/infra/op-rerun/cache"
	"github.com/ethereum-optimism/infra/op-rerun/metrics"
	"github.com/ethereum-optimism/infra/op-rerun/reporting"
	"github.com/ethereum-optimism/infra/op-rerun/state"
	"github.com/ethereum-optimism/infra/op-rerun/types"
	"github.com/ethereum-optimism/infra/op-rerun/workspace"
)

// CoverageProvider collects coverage after a run. No provider ships by default.
type CoverageProvider interface {
	Collect(ctx context.Context, files []*types.File) (any, error)
}

// RunSummary describes a finished run
type RunSummary struct {
	RunID       string
	Generation  uint64
	Files       []*types.File
	Errors      []*types.UnhandledError
	Failed      bool
	Cancelled   bool
	AllTestsRun bool
	Duration    time.Duration
}

// CoordinatorConfig wires the collaborators of a coordinator
type CoordinatorConfig struct {
	Log         log.Logger
	Registry    *workspace.Registry
	State       *state.Manager
	Cache       *cache.Results
	Reporter    reporting.Reporter
	Runner      SpecRunner
	Concurrency int
	Coverage    CoverageProvider
}

// Coordinator executes runs one at a time. A new run waits for the previous
// one to settle; cancellation interrupts dispatch of the current one.
type Coordinator struct {
	log       log.Logger
	tracer    trace.Tracer
	registry  *workspace.Registry
	state     *state.Manager
	cache     *cache.Results
	reporter  reporting.Reporter
	coverage  CoverageProvider
	hub       *bridge.Hub
	pool      *Pool
	sequencer *Sequencer

	mu              sync.Mutex
	running         chan struct{}
	invalidates     func() []string
	cancelListeners []func(types.CancelReason)

	generation atomic.Uint64
	cancelling atomic.Bool
	closeOnce  sync.Once
}

// NewCoordinator creates a coordinator with its own hub and pool
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if cfg.State == nil {
		return nil, errors.New("state is required")
	}
	if cfg.Runner == nil {
		return nil, errors.New("spec runner is required")
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	if cfg.Reporter == nil {
		cfg.Reporter = reporting.NoopReporter{}
	}

	c := &Coordinator{
		log:       cfg.Log.New("component", "coordinator"),
		tracer:    otel.Tracer("rerun coordinator"),
		registry:  cfg.Registry,
		state:     cfg.State,
		cache:     cfg.Cache,
		reporter:  cfg.Reporter,
		coverage:  cfg.Coverage,
		sequencer: NewSequencer(cfg.Cache),
	}
	c.hub = bridge.NewHub(cfg.State, cfg.Reporter, c, cfg.Log)
	c.pool = NewPool(c.hub, cfg.State, cfg.Runner, cfg.Concurrency, c.IsCancelling, cfg.Log)
	return c, nil
}

// Hub returns the RPC hub serving the project endpoints
func (c *Coordinator) Hub() *bridge.Hub {
	return c.hub
}

// SetInvalidationSource registers where pending invalidations are taken from
// at the start of every run.
func (c *Coordinator) SetInvalidationSource(take func() []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidates = take
}

// Report delivers a notification on the dispatcher so it is ordered with
// worker updates.
func (c *Coordinator) Report(ctx context.Context, fn func(reporting.Reporter)) {
	if err := c.hub.Dispatcher().Do(context.WithoutCancel(ctx), func() { fn(c.reporter) }); err != nil {
		c.log.Debug("Dropped reporter notification", "err", err)
	}
}

// Generation returns the number of completed runs
func (c *Coordinator) Generation() uint64 {
	return c.generation.Load()
}

// IsCancelling reports whether the current run was cancelled
func (c *Coordinator) IsCancelling() bool {
	return c.cancelling.Load()
}

// OnCancel registers a listener for cancellation of the current run.
// Listeners are dropped when the next run starts.
func (c *Coordinator) OnCancel(fn func(types.CancelReason)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelListeners = append(c.cancelListeners, fn)
}

// CancelCurrentRun flags the current run as cancelled and notifies listeners.
// Specs that have not started are recorded as skipped.
func (c *Coordinator) CancelCurrentRun(reason types.CancelReason) {
	c.cancelling.Store(true)
	metrics.RecordCancellation(reason)
	c.mu.Lock()
	listeners := c.cancelListeners
	c.cancelListeners = nil
	c.mu.Unlock()
	c.log.Info("Cancelling current run", "reason", reason)
	for _, l := range listeners {
		l(reason)
	}
}

// notifyWorkers forwards a cancellation to workers subscribed over RPC
func (c *Coordinator) notifyWorkers(reason types.CancelReason) {
	n := c.hub.NotifyCancel(reason)
	c.log.Debug("Notified workers of cancellation", "reason", reason, "subscribers", n)
}

// Wait blocks until the in-flight run, if any, has settled
func (c *Coordinator) Wait(ctx context.Context) error {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	if running == nil {
		return nil
	}
	select {
	case <-running:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning reports whether a run is in flight
func (c *Coordinator) IsRunning() bool {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	if running == nil {
		return false
	}
	select {
	case <-running:
		return false
	default:
		return true
	}
}

// RunFiles executes specs as one run and notifies reporters once it finished
func (c *Coordinator) RunFiles(ctx context.Context, specs []workspace.Spec, allTestsRun bool) (*RunSummary, error) {
	paths := uniquePaths(specs)
	serializable := make([]types.SerializableSpec, len(specs))
	for i, spec := range specs {
		serializable[i] = spec.Serializable()
	}
	c.Report(ctx, func(r reporting.Reporter) {
		r.OnPathsCollected(paths)
		r.OnSpecsCollected(serializable)
	})

	done := make(chan struct{})
	c.mu.Lock()
	previous := c.running
	c.running = done
	c.mu.Unlock()

	if previous != nil {
		select {
		case <-previous:
		case <-ctx.Done():
			go func() {
				<-previous
				close(done)
			}()
			return nil, ctx.Err()
		}
	}

	c.mu.Lock()
	c.cancelListeners = nil
	take := c.invalidates
	c.mu.Unlock()
	c.cancelling.Store(false)
	c.OnCancel(c.notifyWorkers)

	summary := &RunSummary{
		RunID:       uuid.New().String(),
		AllTestsRun: allTestsRun,
	}
	start := time.Now()
	metrics.SetRunActive(true)
	defer func() {
		metrics.SetRunActive(false)
		summary.Generation = c.generation.Add(1)
		close(done)
	}()

	ctx, span := c.tracer.Start(ctx, "run", trace.WithAttributes(
		attribute.String("run_id", summary.RunID),
		attribute.Int("files", len(paths)),
		attribute.Bool("all_tests_run", allTestsRun),
	))
	defer span.End()

	logger := c.log.New("run_id", summary.RunID)
	logger.Info("Starting run", "files", len(paths), "allTestsRun", allTestsRun)

	var invalidated []string
	if take != nil {
		invalidated = take()
	}
	c.invalidate(invalidated)

	projects := touchedProjects(specs, c.registry.Core())
	c.dispatch(ctx, func() {
		c.state.CollectPaths(paths)
		c.state.ClearErrors()
		for _, p := range projects {
			c.state.ClearFiles(state.ProjectRef{Name: p.Name(), Root: p.Root()}, projectPaths(specs, p))
		}
	})

	if err := c.setup(ctx, projects); err != nil {
		logger.Error("Global setup failed", "err", err)
		c.dispatch(ctx, func() {
			c.state.CatchError(err, UnhandledErrorType)
			for _, p := range projects {
				c.state.CancelFiles(state.ProjectRef{Name: p.Name(), Root: p.Root()}, projectPaths(specs, p))
			}
		})
	} else if err := c.execute(ctx, specs); err != nil {
		logger.Error("Run failed", "err", err)
		c.dispatch(ctx, func() {
			c.state.CatchError(err, UnhandledErrorType)
		})
	}

	c.finalize(ctx, summary, paths, specs)
	summary.Duration = time.Since(start)
	summary.Cancelled = c.IsCancelling()

	if summary.Failed {
		span.SetStatus(codes.Error, "run failed")
	}
	logger.Info("Finished run", "failed", summary.Failed, "cancelled", summary.Cancelled,
		"errors", len(summary.Errors), "duration", summary.Duration)
	return summary, nil
}

func (c *Coordinator) invalidate(files []string) {
	if len(files) == 0 {
		return
	}
	seen := make(map[*workspace.Project]struct{})
	for _, p := range append(c.registry.Projects(), c.registry.Core()) {
		if p == nil {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		p.Loader().Invalidate(files...)
		for _, f := range files {
			p.Graph().Invalidate(f)
		}
	}
	c.log.Debug("Invalidated modules", "files", len(files))
}

// setup runs global setup for every touched project concurrently
func (c *Coordinator) setup(ctx context.Context, projects []*workspace.Project) error {
	setups := pool.New().WithErrors().WithContext(ctx)
	for _, p := range projects {
		if _, err := c.hub.Register(p); err != nil {
			return err
		}
		setups.Go(func(ctx context.Context) error {
			return p.InitializeGlobalSetup(ctx)
		})
	}
	return setups.Wait()
}

func (c *Coordinator) execute(ctx context.Context, specs []workspace.Spec) error {
	ctx, span := c.tracer.Start(ctx, "dispatch", trace.WithAttributes(attribute.Int("specs", len(specs))))
	defer span.End()
	if err := c.pool.RunTests(ctx, c.sequencer.Sort(specs)); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

func (c *Coordinator) finalize(ctx context.Context, summary *RunSummary, paths []string, specs []workspace.Spec) {
	var files []*types.File
	var errs []*types.UnhandledError
	c.dispatch(ctx, func() {
		files = c.state.GetFiles(paths...)
		errs = c.state.GetUnhandledErrors()
	})

	if c.cache != nil {
		c.cache.UpdateResults(files)
		c.cache.PopulateStats(statPaths(specs))
		if err := c.cache.WriteToCache(context.WithoutCancel(ctx)); err != nil {
			c.log.Warn("Failed to write results cache", "err", err)
			metrics.RecordErrorDetails("cache_write", err)
		}
	}

	var coverage any
	if c.coverage != nil {
		cov, err := c.coverage.Collect(ctx, files)
		if err != nil {
			c.log.Warn("Failed to collect coverage", "err", err)
		}
		coverage = cov
	}

	summary.Files = files
	summary.Errors = errs
	summary.Failed = types.HasFailedFiles(files) || len(errs) > 0
	c.Report(ctx, func(r reporting.Reporter) {
		r.OnFinished(files, errs, coverage)
	})
}

func (c *Coordinator) dispatch(ctx context.Context, fn func()) {
	if err := c.hub.Dispatcher().Do(context.WithoutCancel(ctx), fn); err != nil {
		c.log.Warn("Failed to apply state update", "err", err)
	}
}

// Close aborts in-flight work and stops the hub. It is idempotent.
func (c *Coordinator) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.pool.Close()
		c.hub.Close()
	})
	if err != nil {
		return fmt.Errorf("failed to close pool: %w", err)
	}
	return nil
}

func uniquePaths(specs []workspace.Spec) []string {
	seen := make(map[string]struct{}, len(specs))
	paths := make([]string, 0, len(specs))
	for _, spec := range specs {
		if _, ok := seen[spec.File]; ok {
			continue
		}
		seen[spec.File] = struct{}{}
		paths = append(paths, spec.File)
	}
	return paths
}

// touchedProjects deduplicates the projects of specs and appends core
func touchedProjects(specs []workspace.Spec, core *workspace.Project) []*workspace.Project {
	seen := make(map[*workspace.Project]struct{})
	var projects []*workspace.Project
	add := func(p *workspace.Project) {
		if p == nil {
			return
		}
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		projects = append(projects, p)
	}
	for _, spec := range specs {
		add(spec.Project)
	}
	add(core)
	return projects
}

func projectPaths(specs []workspace.Spec, project *workspace.Project) []string {
	var paths []string
	for _, spec := range specs {
		if spec.Project == project {
			paths = append(paths, spec.File)
		}
	}
	return paths
}

// statPaths returns the spec files and every local dependency recorded for them
func statPaths(specs []workspace.Spec) []string {
	seen := make(map[string]struct{})
	var paths []string
	for _, spec := range specs {
		for _, p := range append([]string{spec.File}, spec.Project.Graph().Dependencies(spec.File)...) {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			paths = append(paths, p)
		}
	}
	return paths
}
