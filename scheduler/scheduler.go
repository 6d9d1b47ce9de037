// Package scheduler turns file change notifications into debounced reruns of
// the affected test files.
package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-rerun/metrics"
	"github.com/ethereum-optimism/infra/op-rerun/state"
	"github.com/ethereum-optimism/infra/op-rerun/workspace"
)

// DefaultDebounce is the window in which changes coalesce into one rerun
const DefaultDebounce = 100 * time.Millisecond

// Rerunner executes a rerun of the given test files
type Rerunner interface {
	RerunFiles(ctx context.Context, files []string, trigger string) error
}

// Config holds the scheduler configuration
type Config struct {
	Log                log.Logger
	Registry           *workspace.Registry
	State              *state.Manager
	Rerunner           Rerunner
	Debounce           time.Duration
	ForceRerunTriggers []string
	// Idle blocks until the in-flight run settled. Nil never waits.
	Idle func(ctx context.Context) error
}

// Scheduler tracks changed and invalidated files between runs. Changes re-arm
// a single debounce timer; when it fires the pending test files are rerun.
type Scheduler struct {
	log      log.Logger
	registry *workspace.Registry
	state    *state.Manager
	rerunner Rerunner
	debounce time.Duration
	triggers []string
	idle     func(ctx context.Context) error

	mu              sync.Mutex
	changedTests    map[string]struct{}
	invalidates     map[string]struct{}
	watchedTests    map[string]struct{}
	filenamePattern string
	timer           *time.Timer
	timerSeq        uint64
	pendingTrigger  []string

	restarts atomic.Uint64
	running  atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a scheduler. It accepts changes immediately.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if cfg.State == nil {
		return nil, errors.New("state is required")
	}
	if cfg.Rerunner == nil {
		return nil, errors.New("rerunner is required")
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	for _, pattern := range cfg.ForceRerunTriggers {
		if !doublestar.ValidatePattern(pattern) {
			return nil, errors.New("invalid force rerun trigger: " + pattern)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		log:          cfg.Log.New("component", "scheduler"),
		registry:     cfg.Registry,
		state:        cfg.State,
		rerunner:     cfg.Rerunner,
		debounce:     cfg.Debounce,
		triggers:     cfg.ForceRerunTriggers,
		idle:         cfg.Idle,
		changedTests: make(map[string]struct{}),
		invalidates:  make(map[string]struct{}),
		watchedTests: make(map[string]struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
	s.running.Store(true)
	return s, nil
}

// HandleFileChanged records a change of path and returns the files on a
// changed path to a test file. An empty result means no rerun is needed.
func (s *Scheduler) HandleFileChanged(path string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handleFileChanged(path)
}

func (s *Scheduler) handleFileChanged(path string) []string {
	if _, ok := s.changedTests[path]; ok {
		return nil
	}
	if _, ok := s.invalidates[path]; ok {
		return nil
	}

	if s.isForceTrigger(path) {
		for _, file := range s.state.GetFilepaths() {
			s.changedTests[file] = struct{}{}
		}
		return []string{path}
	}

	projects := s.registry.GetModuleProjects(path)
	if len(projects) == 0 {
		if s.state.HasFile(path) || s.isKnownTestFile(path) {
			s.changedTests[path] = struct{}{}
			return []string{path}
		}
		return nil
	}

	var files []string
	for _, project := range projects {
		s.invalidates[path] = struct{}{}

		if s.state.HasFile(path) || project.IsTestFile(path) {
			s.changedTests[path] = struct{}{}
			files = append(files, path)
			// test files sharing a package import each other's helpers
			for _, importer := range project.Graph().ImportersOf(path) {
				s.handleFileChanged(importer)
			}
			continue
		}

		rerun := false
		for _, importer := range project.Graph().ImportersOf(path) {
			if len(s.handleFileChanged(importer)) > 0 {
				rerun = true
			}
		}
		if rerun {
			files = append(files, path)
		}
	}
	return dedupe(files)
}

func (s *Scheduler) isForceTrigger(path string) bool {
	if len(s.triggers) == 0 {
		return false
	}
	candidates := []string{filepath.ToSlash(path)}
	if rel, err := filepath.Rel(s.registry.Root(), path); err == nil && !strings.HasPrefix(rel, "..") {
		candidates = append(candidates, filepath.ToSlash(rel))
	}
	for _, pattern := range s.triggers {
		for _, candidate := range candidates {
			if ok, _ := doublestar.Match(filepath.ToSlash(pattern), candidate); ok {
				return true
			}
		}
	}
	return false
}

func (s *Scheduler) isKnownTestFile(path string) bool {
	for _, p := range s.registry.Projects() {
		if p.IsTestFile(path) {
			return true
		}
	}
	return false
}

// MarkChanged queues a test file for the next rerun
func (s *Scheduler) MarkChanged(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changedTests[path] = struct{}{}
}

// Forget drops a removed file from the pending changes and invalidates it
func (s *Scheduler) Forget(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.changedTests, path)
	s.invalidates[path] = struct{}{}
}

// ChangedTests returns the test files pending a rerun
func (s *Scheduler) ChangedTests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.changedTests)
}

// TakeInvalidates returns and clears the files whose cached transforms must be dropped
func (s *Scheduler) TakeInvalidates() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	files := sortedKeys(s.invalidates)
	s.invalidates = make(map[string]struct{})
	return files
}

// WatchTests restricts watch reruns to the given test files. No files means
// every test file is watched.
func (s *Scheduler) WatchTests(paths []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchedTests = make(map[string]struct{}, len(paths))
	for _, p := range paths {
		s.watchedTests[filepath.Clean(p)] = struct{}{}
	}
}

// WatchedTests returns the active watch restriction
func (s *Scheduler) WatchedTests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.watchedTests)
}

// SetFilenamePattern sets the filter applied to changed files. An empty
// pattern removes the filter.
func (s *Scheduler) SetFilenamePattern(pattern string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filenamePattern = pattern
}

// FilenamePattern returns the active filename filter
func (s *Scheduler) FilenamePattern() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filenamePattern
}

// Restart invalidates every scheduled rerun. Timers armed before the restart
// fire without effect.
func (s *Scheduler) Restart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTimerLocked()
	s.restarts.Add(1)
}

// Restarts returns the restart generation
func (s *Scheduler) Restarts() uint64 {
	return s.restarts.Load()
}

// ScheduleRerun (re)arms the debounce timer. trigger names the files that caused
// the rerun and is only used for reporting. A timer that fires during a run
// waits for it; changes arriving meanwhile re-arm the timer and merge into a
// single rerun.
func (s *Scheduler) ScheduleRerun(trigger []string) {
	count := s.restarts.Load()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running.Load() {
		return
	}
	s.stopTimerLocked()
	s.timerSeq++
	seq := s.timerSeq
	s.pendingTrigger = append(s.pendingTrigger, trigger...)
	s.wg.Add(1)
	s.timer = time.AfterFunc(s.debounce, func() {
		defer s.wg.Done()
		if s.idle != nil {
			if err := s.idle(s.ctx); err != nil {
				return
			}
		}
		s.fire(count, seq)
	})
}

// stopTimerLocked disarms the pending timer. A timer that already fired owns
// its wait group slot.
func (s *Scheduler) stopTimerLocked() {
	if s.timer != nil && s.timer.Stop() {
		s.wg.Done()
	}
	s.timer = nil
}

func (s *Scheduler) fire(count uint64, seq uint64) {
	if !s.running.Load() {
		return
	}
	s.mu.Lock()
	if seq != s.timerSeq {
		s.mu.Unlock()
		return
	}
	trigger := s.pendingTrigger
	s.pendingTrigger = nil
	if len(s.watchedTests) > 0 {
		for file := range s.changedTests {
			if _, ok := s.watchedTests[file]; !ok {
				delete(s.changedTests, file)
			}
		}
	}
	if len(s.changedTests) == 0 {
		s.invalidates = make(map[string]struct{})
		s.mu.Unlock()
		return
	}
	if s.restarts.Load() != count {
		s.mu.Unlock()
		s.log.Debug("Dropping rerun scheduled before restart")
		return
	}
	snapshot := sortedKeys(s.changedTests)
	pattern := s.filenamePattern
	s.mu.Unlock()

	files := snapshot

	if pattern != "" {
		filtered, err := s.filterByPattern(files, pattern)
		if err != nil {
			s.log.Error("Failed to apply filename pattern", "pattern", pattern, "err", err)
			return
		}
		if len(filtered) == 0 {
			s.log.Debug("Changed files do not match filename pattern", "pattern", pattern)
			return
		}
		files = filtered
	}

	s.mu.Lock()
	for _, file := range snapshot {
		delete(s.changedTests, file)
	}
	s.mu.Unlock()

	label := s.triggerLabel(trigger)
	metrics.RecordRerun("watch")
	s.log.Info("Rerunning changed test files", "files", len(files), "trigger", label)
	if err := s.rerunner.RerunFiles(s.ctx, files, label); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Error("Rerun failed", "err", err)
	}
}

func (s *Scheduler) filterByPattern(files []string, pattern string) ([]string, error) {
	specs, err := s.registry.GlobTestFiles([]string{pattern})
	if err != nil {
		return nil, err
	}
	matching := make(map[string]struct{}, len(specs))
	for _, spec := range specs {
		matching[spec.File] = struct{}{}
	}
	var out []string
	for _, file := range files {
		if _, ok := matching[file]; ok {
			out = append(out, file)
		}
	}
	return out, nil
}

func (s *Scheduler) triggerLabel(trigger []string) string {
	seen := make(map[string]struct{}, len(trigger))
	var labels []string
	for _, t := range trigger {
		rel, err := filepath.Rel(s.registry.Root(), t)
		if err != nil {
			rel = t
		}
		rel = filepath.ToSlash(rel)
		if _, ok := seen[rel]; ok {
			continue
		}
		seen[rel] = struct{}{}
		labels = append(labels, rel)
	}
	return strings.Join(labels, ", ")
}

// Stop cancels pending timers and in-flight reruns
func (s *Scheduler) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		s.log.Debug("Scheduler already stopped, nothing to do")
		return nil
	}
	s.mu.Lock()
	s.stopTimerLocked()
	s.mu.Unlock()
	s.cancel()
	return nil
}

// Stopped returns true if the scheduler is stopped
func (s *Scheduler) Stopped() bool {
	return !s.running.Load()
}

// WaitForShutdown blocks until in-flight reruns have returned
func (s *Scheduler) WaitForShutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.log.Warn("Timed out waiting for reruns to finish", "err", ctx.Err())
		return ctx.Err()
	}
}

func dedupe(files []string) []string {
	if len(files) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(files))
	out := files[:0]
	for _, f := range files {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
