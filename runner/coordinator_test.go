package runner

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-rerun/cache"
	"github.com/ethereum-optimism/infra/op-rerun/reporting"
	"github.com/ethereum-optimism/infra/op-rerun/state"
	"github.com/ethereum-optimism/infra/op-rerun/types"
	"github.com/ethereum-optimism/infra/op-rerun/workspace"
)

// scriptedRunner reports a single test per file with the scripted state
type scriptedRunner struct {
	mu     sync.Mutex
	states map[string]types.TaskState
	before func(ctx context.Context, rpc WorkerRPC, spec workspace.Spec) error
	ran    []string
}

func (r *scriptedRunner) Run(ctx context.Context, rpc WorkerRPC, spec workspace.Spec) error {
	r.mu.Lock()
	r.ran = append(r.ran, spec.File)
	st, ok := r.states[filepath.Base(spec.File)]
	r.mu.Unlock()
	if !ok {
		st = types.TaskStatePass
	}
	if r.before != nil {
		if err := r.before(ctx, rpc, spec); err != nil {
			return err
		}
	}

	file := newSpecFile(spec)
	file.Tasks = []*types.Task{{ID: types.TaskID(file.ID, "TestX"), Name: "TestX", Type: types.TaskTypeTest, FileID: file.ID}}
	if err := rpc.OnCollected(ctx, []*types.File{cloneFile(file)}); err != nil {
		return err
	}
	file.Tasks[0].Result = &types.TaskResult{State: st}
	file.Result = &types.TaskResult{State: st, Duration: time.Millisecond}
	return rpc.OnFinished(ctx, []*types.File{file})
}

func (r *scriptedRunner) files() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ran...)
}

type finishedRecorder struct {
	reporting.NoopReporter
	mu       sync.Mutex
	finished int
	paths    [][]string
}

func (f *finishedRecorder) OnPathsCollected(paths []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, paths)
}

func (f *finishedRecorder) OnFinished([]*types.File, []*types.UnhandledError, any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished++
}

type coordinatorFixture struct {
	registry    *workspace.Registry
	state       *state.Manager
	cache       *cache.Results
	reporter    *finishedRecorder
	runner      *scriptedRunner
	coordinator *Coordinator
	specs       []workspace.Spec
}

func newCoordinatorFixture(t *testing.T, files map[string]string, concurrency int) *coordinatorFixture {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "go.mod"), "module example.com/demo\n")
	for name, content := range files {
		writeFile(t, filepath.Join(root, name), content)
	}
	logger := log.NewLogger(log.DiscardHandler())
	reg, err := workspace.NewRegistry(workspace.Config{Log: logger, Root: root})
	require.NoError(t, err)
	_, err = reg.Resolve(context.Background())
	require.NoError(t, err)
	specs, err := reg.GlobTestFiles(nil)
	require.NoError(t, err)

	store, err := cache.NewMemoryStore()
	require.NoError(t, err)

	f := &coordinatorFixture{
		registry: reg,
		state:    state.New(),
		cache:    cache.NewResults(store, logger),
		reporter: &finishedRecorder{},
		runner:   &scriptedRunner{states: map[string]types.TaskState{}},
		specs:    specs,
	}
	f.coordinator, err = NewCoordinator(CoordinatorConfig{
		Log:         logger,
		Registry:    reg,
		State:       f.state,
		Cache:       f.cache,
		Reporter:    f.reporter,
		Runner:      f.runner,
		Concurrency: concurrency,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.coordinator.Close() })
	return f
}

var threeFiles = map[string]string{
	"a/a_test.go": "package a\n",
	"b/b_test.go": "package b\n",
	"c/c_test.go": "package c\n",
}

func TestCoordinator_RunFiles(t *testing.T) {
	f := newCoordinatorFixture(t, threeFiles, 2)
	f.runner.states["b_test.go"] = types.TaskStateFail
	require.Len(t, f.specs, 3)

	summary, err := f.coordinator.RunFiles(context.Background(), f.specs, true)
	require.NoError(t, err)
	assert.True(t, summary.Failed)
	assert.False(t, summary.Cancelled)
	assert.Equal(t, uint64(1), summary.Generation)
	assert.NotEmpty(t, summary.RunID)
	assert.Len(t, summary.Files, 3)
	assert.Empty(t, summary.Errors)
	assert.Equal(t, 1, f.reporter.finished)
	assert.Len(t, f.state.GetFailedFilepaths(), 1)

	failedKey := cache.ResultKey("", f.specs[1].File)
	res, ok := f.cache.GetResults(failedKey)
	require.True(t, ok)
	assert.True(t, res.Failed)
	_, ok = f.cache.GetStats(f.specs[0].File)
	assert.True(t, ok)
}

func TestCoordinator_SequencerRunsFailuresFirst(t *testing.T) {
	f := newCoordinatorFixture(t, threeFiles, 1)
	f.runner.states["c_test.go"] = types.TaskStateFail

	_, err := f.coordinator.RunFiles(context.Background(), f.specs, true)
	require.NoError(t, err)

	f.runner.ran = nil
	_, err = f.coordinator.RunFiles(context.Background(), f.specs, true)
	require.NoError(t, err)
	ran := f.runner.files()
	require.Len(t, ran, 3)
	assert.Equal(t, "c_test.go", filepath.Base(ran[0]))
}

func TestCoordinator_CancellationYieldsSkip(t *testing.T) {
	f := newCoordinatorFixture(t, threeFiles, 1)
	f.runner.before = func(ctx context.Context, rpc WorkerRPC, spec workspace.Spec) error {
		if filepath.Base(spec.File) == "a_test.go" {
			return rpc.OnCancel(ctx, types.CancelReasonKeyboardInput)
		}
		return nil
	}

	summary, err := f.coordinator.RunFiles(context.Background(), f.specs, true)
	require.NoError(t, err)
	assert.True(t, summary.Cancelled)
	assert.Equal(t, []string{f.specs[0].File}, f.runner.files())
	for _, spec := range f.specs[1:] {
		files := f.state.GetFiles(spec.File)
		require.Len(t, files, 1)
		assert.Equal(t, types.TaskStateSkip, files[0].State())
	}
	assert.Equal(t, 1, f.reporter.finished)
}

func TestCoordinator_SingleFlight(t *testing.T) {
	f := newCoordinatorFixture(t, map[string]string{"a/a_test.go": "package a\n"}, 1)
	release := make(chan struct{})
	var active, maxActive atomic.Int32
	f.runner.before = func(ctx context.Context, _ WorkerRPC, _ workspace.Spec) error {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}

	var wg sync.WaitGroup
	generations := make(chan uint64, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			summary, err := f.coordinator.RunFiles(context.Background(), f.specs, false)
			assert.NoError(t, err)
			generations <- summary.Generation
		}()
	}
	require.Eventually(t, f.coordinator.IsRunning, 5*time.Second, 10*time.Millisecond)
	close(release)
	wg.Wait()
	close(generations)

	var got []uint64
	for g := range generations {
		got = append(got, g)
	}
	assert.ElementsMatch(t, []uint64{1, 2}, got)
	assert.Equal(t, int32(1), maxActive.Load())
	assert.Equal(t, uint64(2), f.coordinator.Generation())
	require.NoError(t, f.coordinator.Wait(context.Background()))
}

func TestCoordinator_GlobalSetupFailure(t *testing.T) {
	files := map[string]string{
		"a/a_test.go":       "package a\n",
		"rerun.config.yaml": "global_setup:\n  - exit 3\n",
	}
	f := newCoordinatorFixture(t, files, 1)

	summary, err := f.coordinator.RunFiles(context.Background(), f.specs, true)
	require.NoError(t, err)
	assert.Empty(t, f.runner.files())
	require.Len(t, summary.Errors, 1)
	assert.Equal(t, UnhandledErrorType, summary.Errors[0].Type)
	assert.True(t, summary.Failed)
	files0 := f.state.GetFiles(f.specs[0].File)
	require.Len(t, files0, 1)
	assert.Equal(t, types.TaskStateSkip, files0[0].State())
}

func TestCoordinator_WorkerErrorIsUnhandled(t *testing.T) {
	f := newCoordinatorFixture(t, map[string]string{"a/a_test.go": "package a\n"}, 1)
	f.runner.before = func(context.Context, WorkerRPC, workspace.Spec) error {
		return errors.New("worker exploded")
	}

	summary, err := f.coordinator.RunFiles(context.Background(), f.specs, true)
	require.NoError(t, err)
	require.Len(t, summary.Errors, 1)
	assert.Contains(t, summary.Errors[0].Message, "worker exploded")
	assert.True(t, summary.Failed)
	assert.Equal(t, 1, f.reporter.finished)
}

func TestCoordinator_InvalidatesBeforeRun(t *testing.T) {
	f := newCoordinatorFixture(t, map[string]string{"a/a_test.go": "package a\n"}, 1)
	taken := 0
	f.coordinator.SetInvalidationSource(func() []string {
		taken++
		return []string{f.specs[0].File}
	})
	f.specs[0].Project.Graph().RecordEdge(f.specs[0].File, "/elsewhere/dep.go")

	_, err := f.coordinator.RunFiles(context.Background(), f.specs, true)
	require.NoError(t, err)
	assert.Equal(t, 1, taken)
	assert.True(t, f.specs[0].Project.Graph().IsStale(f.specs[0].File))
}

func TestPool_CloseIsIdempotent(t *testing.T) {
	f := newCoordinatorFixture(t, map[string]string{"a/a_test.go": "package a\n"}, 1)
	require.NoError(t, f.coordinator.pool.Close())
	require.NoError(t, f.coordinator.pool.Close())
	assert.ErrorIs(t, f.coordinator.pool.RunTests(context.Background(), f.specs), ErrPoolClosed)
}

func TestCoordinator_CancelListeners(t *testing.T) {
	f := newCoordinatorFixture(t, map[string]string{"a/a_test.go": "package a\n"}, 1)
	var got []types.CancelReason
	f.coordinator.OnCancel(func(reason types.CancelReason) { got = append(got, reason) })

	f.coordinator.CancelCurrentRun(types.CancelReasonConfigChange)
	f.coordinator.CancelCurrentRun(types.CancelReasonShutdown)
	assert.True(t, f.coordinator.IsCancelling())
	assert.Equal(t, []types.CancelReason{types.CancelReasonConfigChange}, got, "listeners fire once")

	_, err := f.coordinator.RunFiles(context.Background(), f.specs, true)
	require.NoError(t, err)
	assert.False(t, f.coordinator.IsCancelling(), "a new run resets the flag")
}

func TestCoordinator_CancellationReachesSubscribedWorkers(t *testing.T) {
	f := newCoordinatorFixture(t, threeFiles, 1)
	_, err := f.coordinator.Hub().Register(f.registry.Core())
	require.NoError(t, err)
	client, err := f.coordinator.Hub().DialInProc(f.registry.Core().Name())
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reasons := make(chan types.CancelReason, 1)
	sub, err := client.SubscribeCancellations(ctx, reasons)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	f.runner.before = func(ctx context.Context, rpc WorkerRPC, spec workspace.Spec) error {
		if filepath.Base(spec.File) == "a_test.go" {
			return rpc.OnCancel(ctx, types.CancelReasonTestFailure)
		}
		return nil
	}
	summary, err := f.coordinator.RunFiles(context.Background(), f.specs, true)
	require.NoError(t, err)
	assert.True(t, summary.Cancelled)

	select {
	case reason := <-reasons:
		assert.Equal(t, types.CancelReasonTestFailure, reason)
	case <-ctx.Done():
		t.Fatal("subscribed worker was not told about the cancellation")
	}
}

func TestCoordinator_RunFilesCollectsPaths(t *testing.T) {
	f := newCoordinatorFixture(t, threeFiles, 2)
	_, err := f.coordinator.RunFiles(context.Background(), f.specs[:2], true)
	require.NoError(t, err)
	assert.Equal(t, []string{f.specs[0].File, f.specs[1].File}, f.state.GetPaths())
}
