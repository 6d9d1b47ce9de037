package rerun

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-rerun/flags"
	"github.com/ethereum-optimism/infra/op-rerun/runner"
	"github.com/ethereum-optimism/infra/op-rerun/types"
	"github.com/ethereum-optimism/infra/op-rerun/workspace"
)

// mockSpecRunner reports one TestX task per file with the state returned for
// the file's base name.
type mockSpecRunner struct {
	mock.Mock
	mu     sync.Mutex
	counts map[string]int
}

func (m *mockSpecRunner) Run(ctx context.Context, rpc runner.WorkerRPC, spec workspace.Spec) error {
	name := filepath.Base(spec.File)
	m.mu.Lock()
	if m.counts == nil {
		m.counts = make(map[string]int)
	}
	m.counts[name]++
	m.mu.Unlock()
	args := m.Called(name)
	st := args.Get(0).(types.TaskState)

	rel, err := filepath.Rel(spec.Project.Root(), spec.File)
	if err != nil {
		rel = spec.File
	}
	rel = filepath.ToSlash(rel)
	file := types.NewFile(types.FileID(rel, spec.Project.Name()), spec.File, rel, spec.Project.Name())
	file.Tasks = []*types.Task{{ID: types.TaskID(file.ID, "TestX"), Name: "TestX", Type: types.TaskTypeTest, FileID: file.ID}}
	if err := rpc.OnCollected(ctx, []*types.File{file}); err != nil {
		return err
	}
	done := *file
	done.Tasks = []*types.Task{{ID: file.Tasks[0].ID, Name: "TestX", Type: types.TaskTypeTest, FileID: file.ID, Result: &types.TaskResult{State: st}}}
	done.Result = &types.TaskResult{State: st, Duration: time.Millisecond}
	return rpc.OnFinished(ctx, []*types.File{&done})
}

// calls counts the runs of a file, including those still in progress
func (m *mockSpecRunner) calls(file string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[file]
}

type fixture struct {
	root     string
	rerun    *Rerun
	runner   *mockSpecRunner
	shutdown chan error
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

var twoFiles = map[string]string{
	"a/a_test.go":  "package a\n",
	"b/b_test.go":  "package b\n\nimport \"example.com/demo/util\"\n\nvar _ = util.X\n",
	"util/util.go": "package util\n\nvar X = 1\n",
}

func newTestConfig(root string) *Config {
	return &Config{
		Root:            root,
		CacheBackend:    flags.CacheMemory,
		Debounce:        20 * time.Millisecond,
		TeardownTimeout: 5 * time.Second,
		Log:             log.NewLogger(log.DiscardHandler()),
	}
}

// newFixture writes files into a fresh module. mutate adjusts the config
// before it is checked.
func newFixture(t *testing.T, root string, files map[string]string, mutate func(*Config)) *fixture {
	t.Helper()
	if root == "" {
		root = t.TempDir()
		writeFile(t, filepath.Join(root, "go.mod"), "module example.com/demo\n")
		for name, content := range files {
			writeFile(t, filepath.Join(root, name), content)
		}
	}
	cfg := newTestConfig(root)
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Check())

	f := &fixture{
		root:     root,
		runner:   &mockSpecRunner{},
		shutdown: make(chan error, 1),
	}
	f.runner.Test(t)
	r, err := newRerun(context.Background(), cfg, "test", func(err error) { f.shutdown <- err }, f.runner)
	require.NoError(t, err)
	f.rerun = r
	t.Cleanup(func() { _ = r.Stop(context.Background()) })
	return f
}

func (f *fixture) path(rel string) string {
	return filepath.Join(f.root, filepath.FromSlash(rel))
}

func lastRunPaths(r *Rerun) []string {
	run := r.LastRun()
	if run == nil {
		return nil
	}
	var paths []string
	for _, file := range run.Files {
		paths = append(paths, file.Filepath)
	}
	sort.Strings(paths)
	return paths
}

func TestRerun_RunOnceSuccess(t *testing.T) {
	f := newFixture(t, "", twoFiles, nil)
	f.runner.On("Run", mock.Anything).Return(types.TaskStatePass)

	require.NoError(t, f.rerun.Start(context.Background()))

	select {
	case err := <-f.shutdown:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown callback not called")
	}
	run := f.rerun.LastRun()
	require.NotNil(t, run)
	assert.False(t, run.Failed)
	assert.True(t, run.AllTestsRun)
	assert.Equal(t, []string{f.path("a/a_test.go"), f.path("b/b_test.go")}, lastRunPaths(f.rerun))
	f.runner.AssertNumberOfCalls(t, "Run", 2)
}

func TestRerun_RunOnceFailure(t *testing.T) {
	f := newFixture(t, "", twoFiles, nil)
	f.runner.On("Run", "a_test.go").Return(types.TaskStatePass)
	f.runner.On("Run", "b_test.go").Return(types.TaskStateFail)

	err := f.rerun.Start(context.Background())
	require.Error(t, err)
	assert.True(t, IsTestFailureError(err))
	assert.Contains(t, err.Error(), "1 of 2 tests failed in 1 files")
	assert.Empty(t, f.shutdown)
}

func TestRerun_UnavailableCacheFallsBack(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(t *testing.T, root string, c *Config)
	}{
		{
			name: "corrupted leveldb",
			mutate: func(t *testing.T, root string, c *Config) {
				c.CacheBackend = flags.CacheLevelDB
				c.CacheDir = filepath.Join(root, ".rerun-cache")
				writeFile(t, filepath.Join(c.CacheDir, "CURRENT"), "MANIFEST-000001\n")
				writeFile(t, filepath.Join(c.CacheDir, "MANIFEST-000001"), "not a manifest")
			},
		},
		{
			name: "unreachable redis",
			mutate: func(_ *testing.T, _ string, c *Config) {
				c.CacheBackend = flags.CacheRedis
				c.RedisURL = "redis://127.0.0.1:1/0"
			},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			root := t.TempDir()
			writeFile(t, filepath.Join(root, "go.mod"), "module example.com/demo\n")
			for name, content := range twoFiles {
				writeFile(t, filepath.Join(root, name), content)
			}
			f := newFixture(t, root, nil, func(c *Config) { tc.mutate(t, root, c) })
			require.NotNil(t, f.rerun.cache)
			f.runner.On("Run", mock.Anything).Return(types.TaskStatePass)

			require.NoError(t, f.rerun.Start(context.Background()))
			run := f.rerun.LastRun()
			require.NotNil(t, run)
			assert.False(t, run.Failed)
		})
	}
}

func TestRerun_NoTestFiles(t *testing.T) {
	testCases := []struct {
		name            string
		passWithNoTests bool
		expectFailure   bool
	}{
		{"fails by default", false, true},
		{"pass with no tests", true, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, "", map[string]string{"util/util.go": "package util\n"}, func(c *Config) {
				c.Overrides.PassWithNoTests = tc.passWithNoTests
			})
			err := f.rerun.Start(context.Background())
			if tc.expectFailure {
				assert.True(t, IsTestFailureError(err))
			} else {
				assert.NoError(t, err)
			}
			f.runner.AssertNotCalled(t, "Run", mock.Anything)
		})
	}
}

func TestRerun_Filters(t *testing.T) {
	f := newFixture(t, "", twoFiles, func(c *Config) {
		c.Filters = []string{"a/"}
	})
	f.runner.On("Run", mock.Anything).Return(types.TaskStatePass)

	require.NoError(t, f.rerun.Start(context.Background()))
	assert.Equal(t, []string{f.path("a/a_test.go")}, lastRunPaths(f.rerun))
}

func TestRerun_ChangedRunsAffectedFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "go.mod"), "module example.com/demo\n")
	for name, content := range twoFiles {
		writeFile(t, filepath.Join(root, name), content)
	}
	leveldb := func(c *Config) {
		c.CacheBackend = flags.CacheLevelDB
		c.CacheDir = filepath.Join(root, ".rerun-cache")
		c.ForceRerunTriggers = []string{"**/go.mod"}
	}

	// --changed on an empty cache runs everything and records the dependencies
	first := newFixture(t, root, nil, func(c *Config) {
		leveldb(c)
		c.Changed = true
	})
	first.runner.On("Run", mock.Anything).Return(types.TaskStatePass)
	require.NoError(t, first.rerun.Start(context.Background()))
	require.NoError(t, first.rerun.Stop(context.Background()))

	// Nothing changed since the cached run
	unchanged := newFixture(t, root, nil, func(c *Config) {
		leveldb(c)
		c.Changed = true
		c.Overrides.PassWithNoTests = true
	})
	require.NoError(t, unchanged.rerun.Start(context.Background()))
	unchanged.runner.AssertNotCalled(t, "Run", mock.Anything)
	require.NoError(t, unchanged.rerun.Stop(context.Background()))

	// A dependency of b changed
	writeFile(t, filepath.Join(root, "util/util.go"), "package util\n\nvar X = 2 // changed\n")
	changed := newFixture(t, root, nil, func(c *Config) {
		leveldb(c)
		c.Changed = true
	})
	changed.runner.On("Run", mock.Anything).Return(types.TaskStatePass)
	require.NoError(t, changed.rerun.Start(context.Background()))
	assert.Equal(t, []string{changed.path("b/b_test.go")}, lastRunPaths(changed.rerun))
	require.NoError(t, changed.rerun.Stop(context.Background()))

	// A force rerun trigger changed
	writeFile(t, filepath.Join(root, "go.mod"), "module example.com/demo\n\ngo 1.22\n")
	forced := newFixture(t, root, nil, func(c *Config) {
		leveldb(c)
		c.Changed = true
	})
	forced.runner.On("Run", mock.Anything).Return(types.TaskStatePass)
	require.NoError(t, forced.rerun.Start(context.Background()))
	forced.runner.AssertNumberOfCalls(t, "Run", 2)
}

func TestRerun_RerunFailed(t *testing.T) {
	f := newFixture(t, "", twoFiles, nil)
	f.runner.On("Run", "a_test.go").Return(types.TaskStatePass)
	f.runner.On("Run", "b_test.go").Return(types.TaskStateFail)
	require.True(t, IsTestFailureError(f.rerun.Start(context.Background())))

	require.NoError(t, f.rerun.RerunFailed(context.Background()))
	assert.Equal(t, 1, f.runner.calls("a_test.go"))
	assert.Equal(t, 2, f.runner.calls("b_test.go"))
	run := f.rerun.LastRun()
	assert.False(t, run.AllTestsRun)
	assert.Equal(t, []string{f.path("b/b_test.go")}, lastRunPaths(f.rerun))
}

func TestRerun_ChangeFilenamePattern(t *testing.T) {
	f := newFixture(t, "", twoFiles, nil)
	f.runner.On("Run", mock.Anything).Return(types.TaskStatePass)
	require.NoError(t, f.rerun.Start(context.Background()))

	require.NoError(t, f.rerun.ChangeFilenamePattern(context.Background(), "a/"))
	assert.Equal(t, []string{f.path("a/a_test.go")}, lastRunPaths(f.rerun))
	assert.Equal(t, "a/", f.rerun.scheduler.FilenamePattern())

	require.NoError(t, f.rerun.ChangeFilenamePattern(context.Background(), ""))
	assert.Len(t, lastRunPaths(f.rerun), 2)
}

func TestRerun_ChangeNamePattern(t *testing.T) {
	f := newFixture(t, "", twoFiles, nil)
	f.runner.On("Run", mock.Anything).Return(types.TaskStatePass)
	require.NoError(t, f.rerun.Start(context.Background()))

	require.NoError(t, f.rerun.ChangeNamePattern(context.Background(), "TestNope"))
	f.runner.AssertNumberOfCalls(t, "Run", 2)

	require.NoError(t, f.rerun.ChangeNamePattern(context.Background(), "^TestX$"))
	f.runner.AssertNumberOfCalls(t, "Run", 4)

	require.Error(t, f.rerun.ChangeNamePattern(context.Background(), "["))
}

func TestRerun_ChangeProjectName(t *testing.T) {
	f := newFixture(t, "", twoFiles, nil)
	f.runner.On("Run", mock.Anything).Return(types.TaskStatePass)
	require.NoError(t, f.rerun.Start(context.Background()))

	require.ErrorIs(t, f.rerun.ChangeProjectName(context.Background(), "missing"), workspace.ErrNoMatchingProjects)
	require.NoError(t, f.rerun.ChangeProjectName(context.Background(), ""))
	f.runner.AssertNumberOfCalls(t, "Run", 4)
}

func TestRerun_WatchTests(t *testing.T) {
	f := newFixture(t, "", twoFiles, nil)
	f.rerun.WatchTests([]string{"a/a_test.go", f.path("b/b_test.go")})
	assert.Equal(t, []string{f.path("a/a_test.go"), f.path("b/b_test.go")}, f.rerun.scheduler.WatchedTests())
}

func TestRerun_WatchEvents(t *testing.T) {
	f := newFixture(t, "", twoFiles, nil)
	f.runner.On("Run", mock.Anything).Return(types.TaskStatePass)
	require.NoError(t, f.rerun.Start(context.Background()))
	f.runner.AssertNumberOfCalls(t, "Run", 2)

	t.Run("change of a dependency reruns its importer", func(t *testing.T) {
		util, b := f.path("util/util.go"), f.path("b/b_test.go")
		for _, p := range f.rerun.registry.Projects() {
			p.Graph().RecordEdge(b, util)
		}
		f.rerun.onChange(util)
		require.Eventually(t, func() bool { return f.runner.calls("b_test.go") == 2 }, 5*time.Second, 10*time.Millisecond)
		assert.Equal(t, 1, f.runner.calls("a_test.go"))
	})

	t.Run("added test file is run", func(t *testing.T) {
		c := f.path("c/c_test.go")
		writeFile(t, c, "package c\n")
		f.rerun.onAdd(c)
		require.Eventually(t, func() bool { return f.runner.calls("c_test.go") == 1 }, 5*time.Second, 10*time.Millisecond)
		require.Eventually(t, func() bool { return !f.rerun.coordinator.IsRunning() }, 5*time.Second, 10*time.Millisecond)
		assert.NotEmpty(t, f.rerun.registry.GetProjectsByTestFile(c))
	})

	t.Run("unlinked test file is forgotten", func(t *testing.T) {
		a := f.path("a/a_test.go")
		require.True(t, f.rerun.state.HasFile(a))
		require.NoError(t, os.Remove(a))
		f.rerun.onUnlink(a)
		assert.False(t, f.rerun.state.HasFile(a))
		assert.Empty(t, f.rerun.registry.GetProjectsByTestFile(a))
		assert.Contains(t, f.rerun.scheduler.TakeInvalidates(), a)
	})
}

func TestRerun_StopTimesOut(t *testing.T) {
	f := newFixture(t, "", twoFiles, func(c *Config) {
		c.TeardownTimeout = 50 * time.Millisecond
	})
	release := make(chan struct{})
	f.runner.On("Run", mock.Anything).Run(func(mock.Arguments) { <-release }).Return(types.TaskStatePass)

	f.rerun.running.Store(true)
	go func() {
		_ = f.rerun.RerunFiles(context.Background(), []string{f.path("a/a_test.go")}, "test")
	}()
	require.Eventually(t, f.rerun.coordinator.IsRunning, 5*time.Second, 10*time.Millisecond)

	err := f.rerun.Stop(context.Background())
	require.Error(t, err)
	assert.True(t, IsProcessTimeoutError(err))
	var timeoutErr *ProcessTimeoutError
	require.True(t, errors.As(err, &timeoutErr))
	assert.Contains(t, timeoutErr.Causes, "a test run was still in progress")
	assert.True(t, f.rerun.Stopped())
	close(release)
}

func TestAdminAPI(t *testing.T) {
	f := newFixture(t, "", twoFiles, nil)
	f.runner.On("Run", mock.Anything).Return(types.TaskStatePass)
	f.rerun.running.Store(true)

	srv := rpc.NewServer()
	require.NoError(t, srv.RegisterName("admin", NewAdminAPI(f.rerun)))
	defer srv.Stop()
	client := rpc.DialInProc(srv)
	defer client.Close()
	ctx := context.Background()

	require.NoError(t, client.CallContext(ctx, nil, "admin_watchTests", []string{"a/a_test.go"}))
	assert.Equal(t, []string{f.path("a/a_test.go")}, f.rerun.scheduler.WatchedTests())

	require.Error(t, client.CallContext(ctx, nil, "admin_setNamePattern", "["))

	var cancelled bool
	require.NoError(t, client.CallContext(ctx, &cancelled, "admin_cancel"))
	assert.False(t, cancelled)

	require.NoError(t, client.CallContext(ctx, nil, "admin_setProject", ""))
	require.Eventually(t, func() bool { return len(lastRunPaths(f.rerun)) == 2 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, client.CallContext(ctx, nil, "admin_rerunAll"))
	require.Eventually(t, func() bool { return f.runner.calls("a_test.go") == 2 }, 5*time.Second, 10*time.Millisecond)

	f.rerun.running.Store(false)
	require.Error(t, client.CallContext(ctx, nil, "admin_rerunFailed"))
}

func TestAdminAPI_ConcurrentWithStop(t *testing.T) {
	f := newFixture(t, "", twoFiles, nil)
	f.runner.On("Run", mock.Anything).Return(types.TaskStatePass)
	f.rerun.running.Store(true)
	f.rerun.ctx = context.Background()
	api := NewAdminAPI(f.rerun)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := api.RerunAll(context.Background())
			if err != nil {
				assert.ErrorIs(t, err, ErrStopped)
			}
		}()
	}
	require.NoError(t, f.rerun.Stop(context.Background()))
	wg.Wait()

	assert.ErrorIs(t, api.RerunAll(context.Background()), ErrStopped)
	assert.False(t, f.rerun.track())
}

func TestErrors(t *testing.T) {
	wrapped := errors.Join(errors.New("other"), NewRuntimeError(errors.New("boom")))
	assert.True(t, IsRuntimeError(wrapped))
	assert.False(t, IsTestFailureError(wrapped))
	assert.False(t, IsRuntimeError(nil))

	timeout := &ProcessTimeoutError{Causes: []string{"a", "b"}}
	assert.Equal(t, "process did not exit in time: a; b", timeout.Error())
	assert.True(t, IsProcessTimeoutError(NewRuntimeError(timeout)))
}
