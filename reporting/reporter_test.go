package reporting

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-rerun/types"
)

func sampleFiles() []*types.File {
	pass := types.NewFile("f1", "/repo/pkg/a_test.go", "pkg/a_test.go", "unit")
	pass.Result = &types.TaskResult{State: types.TaskStatePass, Duration: time.Second}
	pass.Tasks = []*types.Task{
		{ID: "f1_a", Name: "TestA", Type: types.TaskTypeTest, Result: &types.TaskResult{State: types.TaskStatePass}},
		{ID: "f1_b", Name: "TestB", Type: types.TaskTypeTest, Result: &types.TaskResult{State: types.TaskStateSkip}},
	}

	fail := types.NewFile("f2", "/repo/pkg/b_test.go", "pkg/b_test.go", "unit")
	fail.Result = &types.TaskResult{State: types.TaskStateFail, Duration: 2 * time.Second}
	fail.Tasks = []*types.Task{
		{ID: "f2_c", Name: "TestC", Type: types.TaskTypeSuite, Result: &types.TaskResult{State: types.TaskStateFail}, Tasks: []*types.Task{
			{ID: "f2_c1", Name: "TestC/case_one", Type: types.TaskTypeTest, Result: &types.TaskResult{
				State:  types.TaskStateFail,
				Errors: []types.TaskError{{Message: "expected 1, got 2"}},
			}},
		}},
	}
	return []*types.File{pass, fail}
}

func TestSummarize(t *testing.T) {
	s := Summarize(sampleFiles())
	assert.Equal(t, 2, s.Files)
	assert.Equal(t, 1, s.FilesFailed)
	assert.Equal(t, 3, s.Tests)
	assert.Equal(t, 1, s.Passed)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.Skipped)
	assert.Equal(t, 3*time.Second, s.Duration)
	assert.Equal(t, types.TaskStateFail, s.Status(nil))

	empty := Summarize(nil)
	assert.Equal(t, types.TaskStatePass, empty.Status(nil))
	assert.Equal(t, types.TaskStateFail, empty.Status([]*types.UnhandledError{{Message: "x"}}))
}

type panickingReporter struct{ NoopReporter }

func (panickingReporter) OnTestRemoved(string) { panic("boom") }

type recordingReporter struct {
	NoopReporter
	removed []string
}

func (r *recordingReporter) OnTestRemoved(path string) { r.removed = append(r.removed, path) }

func TestMulti_IsolatesPanics(t *testing.T) {
	rec := &recordingReporter{}
	m := NewMulti(log.NewLogger(log.DiscardHandler()), panickingReporter{}, rec)
	require.NotPanics(t, func() { m.OnTestRemoved("/repo/a_test.go") })
	assert.Equal(t, []string{"/repo/a_test.go"}, rec.removed)
}

func TestTableReporter(t *testing.T) {
	var buf bytes.Buffer
	r := NewTableReporter(&buf)
	r.OnFinished(sampleFiles(), []*types.UnhandledError{{Type: "Unhandled Error", Message: "worker crashed"}}, nil)

	out := buf.String()
	assert.Contains(t, out, "pkg/a_test.go")
	assert.Contains(t, out, "case_one")
	assert.Contains(t, out, "expected 1, got 2")
	assert.Contains(t, out, "worker crashed")

	buf.Reset()
	r.OnProcessTimeout([]string{"teardown hung"})
	assert.Contains(t, buf.String(), "teardown hung")
}

func TestFileReporter(t *testing.T) {
	dir := t.TempDir()
	r, err := NewFileReporter(dir, log.NewLogger(log.DiscardHandler()))
	require.NoError(t, err)
	defer r.Close()

	files := sampleFiles()
	r.OnPathsCollected([]string{files[0].Filepath, files[1].Filepath})
	runDir := r.RunDir()
	require.NotEmpty(t, runDir)
	assert.True(t, strings.HasPrefix(filepath.Base(runDir), RunDirectoryPrefix))

	r.OnCollected(files)
	r.OnUserConsoleLog(types.UserConsoleLog{Content: "hello from c\n", TaskID: "f2_c1"})
	r.OnFinished(files, nil, nil)

	logData, err := os.ReadFile(filepath.Join(runDir, "pkg_b_test.go.log"))
	require.NoError(t, err)
	assert.Equal(t, "hello from c\n", string(logData))

	_, err = os.Stat(filepath.Join(runDir, FailedDirName, "pkg_b_test.go.log"))
	require.NoError(t, err)

	summary, err := os.ReadFile(filepath.Join(runDir, SummaryFileName))
	require.NoError(t, err)
	assert.Contains(t, string(summary), "status: fail")
	assert.Contains(t, string(summary), "FAIL pkg/b_test.go [unit]")
}

func TestProgressReporter(t *testing.T) {
	p := NewProgressReporter(log.NewLogger(log.DiscardHandler()), time.Hour)
	defer p.Close()

	files := sampleFiles()
	p.OnPathsCollected([]string{"a", "b"})
	p.OnCollected(files)
	p.OnTaskUpdate([]types.TaskResultPack{
		{ID: "f1_a", Result: &types.TaskResult{State: types.TaskStateRun}},
		{ID: "f2_c1", Result: &types.TaskResult{State: types.TaskStateRun}},
		{ID: "f1_a", Result: &types.TaskResult{State: types.TaskStatePass}},
		{ID: "unknown", Result: &types.TaskResult{State: types.TaskStatePass}},
	})

	p.mu.RLock()
	assert.Equal(t, 3, p.total)
	assert.Equal(t, 1, p.completed)
	assert.Len(t, p.runningTests, 1)
	p.mu.RUnlock()

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
}

func TestFormatRunningTests(t *testing.T) {
	now := time.Now()
	running := map[string]time.Time{
		"TestA": now.Add(-3 * time.Second),
		"TestB": now.Add(-10 * time.Second),
		"TestC": now.Add(-1 * time.Second),
		"TestD": now,
	}
	out := formatRunningTests(running, 2)
	assert.True(t, strings.HasPrefix(out, "TestB"))
	assert.Contains(t, out, "+2 more")
	assert.Equal(t, "", formatRunningTests(nil, 3))
}
