package runner

import (
	"strings"
	"time"

	"github.com/acarl005/stripansi"

	"github.com/ethereum-optimism/infra/op-rerun/types"
)

var framingPrefixes = []string{
	"=== RUN", "=== PAUSE", "=== CONT", "=== NAME",
	"--- PASS:", "--- FAIL:", "--- SKIP:",
}

// treeBuilder folds a go test -json stream into the task tree of one file.
// Subtests are attached under their parent as they first appear, which turns
// the parent into a suite.
type treeBuilder struct {
	file   *types.File
	byName map[string]*types.Task
	output map[string][]string

	pkgOutput   []string
	buildOutput []string
	buildFailed bool
	pkgAction   string
	pkgElapsed  time.Duration
}

func newTreeBuilder(file *types.File) *treeBuilder {
	b := &treeBuilder{
		file:   file,
		byName: make(map[string]*types.Task),
		output: make(map[string][]string),
	}
	for _, t := range file.Tasks {
		t.Walk(func(task *types.Task) {
			b.byName[task.Name] = task
		})
	}
	return b
}

func (b *treeBuilder) task(name string) *types.Task {
	if t, ok := b.byName[name]; ok {
		return t
	}
	siblings := &b.file.Tasks
	if idx := strings.LastIndex(name, "/"); idx > 0 {
		parent := b.task(name[:idx])
		parent.Type = types.TaskTypeSuite
		siblings = &parent.Tasks
	}
	t := &types.Task{
		ID:     types.TaskID(b.file.ID, name),
		Name:   name,
		Type:   types.TaskTypeTest,
		Mode:   types.TaskModeRun,
		FileID: b.file.ID,
	}
	*siblings = append(*siblings, t)
	b.byName[name] = t
	return t
}

// handle applies one event and returns the updates to stream
func (b *treeBuilder) handle(ev TestEvent) ([]types.TaskResultPack, []types.UserConsoleLog) {
	switch {
	case ev.Action == ActionBuildOutput:
		content := stripansi.Strip(ev.Output)
		b.buildOutput = append(b.buildOutput, strings.TrimRight(content, "\n"))
		return nil, []types.UserConsoleLog{b.consoleLog(b.file.ID, content, types.ConsoleStderr, ev.Time)}
	case ev.Action == ActionBuildFail:
		b.buildFailed = true
		return nil, nil
	case ev.Test == "":
		return b.handlePackage(ev)
	}

	task := b.task(ev.Test)
	switch ev.Action {
	case ActionRun:
		task.Result = &types.TaskResult{State: types.TaskStateRun, StartTime: ev.Time}
		return []types.TaskResultPack{pack(task)}, nil
	case ActionPass, ActionFail, ActionSkip:
		result := task.Result
		if result == nil {
			result = &types.TaskResult{StartTime: ev.Time}
			task.Result = result
		}
		result.State = stateOf(ev.Action)
		result.Duration = elapsed(ev.Elapsed)
		if ev.Action == ActionFail {
			if lines := b.output[ev.Test]; len(lines) > 0 {
				result.Errors = []types.TaskError{{Message: strings.Join(lines, "\n")}}
			}
		}
		if ev.Action == ActionSkip {
			task.Mode = types.TaskModeSkip
		}
		return []types.TaskResultPack{pack(task)}, nil
	case ActionOutput:
		content := stripansi.Strip(ev.Output)
		if isFraming(content) {
			return nil, nil
		}
		if trimmed := strings.TrimSpace(content); trimmed != "" {
			b.output[ev.Test] = append(b.output[ev.Test], trimmed)
		}
		return nil, []types.UserConsoleLog{b.consoleLog(task.ID, content, types.ConsoleStdout, ev.Time)}
	}
	return nil, nil
}

func (b *treeBuilder) handlePackage(ev TestEvent) ([]types.TaskResultPack, []types.UserConsoleLog) {
	switch ev.Action {
	case ActionPass, ActionFail, ActionSkip:
		b.pkgAction = ev.Action
		b.pkgElapsed = elapsed(ev.Elapsed)
	case ActionOutput:
		content := stripansi.Strip(ev.Output)
		trimmed := strings.TrimSpace(content)
		if trimmed == "" || trimmed == "PASS" || trimmed == "FAIL" || strings.HasPrefix(trimmed, "ok ") ||
			strings.HasPrefix(trimmed, "FAIL\t") || strings.HasPrefix(trimmed, "testing: warning: no tests to run") {
			return nil, nil
		}
		b.pkgOutput = append(b.pkgOutput, trimmed)
		return nil, []types.UserConsoleLog{b.consoleLog(b.file.ID, content, types.ConsoleStdout, ev.Time)}
	}
	return nil, nil
}

// finish settles tasks the stream never completed and derives the file
// result. processErr is the reason the process ended abnormally, if any.
func (b *treeBuilder) finish(processErr string, wall time.Duration) *types.File {
	aborted := processErr != "" || b.buildFailed
	var failed, skipped, total int
	for _, child := range b.file.Tasks {
		child.Walk(func(t *types.Task) {
			if t.Result == nil || t.Result.State == types.TaskStateRun || t.Result.State == types.TaskStatePending {
				if t.Result == nil {
					t.Result = &types.TaskResult{}
				}
				if aborted || b.pkgAction == ActionFail {
					t.Result.State = types.TaskStateFail
					t.Result.Errors = append(t.Result.Errors, types.TaskError{Message: "test did not complete"})
				} else {
					t.Result.State = types.TaskStateSkip
					t.Mode = types.TaskModeSkip
				}
			}
			if t.Type != types.TaskTypeTest {
				return
			}
			total++
			switch t.Result.State {
			case types.TaskStateFail:
				failed++
			case types.TaskStateSkip:
				skipped++
			}
		})
	}

	result := &types.TaskResult{State: types.TaskStatePass, Duration: b.pkgElapsed}
	if result.Duration == 0 {
		result.Duration = wall
	}
	if len(b.file.Tasks) > 0 {
		result.StartTime = firstStart(b.file.Tasks)
	}

	switch {
	case b.buildFailed:
		result.State = types.TaskStateFail
		result.Errors = append(result.Errors, types.TaskError{Message: "build failed", Stack: strings.Join(b.buildOutput, "\n")})
	case processErr != "":
		result.State = types.TaskStateFail
		result.Errors = append(result.Errors, types.TaskError{Message: processErr, Stack: strings.Join(b.pkgOutput, "\n")})
	case failed > 0:
		result.State = types.TaskStateFail
	case b.pkgAction == ActionFail:
		result.State = types.TaskStateFail
		result.Errors = append(result.Errors, types.TaskError{Message: strings.Join(b.pkgOutput, "\n")})
	case total > 0 && skipped == total:
		result.State = types.TaskStateSkip
	}
	b.file.Result = result
	return b.file
}

func (b *treeBuilder) consoleLog(taskID, content string, stream types.ConsoleStream, at time.Time) types.UserConsoleLog {
	if at.IsZero() {
		at = time.Now()
	}
	return types.UserConsoleLog{
		Content: content,
		Type:    stream,
		TaskID:  taskID,
		FileID:  b.file.ID,
		Time:    at,
		Size:    len(content),
	}
}

func pack(t *types.Task) types.TaskResultPack {
	result := *t.Result
	return types.TaskResultPack{ID: t.ID, Result: &result, Meta: t.Meta}
}

func stateOf(action string) types.TaskState {
	switch action {
	case ActionPass:
		return types.TaskStatePass
	case ActionFail:
		return types.TaskStateFail
	case ActionSkip:
		return types.TaskStateSkip
	}
	return types.TaskStateRun
}

func elapsed(seconds float64) time.Duration {
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}

func isFraming(output string) bool {
	trimmed := strings.TrimLeft(output, " \t")
	for _, prefix := range framingPrefixes {
		if strings.HasPrefix(trimmed, prefix) {
			return true
		}
	}
	return false
}

func firstStart(tasks []*types.Task) time.Time {
	var first time.Time
	for _, t := range tasks {
		if t.Result == nil || t.Result.StartTime.IsZero() {
			continue
		}
		if first.IsZero() || t.Result.StartTime.Before(first) {
			first = t.Result.StartTime
		}
	}
	return first
}
