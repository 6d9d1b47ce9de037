package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-rerun/modules"
	"github.com/ethereum-optimism/infra/op-rerun/types"
	"github.com/ethereum-optimism/infra/op-rerun/workspace"
)

// WorkerRPC is the control-side contract a worker reports through
type WorkerRPC interface {
	FetchModule(ctx context.Context, id string, mode string) (*types.FetchResult, error)
	OnCollected(ctx context.Context, files []*types.File) error
	OnTaskUpdate(ctx context.Context, packs []types.TaskResultPack) error
	OnUserConsoleLog(ctx context.Context, entry types.UserConsoleLog) error
	OnUnhandledError(ctx context.Context, err error, errType string) error
	OnFinished(ctx context.Context, files []*types.File) error
	OnCancel(ctx context.Context, reason types.CancelReason) error
	GetCountOfFailedTests(ctx context.Context) (int, error)
}

// CommandBuilder creates the go test process and a cleanup func
type CommandBuilder func(ctx context.Context, name string, arg ...string) (*exec.Cmd, func())

// DefaultCommandBuilder runs commands bound to ctx
func DefaultCommandBuilder(ctx context.Context, name string, arg ...string) (*exec.Cmd, func()) {
	return exec.CommandContext(ctx, name, arg...), func() {}
}

// ExecutorConfig tunes how test files are executed
type ExecutorConfig struct {
	GoBinary    string
	Timeout     time.Duration
	CmdBuilder  CommandBuilder
	NamePattern string
}

// Executor runs the tests of one file in a go test process and streams the
// results through a WorkerRPC.
type Executor struct {
	log         log.Logger
	goBinary    string
	timeout     time.Duration
	cmdBuilder  CommandBuilder
	namePattern atomic.Pointer[regexp.Regexp]
}

// NewExecutor creates an executor
func NewExecutor(cfg ExecutorConfig, logger log.Logger) (*Executor, error) {
	if logger == nil {
		logger = log.New()
	}
	if cfg.GoBinary == "" {
		cfg.GoBinary = DefaultGoBinary
	}
	if cfg.CmdBuilder == nil {
		cfg.CmdBuilder = DefaultCommandBuilder
	}
	e := &Executor{
		log:        logger.New("component", "executor"),
		goBinary:   cfg.GoBinary,
		timeout:    cfg.Timeout,
		cmdBuilder: cfg.CmdBuilder,
	}
	if err := e.SetNamePattern(cfg.NamePattern); err != nil {
		return nil, err
	}
	return e, nil
}

// SetNamePattern restricts execution to top-level tests matching pattern. It
// takes precedence over project patterns. An empty pattern restores them.
func (e *Executor) SetNamePattern(pattern string) error {
	if pattern == "" {
		e.namePattern.Store(nil)
		return nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("invalid test name pattern %q: %w", pattern, err)
	}
	e.namePattern.Store(re)
	return nil
}

// Run executes the spec and reports collection, streamed results and the
// final tree to rpc.
func (e *Executor) Run(ctx context.Context, rpc WorkerRPC, spec workspace.Spec) error {
	project := spec.Project
	cfg := project.Config()
	file := newSpecFile(spec)
	logger := e.log.New("project", project.Name(), "file", file.Name)

	if _, err := e.fetchDependencies(ctx, rpc, spec.File); err != nil {
		logger.Warn("Failed to fetch test module", "err", err)
		file.Result = &types.TaskResult{
			State:  types.TaskStateFail,
			Errors: []types.TaskError{{Message: err.Error()}},
		}
		if err := rpc.OnCollected(ctx, []*types.File{file}); err != nil {
			return err
		}
		return rpc.OnFinished(ctx, []*types.File{file})
	}

	names, err := modules.FindTestFunctions(spec.File)
	if err != nil {
		return fmt.Errorf("failed to collect tests of %s: %w", file.Name, err)
	}
	namePattern := e.namePattern.Load()
	if namePattern == nil && cfg.TestNamePattern != "" {
		if re, err := regexp.Compile(cfg.TestNamePattern); err == nil {
			namePattern = re
		} else {
			logger.Warn("Ignoring invalid project test name pattern", "pattern", cfg.TestNamePattern, "err", err)
		}
	}

	var selected []string
	for _, name := range names {
		task := &types.Task{
			ID:     types.TaskID(file.ID, name),
			Name:   name,
			Type:   types.TaskTypeTest,
			Mode:   types.TaskModeRun,
			FileID: file.ID,
		}
		if namePattern != nil && !namePattern.MatchString(name) {
			task.Mode = types.TaskModeSkip
			task.Result = &types.TaskResult{State: types.TaskStateSkip}
		} else {
			selected = append(selected, name)
		}
		file.Tasks = append(file.Tasks, task)
	}
	if err := rpc.OnCollected(ctx, []*types.File{cloneFile(file)}); err != nil {
		return err
	}

	builder := newTreeBuilder(file)
	if len(selected) == 0 {
		logger.Debug("No tests selected")
		return rpc.OnFinished(ctx, []*types.File{builder.finish("", 0)})
	}

	start := time.Now()
	processErr, err := e.execute(ctx, rpc, spec, selected, builder)
	if err != nil {
		return err
	}
	final := builder.finish(processErr, time.Since(start))
	logger.Debug("Finished test file", "state", final.Result.State, "duration", final.Result.Duration)
	if err := rpc.OnFinished(ctx, []*types.File{final}); err != nil {
		return err
	}

	if cfg.Bail > 0 {
		failed, err := rpc.GetCountOfFailedTests(ctx)
		if err != nil {
			return err
		}
		if failed >= cfg.Bail {
			logger.Info("Bail threshold reached", "failed", failed, "bail", cfg.Bail)
			return rpc.OnCancel(ctx, types.CancelReasonTestFailure)
		}
	}
	return nil
}

// fetchDependencies walks the local dependencies of file breadth-first so the
// control side records every edge of the graph.
func (e *Executor) fetchDependencies(ctx context.Context, rpc WorkerRPC, file string) ([]string, error) {
	seen := map[string]struct{}{file: {}}
	queue := []string{file}
	var visited []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		res, err := rpc.FetchModule(ctx, id, fetchMode)
		if err != nil {
			if id == file {
				return nil, err
			}
			e.log.Debug("Failed to fetch dependency", "id", id, "err", err)
			continue
		}
		visited = append(visited, id)
		for _, dep := range res.Deps {
			if _, ok := seen[dep]; ok {
				continue
			}
			seen[dep] = struct{}{}
			queue = append(queue, dep)
		}
	}
	return visited, nil
}

// execute runs go test and streams events. The returned string describes an
// abnormal process exit; the error is only set when reporting failed.
func (e *Executor) execute(ctx context.Context, rpc WorkerRPC, spec workspace.Spec, selected []string, builder *treeBuilder) (string, error) {
	cfg := spec.Project.Config()
	timeout := e.timeout
	if cfg.Timeout > 0 {
		timeout = cfg.Timeout
	}

	args := e.buildTestArgs(cfg, timeout, selected)
	cmd, cleanup := e.cmdBuilder(ctx, e.goBinary, args...)
	defer cleanup()
	cmd.Dir = filepath.Dir(spec.File)
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stderr := newTailBuffer(0)
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("failed to open stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Sprintf("failed to start %s: %v", e.goBinary, err), nil
	}

	var reportErr error
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		event, err := parseTestEvent(scanner.Bytes())
		if err != nil {
			continue
		}
		packs, logs := builder.handle(event)
		if reportErr != nil {
			continue
		}
		for _, entry := range logs {
			if err := rpc.OnUserConsoleLog(ctx, entry); err != nil {
				reportErr = err
			}
		}
		if len(packs) > 0 {
			if err := rpc.OnTaskUpdate(ctx, packs); err != nil {
				reportErr = err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		e.log.Warn("Failed to read test output", "file", spec.File, "err", err)
	}
	runErr := cmd.Wait()
	if reportErr != nil {
		return "", reportErr
	}
	return describeExit(runErr, stderr, builder), nil
}

func (e *Executor) buildTestArgs(cfg types.ProjectConfig, timeout time.Duration, selected []string) []string {
	args := []string{TestCommand, JSONFlag, CountFlag, DisableCacheCount}
	if timeout > 0 {
		args = append(args, TimeoutFlag, timeout.String())
	}
	args = append(args, cfg.BuildFlags...)
	args = append(args, RunFlag, modules.RunPattern(selected), CurrentDirPattern)
	return args
}

// describeExit maps the go test exit status: 1 is an ordinary test failure,
// 2 a build failure, anything else an abnormal exit.
func describeExit(runErr error, stderr *tailBuffer, builder *treeBuilder) string {
	if runErr == nil {
		return ""
	}
	exitErr := &exec.ExitError{}
	if errors.As(runErr, &exitErr) {
		switch exitErr.ExitCode() {
		case 1:
			if builder.pkgAction == ActionFail || builder.buildFailed {
				return ""
			}
			return withStderr("test process failed", stderr)
		case 2:
			builder.buildFailed = true
			if stderrOut := stderr.String(); stderrOut != "" {
				builder.buildOutput = append(builder.buildOutput, stderrOut)
			}
			return ""
		default:
			return withStderr(fmt.Sprintf("test execution failed with exit code %d", exitErr.ExitCode()), stderr)
		}
	}
	return fmt.Sprintf("failed to run test: %v", runErr)
}

func withStderr(msg string, stderr *tailBuffer) string {
	if out := stderr.String(); out != "" {
		return fmt.Sprintf("%s\nstderr: %s", msg, out)
	}
	return msg
}

func newSpecFile(spec workspace.Spec) *types.File {
	rel, err := filepath.Rel(spec.Project.Root(), spec.File)
	if err != nil {
		rel = spec.File
	}
	rel = filepath.ToSlash(rel)
	return types.NewFile(types.FileID(rel, spec.Project.Name()), spec.File, rel, spec.Project.Name())
}

// cloneFile copies the tree so streaming does not mutate the collected skeleton
func cloneFile(file *types.File) *types.File {
	out := *file
	out.Tasks = cloneTasks(file.Tasks)
	if file.Result != nil {
		result := *file.Result
		out.Result = &result
	}
	return &out
}

func cloneTasks(tasks []*types.Task) []*types.Task {
	if tasks == nil {
		return nil
	}
	out := make([]*types.Task, len(tasks))
	for i, t := range tasks {
		c := *t
		if t.Result != nil {
			result := *t.Result
			c.Result = &result
		}
		c.Tasks = cloneTasks(t.Tasks)
		out[i] = &c
	}
	return out
}
