// Package state holds the authoritative in-memory view of test results for a
// single orchestrator instance.
package state

import (
	"errors"
	"path/filepath"
	"slices"
	"sort"
	"sync"

	"github.com/ethereum-optimism/infra/op-rerun/types"
)

// ProjectRef identifies the project a set of files belongs to
type ProjectRef struct {
	Name string
	Root string
}

// Manager merges collected files, streamed task updates and unhandled errors.
// Mutations are expected to arrive in order from a single dispatcher; the lock
// only keeps concurrent readers consistent.
type Manager struct {
	mu sync.RWMutex

	filesMap             map[string][]*types.File
	pathsSet             map[string]struct{}
	idMap                map[string]*types.Task
	taskFile             map[string]*types.File
	errors               []*types.UnhandledError
	processTimeoutCauses []string
}

// New creates an empty state manager
func New() *Manager {
	return &Manager{
		filesMap: make(map[string][]*types.File),
		pathsSet: make(map[string]struct{}),
		idMap:    make(map[string]*types.Task),
		taskFile: make(map[string]*types.File),
	}
}

// CatchError records err as an unhandled error of the given type. Aggregates
// are decomposed recursively and pending markers turn their task into a skip.
func (m *Manager) CatchError(err error, errType string) {
	if err == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.catchError(err, errType)
}

func (m *Manager) catchError(err error, errType string) {
	var serialized *types.SerializedError
	isSerialized := errors.As(err, &serialized) && serialized == err
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		children := joined.Unwrap()
		if len(children) > 0 {
			for _, child := range children {
				m.catchError(child, errType)
			}
			return
		}
	}

	if taskID, ok := types.AsPending(err); ok {
		if task, found := m.idMap[taskID]; found {
			task.Mode = types.TaskModeSkip
			if task.Result == nil {
				task.Result = &types.TaskResult{}
			}
			task.Result.State = types.TaskStateSkip
		}
		return
	}

	unhandled := &types.UnhandledError{
		Type:    errType,
		Message: err.Error(),
	}
	if isSerialized {
		unhandled.Name = serialized.Name
		unhandled.Message = serialized.Message
		unhandled.Stack = serialized.Stack
		unhandled.Code = serialized.Code
		unhandled.TaskID = serialized.TaskID
	}
	m.errors = append(m.errors, unhandled)
}

// ClearErrors drops all recorded unhandled errors
func (m *Manager) ClearErrors() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = nil
}

// GetUnhandledErrors returns the recorded unhandled errors in arrival order
func (m *Manager) GetUnhandledErrors() []*types.UnhandledError {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.errors)
}

// AddProcessTimeoutCause records why a process could not shut down in time
func (m *Manager) AddProcessTimeoutCause(cause string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !slices.Contains(m.processTimeoutCauses, cause) {
		m.processTimeoutCauses = append(m.processTimeoutCauses, cause)
	}
}

// GetProcessTimeoutCauses returns the recorded shutdown timeout causes
func (m *Manager) GetProcessTimeoutCauses() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.processTimeoutCauses)
}

// CollectPaths remembers the test file paths announced for the current run
func (m *Manager) CollectPaths(paths []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range paths {
		m.pathsSet[p] = struct{}{}
	}
}

// GetPaths returns every announced test file path
func (m *Manager) GetPaths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	paths := make([]string, 0, len(m.pathsSet))
	for p := range m.pathsSet {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// CollectFiles replaces the stored file for each (path, project) pair. Logs
// from the replaced file are carried over.
func (m *Manager) CollectFiles(files []*types.File) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, file := range files {
		existing := m.filesMap[file.Filepath]
		kept := existing[:0:0]
		for _, prev := range existing {
			if prev.ProjectName == file.ProjectName {
				file.Logs = append(slices.Clone(prev.Logs), file.Logs...)
				carryTaskLogs(&prev.Task, &file.Task)
				m.forgetTasks(prev)
				continue
			}
			kept = append(kept, prev)
		}
		m.filesMap[file.Filepath] = append(kept, file)
		m.updateID(file)
	}
}

// ClearFiles resets the given paths of a project to placeholder files with no
// results or logs, so logs of the new run can attach before the worker
// reports the real tree.
func (m *Manager) ClearFiles(project ProjectRef, paths []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, path := range paths {
		file := newFileTask(path, project)
		existing := m.filesMap[path]
		if len(existing) == 0 {
			m.filesMap[path] = []*types.File{file}
			m.updateID(file)
			continue
		}
		replaced := false
		for i, prev := range existing {
			if prev.ProjectName == project.Name {
				m.forgetTasks(prev)
				existing[i] = file
				replaced = true
				break
			}
		}
		if !replaced {
			m.filesMap[path] = append(existing, file)
		}
		m.updateID(file)
	}
}

// CancelFiles records the given paths as skipped files of a project
func (m *Manager) CancelFiles(project ProjectRef, paths []string) {
	files := make([]*types.File, 0, len(paths))
	for _, path := range paths {
		file := newFileTask(path, project)
		file.Mode = types.TaskModeSkip
		file.Result = &types.TaskResult{State: types.TaskStateSkip}
		files = append(files, file)
	}
	m.CollectFiles(files)
}

// RemoveFile forgets every file stored for path
func (m *Manager) RemoveFile(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, file := range m.filesMap[path] {
		m.forgetTasks(file)
	}
	delete(m.filesMap, path)
	delete(m.pathsSet, path)
}

// HasFile reports whether any project has results for path
func (m *Manager) HasFile(path string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.filesMap[path]
	return ok
}

// GetFiles returns the stored files for the given paths, or all files when no
// paths are given.
func (m *Manager) GetFiles(keys ...string) []*types.File {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(keys) == 0 {
		keys = m.sortedPathsLocked()
	}
	var files []*types.File
	for _, key := range keys {
		files = append(files, m.filesMap[key]...)
	}
	return files
}

// GetFilepaths returns the path of every stored file
func (m *Manager) GetFilepaths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedPathsLocked()
}

// GetFailedFilepaths returns the paths of every stored file containing a failure
func (m *Manager) GetFailedFilepaths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var failed []string
	for _, path := range m.sortedPathsLocked() {
		for _, file := range m.filesMap[path] {
			if file.HasFailed() {
				failed = append(failed, path)
				break
			}
		}
	}
	return failed
}

// GetCountOfFailedTests counts failed test tasks across all files
func (m *Manager) GetCountOfFailedTests() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, task := range m.idMap {
		if task.Type == types.TaskTypeTest && task.State() == types.TaskStateFail {
			count++
		}
	}
	return count
}

// UpdateTasks applies streamed results. Packs for unknown ids are ignored.
func (m *Manager) UpdateTasks(packs []types.TaskResultPack) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pack := range packs {
		task, ok := m.idMap[pack.ID]
		if !ok {
			continue
		}
		task.Result = pack.Result
		if pack.Meta != nil {
			task.Meta = pack.Meta
		}
		if pack.Result != nil && pack.Result.State == types.TaskStateSkip {
			task.Mode = types.TaskModeSkip
		}
	}
}

// UpdateUserLog attaches a console log to its task. Logs of tasks not known
// yet, such as subtests that first appear in the final tree, attach to the
// owning file. Logs without a known task or file are dropped.
func (m *Manager) UpdateUserLog(entry types.UserConsoleLog) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.idMap[entry.TaskID]
	if !ok || entry.TaskID == "" {
		task, ok = m.idMap[entry.FileID]
	}
	if !ok {
		return
	}
	task.Logs = append(task.Logs, entry)
}

// TaskByID returns a known task
func (m *Manager) TaskByID(id string) (*types.Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.idMap[id]
	return task, ok
}

// ProjectOfTask returns the project name of the file owning the task
func (m *Manager) ProjectOfTask(id string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	file, ok := m.taskFile[id]
	if !ok {
		return "", false
	}
	return file.ProjectName, true
}

func (m *Manager) updateID(file *types.File) {
	file.Task.Walk(func(t *types.Task) {
		m.idMap[t.ID] = t
		m.taskFile[t.ID] = file
	})
}

func (m *Manager) forgetTasks(file *types.File) {
	file.Walk(func(t *types.Task) {
		delete(m.idMap, t.ID)
		delete(m.taskFile, t.ID)
	})
}

func (m *Manager) sortedPathsLocked() []string {
	paths := make([]string, 0, len(m.filesMap))
	for p := range m.filesMap {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// carryTaskLogs copies logs of tasks below the file root onto the tasks with
// the same id in the replacement tree.
func carryTaskLogs(prev, next *types.Task) {
	logs := make(map[string][]types.UserConsoleLog)
	for _, child := range prev.Tasks {
		child.Walk(func(t *types.Task) {
			if len(t.Logs) > 0 {
				logs[t.ID] = t.Logs
			}
		})
	}
	if len(logs) == 0 {
		return
	}
	for _, child := range next.Tasks {
		child.Walk(func(t *types.Task) {
			if prevLogs, ok := logs[t.ID]; ok {
				t.Logs = append(slices.Clone(prevLogs), t.Logs...)
			}
		})
	}
}

func newFileTask(path string, project ProjectRef) *types.File {
	rel, err := filepath.Rel(project.Root, path)
	if err != nil {
		rel = path
	}
	return types.NewFile(types.FileID(filepath.ToSlash(rel), project.Name), path, filepath.ToSlash(rel), project.Name)
}
