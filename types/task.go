package types

import (
	"fmt"
	"hash/fnv"
	"strings"
	"time"
)

// TaskState represents the lifecycle state of a task result
type TaskState string

const (
	TaskStateRun     TaskState = "run"
	TaskStatePass    TaskState = "pass"
	TaskStateFail    TaskState = "fail"
	TaskStateSkip    TaskState = "skip"
	TaskStatePending TaskState = "pending"
)

// TaskMode controls whether a task is executed at all
type TaskMode string

const (
	TaskModeRun  TaskMode = "run"
	TaskModeSkip TaskMode = "skip"
	TaskModeTodo TaskMode = "todo"
)

// TaskType distinguishes file, suite and test nodes
type TaskType string

const (
	TaskTypeFile  TaskType = "file"
	TaskTypeSuite TaskType = "suite"
	TaskTypeTest  TaskType = "test"
)

// TaskError is a serializable failure attached to a task result
type TaskError struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// TaskResult captures the outcome of a task
type TaskResult struct {
	State     TaskState     `json:"state"`
	StartTime time.Time     `json:"startTime,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Errors    []TaskError   `json:"errors,omitempty"`
}

// Task is a node of the test tree. Suites carry children, tests do not.
type Task struct {
	ID     string           `json:"id"`
	Name   string           `json:"name"`
	Type   TaskType         `json:"type"`
	Mode   TaskMode         `json:"mode"`
	FileID string           `json:"fileId"`
	Result *TaskResult      `json:"result,omitempty"`
	Meta   map[string]any   `json:"meta,omitempty"`
	Logs   []UserConsoleLog `json:"logs,omitempty"`
	Tasks  []*Task          `json:"tasks,omitempty"`
}

// File is the root task for a single test file within a project
type File struct {
	Task
	Filepath    string `json:"filepath"`
	ProjectName string `json:"projectName"`
}

// TaskResultPack is a streamed update for a single task
type TaskResultPack struct {
	ID     string         `json:"id"`
	Result *TaskResult    `json:"result,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

// ConsoleStream is the origin of a console log
type ConsoleStream string

const (
	ConsoleStdout ConsoleStream = "stdout"
	ConsoleStderr ConsoleStream = "stderr"
)

// UserConsoleLog is a chunk of output produced while a task was running
type UserConsoleLog struct {
	Content string        `json:"content"`
	Type    ConsoleStream `json:"type"`
	TaskID  string        `json:"taskId,omitempty"`
	FileID  string        `json:"fileId,omitempty"`
	Time    time.Time     `json:"time"`
	Size    int           `json:"size"`
}

// CancelReason tags a cancellation request
type CancelReason string

const (
	CancelReasonKeyboardInput CancelReason = "keyboard-input"
	CancelReasonTestFailure   CancelReason = "test-failure"
	CancelReasonConfigChange  CancelReason = "config-change"
	CancelReasonShutdown      CancelReason = "shutdown"
)

// GenerateHash returns a short stable identifier for the given string
func GenerateHash(s string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return fmt.Sprintf("%016x", h.Sum64())[:10]
}

// FileID returns the stable id of the file task for a path relative to the
// project root.
func FileID(relPath string, projectName string) string {
	return GenerateHash(relPath + projectName)
}

// TaskID returns the stable id of a test identified by its full go test name,
// e.g. "TestFoo/sub_case".
func TaskID(fileID string, testName string) string {
	return fileID + "_" + GenerateHash(testName)
}

// NewFile creates an empty file task
func NewFile(id, filepath, name, projectName string) *File {
	return &File{
		Task: Task{
			ID:     id,
			Name:   name,
			Type:   TaskTypeFile,
			Mode:   TaskModeRun,
			FileID: id,
		},
		Filepath:    filepath,
		ProjectName: projectName,
	}
}

// State returns the state of the task, or an empty state if there is no result yet
func (t *Task) State() TaskState {
	if t == nil || t.Result == nil {
		return ""
	}
	return t.Result.State
}

// Walk visits the task and all of its descendants depth-first
func (t *Task) Walk(fn func(*Task)) {
	if t == nil {
		return
	}
	fn(t)
	for _, child := range t.Tasks {
		child.Walk(fn)
	}
}

// Find returns the descendant with the given id
func (t *Task) Find(id string) *Task {
	var found *Task
	t.Walk(func(task *Task) {
		if found == nil && task.ID == id {
			found = task
		}
	})
	return found
}

// HasFailed reports whether the task or any descendant failed
func (t *Task) HasFailed() bool {
	failed := false
	t.Walk(func(task *Task) {
		if task.State() == TaskStateFail {
			failed = true
		}
	})
	return failed
}

// Tests returns all leaf test tasks under this task
func (t *Task) Tests() []*Task {
	var tests []*Task
	t.Walk(func(task *Task) {
		if task.Type == TaskTypeTest {
			tests = append(tests, task)
		}
	})
	return tests
}

// HasFailedFiles reports whether any of the files contains a failure
func HasFailedFiles(files []*File) bool {
	for _, f := range files {
		if f.HasFailed() {
			return true
		}
	}
	return false
}

// DisplayName returns the last segment of a go test name
func DisplayName(testName string) string {
	if idx := strings.LastIndex(testName, "/"); idx >= 0 {
		return testName[idx+1:]
	}
	return testName
}
