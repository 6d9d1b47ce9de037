// Package reporting defines the reporter capability set and the built-in reporters.
package reporting

import (
	"errors"
	"io"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-rerun/types"
)

// Reporter receives lifecycle notifications from the orchestrator. Calls are
// made in order from a single goroutine.
type Reporter interface {
	OnInit(projects []string)
	OnPathsCollected(paths []string)
	OnSpecsCollected(specs []types.SerializableSpec)
	OnCollected(files []*types.File)
	OnTaskUpdate(packs []types.TaskResultPack)
	OnUserConsoleLog(entry types.UserConsoleLog)
	OnFinished(files []*types.File, errs []*types.UnhandledError, coverage any)
	OnWatcherStart(files []*types.File, errs []*types.UnhandledError)
	OnWatcherRerun(files []string, trigger string)
	OnTestRemoved(path string)
	OnProcessTimeout(causes []string)
}

// NoopReporter implements every notification as a no-op. Embed it to
// implement only the notifications a reporter cares about.
type NoopReporter struct{}

func (NoopReporter) OnInit([]string)                                        {}
func (NoopReporter) OnPathsCollected([]string)                              {}
func (NoopReporter) OnSpecsCollected([]types.SerializableSpec)              {}
func (NoopReporter) OnCollected([]*types.File)                              {}
func (NoopReporter) OnTaskUpdate([]types.TaskResultPack)                    {}
func (NoopReporter) OnUserConsoleLog(types.UserConsoleLog)                  {}
func (NoopReporter) OnFinished([]*types.File, []*types.UnhandledError, any) {}
func (NoopReporter) OnWatcherStart([]*types.File, []*types.UnhandledError)  {}
func (NoopReporter) OnWatcherRerun([]string, string)                        {}
func (NoopReporter) OnTestRemoved(string)                                   {}
func (NoopReporter) OnProcessTimeout([]string)                              {}

var _ Reporter = NoopReporter{}

// Multi fans notifications out to several reporters. A panicking reporter is
// logged and does not prevent the others from being notified.
type Multi struct {
	log       log.Logger
	reporters []Reporter
}

// NewMulti creates a fan-out reporter
func NewMulti(logger log.Logger, reporters ...Reporter) *Multi {
	if logger == nil {
		logger = log.New()
	}
	return &Multi{log: logger.New("component", "reporter"), reporters: reporters}
}

// Add appends a reporter
func (m *Multi) Add(r Reporter) {
	m.reporters = append(m.reporters, r)
}

func (m *Multi) each(event string, fn func(Reporter)) {
	for _, r := range m.reporters {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					m.log.Error("Reporter panicked", "event", event, "panic", rec)
				}
			}()
			fn(r)
		}()
	}
}

func (m *Multi) OnInit(projects []string) {
	m.each("init", func(r Reporter) { r.OnInit(projects) })
}

func (m *Multi) OnPathsCollected(paths []string) {
	m.each("pathsCollected", func(r Reporter) { r.OnPathsCollected(paths) })
}

func (m *Multi) OnSpecsCollected(specs []types.SerializableSpec) {
	m.each("specsCollected", func(r Reporter) { r.OnSpecsCollected(specs) })
}

func (m *Multi) OnCollected(files []*types.File) {
	m.each("collected", func(r Reporter) { r.OnCollected(files) })
}

func (m *Multi) OnTaskUpdate(packs []types.TaskResultPack) {
	m.each("taskUpdate", func(r Reporter) { r.OnTaskUpdate(packs) })
}

func (m *Multi) OnUserConsoleLog(entry types.UserConsoleLog) {
	m.each("userConsoleLog", func(r Reporter) { r.OnUserConsoleLog(entry) })
}

func (m *Multi) OnFinished(files []*types.File, errs []*types.UnhandledError, coverage any) {
	m.each("finished", func(r Reporter) { r.OnFinished(files, errs, coverage) })
}

func (m *Multi) OnWatcherStart(files []*types.File, errs []*types.UnhandledError) {
	m.each("watcherStart", func(r Reporter) { r.OnWatcherStart(files, errs) })
}

func (m *Multi) OnWatcherRerun(files []string, trigger string) {
	m.each("watcherRerun", func(r Reporter) { r.OnWatcherRerun(files, trigger) })
}

func (m *Multi) OnTestRemoved(path string) {
	m.each("testRemoved", func(r Reporter) { r.OnTestRemoved(path) })
}

func (m *Multi) OnProcessTimeout(causes []string) {
	m.each("processTimeout", func(r Reporter) { r.OnProcessTimeout(causes) })
}

// Close closes every reporter that holds resources
func (m *Multi) Close() error {
	var errs []error
	for _, r := range m.reporters {
		if c, ok := r.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Summary aggregates the results of a set of files
type Summary struct {
	Files       int
	FilesFailed int
	FilesSkip   int
	Tests       int
	Passed      int
	Failed      int
	Skipped     int
	Pending     int
	Duration    time.Duration
}

// Summarize counts files and tests by state
func Summarize(files []*types.File) Summary {
	var s Summary
	for _, f := range files {
		s.Files++
		switch {
		case f.HasFailed():
			s.FilesFailed++
		case f.State() == types.TaskStateSkip:
			s.FilesSkip++
		}
		if f.Result != nil {
			s.Duration += f.Result.Duration
		}
		for _, test := range f.Tests() {
			s.Tests++
			switch test.State() {
			case types.TaskStatePass:
				s.Passed++
			case types.TaskStateFail:
				s.Failed++
			case types.TaskStateSkip:
				s.Skipped++
			default:
				s.Pending++
			}
		}
	}
	return s
}

// Status returns "fail" when any file failed or unhandled errors were recorded
func (s Summary) Status(errs []*types.UnhandledError) types.TaskState {
	if s.FilesFailed > 0 || len(errs) > 0 {
		return types.TaskStateFail
	}
	if s.Files > 0 && s.FilesSkip == s.Files {
		return types.TaskStateSkip
	}
	return types.TaskStatePass
}
