package reporting

import (
	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-rerun/types"
)

// LogReporter writes a structured summary of every run to a logger
type LogReporter struct {
	NoopReporter
	log   log.Logger
	watch bool
}

// NewLogReporter creates a log reporter. In watch mode it also announces when
// it is waiting for file changes.
func NewLogReporter(logger log.Logger, watch bool) *LogReporter {
	if logger == nil {
		logger = log.New()
	}
	return &LogReporter{log: logger.New("component", "reporter"), watch: watch}
}

func (r *LogReporter) OnInit(projects []string) {
	r.log.Info("Initialized workspace", "projects", projects)
}

func (r *LogReporter) OnPathsCollected(paths []string) {
	r.log.Debug("Collected test files", "count", len(paths))
}

func (r *LogReporter) OnFinished(files []*types.File, errs []*types.UnhandledError, _ any) {
	summary := Summarize(files)
	for _, f := range files {
		if f.HasFailed() {
			r.log.Warn("Test file failed", "project", f.ProjectName, "file", f.Name)
			for _, test := range f.Tests() {
				if test.State() != types.TaskStateFail {
					continue
				}
				var msg string
				if len(test.Result.Errors) > 0 {
					msg = test.Result.Errors[0].Message
				}
				r.log.Warn("Test failed", "test", test.Name, "error", msg)
			}
		}
	}
	for _, e := range errs {
		r.log.Error("Unhandled error", "type", e.Type, "message", e.Message, "task", e.TaskID)
	}
	r.log.Info("Run finished",
		"status", summary.Status(errs),
		"files", summary.Files,
		"failedFiles", summary.FilesFailed,
		"tests", summary.Tests,
		"passed", summary.Passed,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
		"errors", len(errs),
		"duration", summary.Duration)
}

func (r *LogReporter) OnWatcherStart(files []*types.File, errs []*types.UnhandledError) {
	if !r.watch {
		return
	}
	if types.HasFailedFiles(files) || len(errs) > 0 {
		r.log.Warn("Tests failed, watching for file changes")
		return
	}
	r.log.Info("Tests passed, watching for file changes")
}

func (r *LogReporter) OnWatcherRerun(files []string, trigger string) {
	r.log.Info("Rerunning tests", "files", len(files), "trigger", trigger)
}

func (r *LogReporter) OnTestRemoved(path string) {
	r.log.Info("Test file removed", "file", path)
}

func (r *LogReporter) OnProcessTimeout(causes []string) {
	r.log.Error("Process did not shut down in time", "causes", causes)
}
