package reporting

import (
	"github.com/ethereum-optimism/infra/op-rerun/metrics"
	"github.com/ethereum-optimism/infra/op-rerun/types"
)

// MetricsReporter exports run outcomes as prometheus metrics
type MetricsReporter struct {
	NoopReporter
}

func (MetricsReporter) OnFinished(files []*types.File, errs []*types.UnhandledError, _ any) {
	summary := Summarize(files)
	for _, f := range files {
		metrics.RecordFile(f)
	}
	for _, e := range errs {
		metrics.RecordUnhandledError(e.Type)
	}
	metrics.RecordRun(summary.Status(errs) == types.TaskStateFail, summary.Duration)
}

func (MetricsReporter) OnWatcherRerun(_ []string, trigger string) {
	metrics.RecordRerun(trigger)
}

func (MetricsReporter) OnProcessTimeout(_ []string) {
	metrics.RecordError("process_timeout")
}
