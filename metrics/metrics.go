package metrics

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ethereum-optimism/infra/op-rerun/types"
)

const (
	MetricsNamespace = "op_rerun"
)

var (
	Debug                bool = true
	nonAlphanumericRegex      = regexp.MustCompile(`[^a-zA-Z ]+`)

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "errors_total",
		Help:      "Count of errors",
	}, []string{
		"error",
	})

	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "runs_total",
		Help:      "Count of finished runs",
	}, []string{
		"result",
	})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: MetricsNamespace,
		Name:      "run_duration_seconds",
		Help:      "Wall time of finished runs",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
	})

	filesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "files_total",
		Help:      "Count of finished test files",
	}, []string{
		"project",
		"state",
	})

	testsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "tests_total",
		Help:      "Count of finished tests",
	}, []string{
		"project",
		"state",
	})

	reruns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "reruns_total",
		Help:      "Count of reruns triggered by file changes or requests",
	}, []string{
		"trigger",
	})

	watcherEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "watcher_events_total",
		Help:      "Count of file watcher events",
	}, []string{
		"type",
	})

	cancellations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "cancellations_total",
		Help:      "Count of run cancellations",
	}, []string{
		"reason",
	})

	unhandledErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "unhandled_errors_total",
		Help:      "Count of errors recorded outside of test results",
	}, []string{
		"type",
	})

	activeRun = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "run_active",
		Help:      "1 while a run is in flight",
	})
)

// errToLabel tries to make the error string a more valid Prometheus label
func errToLabel(err error) string {
	if err == nil {
		return "nil"
	}
	errClean := nonAlphanumericRegex.ReplaceAllString(err.Error(), "")
	errClean = strings.ReplaceAll(errClean, " ", "_")
	errClean = strings.ReplaceAll(errClean, "__", "_")
	return errClean
}

func RecordError(error string) {
	if Debug {
		log.Debug("metric inc",
			"m", "errors_total",
			"error", error,
		)
	}
	errorsTotal.WithLabelValues(error).Inc()
}

// RecordErrorDetails concats the error message to the label
// and also tries to clean the label to be a valid Prometheus label
func RecordErrorDetails(label string, err error) {
	if err == nil {
		return
	}
	label = fmt.Sprintf("%s.%s", label, errToLabel(err))
	RecordError(label)
}

// RecordRun records the outcome of a finished run
func RecordRun(failed bool, duration time.Duration) {
	result := "pass"
	if failed {
		result = "fail"
	}
	runsTotal.WithLabelValues(result).Inc()
	runDuration.Observe(duration.Seconds())
}

// RecordFile records the final state of a file and its tests
func RecordFile(file *types.File) {
	state := file.State()
	if state == "" {
		state = types.TaskStatePending
	}
	filesTotal.WithLabelValues(file.ProjectName, string(state)).Inc()
	for _, test := range file.Tests() {
		testState := test.State()
		if testState == "" {
			testState = types.TaskStatePending
		}
		testsTotal.WithLabelValues(file.ProjectName, string(testState)).Inc()
	}
}

func RecordRerun(trigger string) {
	reruns.WithLabelValues(trigger).Inc()
}

func RecordWatcherEvent(eventType string) {
	watcherEvents.WithLabelValues(eventType).Inc()
}

func RecordCancellation(reason types.CancelReason) {
	if Debug {
		log.Debug("metric inc", "m", "cancellations_total", "reason", reason)
	}
	cancellations.WithLabelValues(string(reason)).Inc()
}

func RecordUnhandledError(errType string) {
	unhandledErrors.WithLabelValues(errType).Inc()
}

func SetRunActive(active bool) {
	if active {
		activeRun.Set(1)
	} else {
		activeRun.Set(0)
	}
}
