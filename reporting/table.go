package reporting

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ethereum-optimism/infra/op-rerun/types"
	"github.com/ethereum-optimism/infra/op-rerun/ui"
)

// TableReporter prints a result table with the task tree of every file
type TableReporter struct {
	NoopReporter
	out io.Writer
}

// NewTableReporter creates a table reporter writing to out, or stdout if nil
func NewTableReporter(out io.Writer) *TableReporter {
	if out == nil {
		out = os.Stdout
	}
	return &TableReporter{out: out}
}

func (r *TableReporter) OnFinished(files []*types.File, errs []*types.UnhandledError, _ any) {
	summary := Summarize(files)

	t := table.NewWriter()
	t.SetOutputMirror(r.out)
	t.SetTitle(fmt.Sprintf("Test Results (%s)", formatDuration(summary.Duration)))
	t.AppendHeader(table.Row{"Type", "Project", "Name", "Duration", "Tests", "Passed", "Failed", "Skipped", "Status", "Error"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Type", AutoMerge: true},
		{Name: "Name", WidthMax: 60, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Duration", Align: text.AlignRight},
		{Name: "Tests", Align: text.AlignRight},
		{Name: "Passed", Align: text.AlignRight},
		{Name: "Failed", Align: text.AlignRight},
		{Name: "Skipped", Align: text.AlignRight},
		{Name: "Error", WidthMax: 80, WidthMaxEnforcer: text.WrapSoft},
	})

	for _, f := range files {
		fs := Summarize([]*types.File{f})
		t.AppendRow(table.Row{
			"File", f.ProjectName, f.Name, formatDuration(resultDuration(&f.Task)),
			fs.Tests, fs.Passed, fs.Failed, fs.Skipped, formatState(fileState(f)), firstError(&f.Task),
		})
		appendTaskRows(t, f.ProjectName, f.Tasks, 1, nil)
	}

	for _, e := range errs {
		t.AppendRow(table.Row{"Error", "", e.Type, "-", "-", "-", "-", "-", formatState(types.TaskStateFail), e.Message})
	}

	t.AppendSeparator()
	t.AppendFooter(table.Row{
		"Total", "", fmt.Sprintf("%d files", summary.Files), formatDuration(summary.Duration),
		summary.Tests, summary.Passed, summary.Failed, summary.Skipped, formatState(summary.Status(errs)), "",
	})
	t.Render()
}

func (r *TableReporter) OnProcessTimeout(causes []string) {
	_, _ = fmt.Fprint(r.out, ui.Banner("Process did not exit in time", causes, 60))
}

func appendTaskRows(t table.Writer, project string, tasks []*types.Task, depth int, ancestorsLast []bool) {
	for i, task := range tasks {
		isLast := i == len(tasks)-1
		prefix := ui.TreePrefix(depth, isLast, ancestorsLast)
		kind := "Test"
		if task.Type == types.TaskTypeSuite || len(task.Tasks) > 0 {
			kind = "Suite"
		}
		t.AppendRow(table.Row{
			kind, project, prefix + types.DisplayName(task.Name), formatDuration(resultDuration(task)),
			"-", "-", "-", "-", formatState(task.State()), firstError(task),
		})
		if len(task.Tasks) > 0 {
			appendTaskRows(t, project, task.Tasks, depth+1, append(append([]bool(nil), ancestorsLast...), isLast))
		}
	}
}

func fileState(f *types.File) types.TaskState {
	if f.HasFailed() {
		return types.TaskStateFail
	}
	return f.State()
}

func resultDuration(t *types.Task) time.Duration {
	if t.Result == nil {
		return 0
	}
	return t.Result.Duration
}

func firstError(t *types.Task) string {
	if t.Result == nil || len(t.Result.Errors) == 0 {
		return ""
	}
	return strings.TrimSpace(t.Result.Errors[0].Message)
}

func formatState(state types.TaskState) string {
	switch state {
	case types.TaskStatePass:
		return "✓ pass"
	case types.TaskStateFail:
		return "✗ fail"
	case types.TaskStateSkip:
		return "- skip"
	case "":
		return "? pending"
	default:
		return string(state)
	}
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return "-"
	}
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(10 * time.Millisecond).String()
}
