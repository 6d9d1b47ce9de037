package reporting

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/ethereum-optimism/infra/op-rerun/types"
)

const (
	// RunDirectoryPrefix prefixes every per-run log directory
	RunDirectoryPrefix = "testrun-"
	SummaryFileName    = "summary.log"
	FailedDirName      = "failed"
)

// AsyncFile writes to a file from a background goroutine
type AsyncFile struct {
	file    *os.File
	queue   chan []byte
	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
}

// NewAsyncFile creates path and starts its writer
func NewAsyncFile(path string) (*AsyncFile, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create file %s: %w", path, err)
	}
	af := &AsyncFile{
		file:  file,
		queue: make(chan []byte, 100),
	}
	af.wg.Add(1)
	go af.drain()
	return af, nil
}

// Write queues a copy of data
func (af *AsyncFile) Write(data []byte) error {
	af.mu.Lock()
	defer af.mu.Unlock()
	if af.stopped {
		return fmt.Errorf("async file is closed")
	}
	af.queue <- append([]byte(nil), data...)
	return nil
}

func (af *AsyncFile) drain() {
	defer af.wg.Done()
	for data := range af.queue {
		if _, err := af.file.Write(data); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing to file: %v\n", err)
		}
	}
}

// Close flushes pending writes and closes the file
func (af *AsyncFile) Close() error {
	af.mu.Lock()
	if !af.stopped {
		af.stopped = true
		close(af.queue)
	}
	af.mu.Unlock()
	af.wg.Wait()
	return af.file.Close()
}

// FileReporter keeps one log file per test file and a summary per run in
// <baseDir>/testrun-<id>/.
type FileReporter struct {
	NoopReporter
	log     log.Logger
	baseDir string

	mu       sync.Mutex
	runID    string
	runDir   string
	writers  map[string]*AsyncFile
	taskFile map[string]string
}

// NewFileReporter creates a reporter writing under baseDir
func NewFileReporter(baseDir string, logger log.Logger) (*FileReporter, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("baseDir cannot be empty")
	}
	if logger == nil {
		logger = log.New()
	}
	return &FileReporter{
		log:      logger.New("component", "file-reporter"),
		baseDir:  baseDir,
		writers:  make(map[string]*AsyncFile),
		taskFile: make(map[string]string),
	}, nil
}

// RunDir returns the directory of the current run
func (r *FileReporter) RunDir() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runDir
}

func (r *FileReporter) OnPathsCollected(_ []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeWritersLocked()
	r.runID = uuid.New().String()
	r.runDir = filepath.Join(r.baseDir, RunDirectoryPrefix+r.runID)
	if err := os.MkdirAll(filepath.Join(r.runDir, FailedDirName), 0o755); err != nil {
		r.log.Error("Failed to create run log directory", "dir", r.runDir, "err", err)
		r.runDir = ""
	}
}

func (r *FileReporter) OnCollected(files []*types.File) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range files {
		f.Walk(func(t *types.Task) {
			r.taskFile[t.ID] = f.Name
		})
		r.taskFile[f.ID] = f.Name
	}
}

func (r *FileReporter) OnUserConsoleLog(entry types.UserConsoleLog) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runDir == "" {
		return
	}
	name, ok := r.taskFile[entry.TaskID]
	if !ok {
		name = "unknown"
	}
	w, err := r.writerLocked(name)
	if err != nil {
		r.log.Warn("Failed to open log file", "file", name, "err", err)
		return
	}
	_ = w.Write([]byte(entry.Content))
}

func (r *FileReporter) OnFinished(files []*types.File, errs []*types.UnhandledError, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runDir == "" {
		return
	}
	r.closeWritersLocked()

	summary := Summarize(files)
	var sb strings.Builder
	fmt.Fprintf(&sb, "run: %s\nstatus: %s\n", r.runID, summary.Status(errs))
	fmt.Fprintf(&sb, "files: %d (failed %d)\ntests: %d passed: %d failed: %d skipped: %d\n",
		summary.Files, summary.FilesFailed, summary.Tests, summary.Passed, summary.Failed, summary.Skipped)
	for _, f := range files {
		if !f.HasFailed() {
			continue
		}
		fmt.Fprintf(&sb, "FAIL %s [%s]\n", f.Name, f.ProjectName)
		src := filepath.Join(r.runDir, logFileName(f.Name))
		if data, err := os.ReadFile(src); err == nil {
			_ = os.WriteFile(filepath.Join(r.runDir, FailedDirName, logFileName(f.Name)), data, 0o644)
		}
	}
	for _, e := range errs {
		fmt.Fprintf(&sb, "ERROR %s\n", e.String())
	}
	if err := os.WriteFile(filepath.Join(r.runDir, SummaryFileName), []byte(sb.String()), 0o644); err != nil {
		r.log.Error("Failed to write run summary", "err", err)
	}
}

// Close flushes open log files
func (r *FileReporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeWritersLocked()
	return nil
}

func (r *FileReporter) writerLocked(name string) (*AsyncFile, error) {
	if w, ok := r.writers[name]; ok {
		return w, nil
	}
	w, err := NewAsyncFile(filepath.Join(r.runDir, logFileName(name)))
	if err != nil {
		return nil, err
	}
	r.writers[name] = w
	return w, nil
}

func (r *FileReporter) closeWritersLocked() {
	for name, w := range r.writers {
		if err := w.Close(); err != nil {
			r.log.Warn("Failed to close log file", "file", name, "err", err)
		}
	}
	r.writers = make(map[string]*AsyncFile)
}

// logFileName flattens a relative test file path into a single file name
func logFileName(name string) string {
	return strings.ReplaceAll(filepath.ToSlash(name), "/", "_") + ".log"
}
