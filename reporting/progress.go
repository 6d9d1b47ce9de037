package reporting

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-rerun/types"
)

const defaultProgressInterval = 30 * time.Second

// ProgressReporter periodically logs how far the current run has come and
// which tests have been running the longest.
type ProgressReporter struct {
	NoopReporter
	logger log.Logger
	ticker *time.Ticker
	stopCh chan struct{}
	once   sync.Once

	mu           sync.RWMutex
	names        map[string]string
	runningTests map[string]time.Time
	completed    int
	total        int
	runStart     time.Time
	active       bool
}

// NewProgressReporter starts a progress reporter logging every interval
func NewProgressReporter(logger log.Logger, interval time.Duration) *ProgressReporter {
	if interval == 0 {
		interval = defaultProgressInterval
	}
	if logger == nil {
		logger = log.New()
	}
	p := &ProgressReporter{
		logger:       logger.New("component", "progress"),
		ticker:       time.NewTicker(interval),
		stopCh:       make(chan struct{}),
		names:        make(map[string]string),
		runningTests: make(map[string]time.Time),
	}
	go p.loop()
	return p
}

func (p *ProgressReporter) OnPathsCollected(paths []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completed = 0
	p.total = 0
	p.runStart = time.Now()
	p.active = true
	p.names = make(map[string]string)
	p.runningTests = make(map[string]time.Time)
	p.logger.Info("Starting run", "files", len(paths))
}

func (p *ProgressReporter) OnCollected(files []*types.File) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, f := range files {
		for _, test := range f.Tests() {
			if _, ok := p.names[test.ID]; !ok {
				p.total++
			}
			p.names[test.ID] = test.Name
		}
	}
}

func (p *ProgressReporter) OnTaskUpdate(packs []types.TaskResultPack) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pack := range packs {
		name, known := p.names[pack.ID]
		if !known || pack.Result == nil {
			continue
		}
		switch pack.Result.State {
		case types.TaskStateRun:
			p.runningTests[name] = time.Now()
		case types.TaskStatePass, types.TaskStateFail, types.TaskStateSkip:
			if _, running := p.runningTests[name]; running {
				delete(p.runningTests, name)
			}
			p.completed++
			p.logger.Debug("Test completed", "test", name, "status", pack.Result.State, "completed", p.completed, "total", p.total)
		}
	}
}

func (p *ProgressReporter) OnFinished(files []*types.File, _ []*types.UnhandledError, _ any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = false
	p.runningTests = make(map[string]time.Time)
	p.logger.Info("Completed run", "files", len(files), "duration", time.Since(p.runStart).Truncate(time.Second))
}

// Close stops the periodic updates
func (p *ProgressReporter) Close() error {
	p.once.Do(func() {
		p.ticker.Stop()
		close(p.stopCh)
	})
	return nil
}

func (p *ProgressReporter) loop() {
	for {
		select {
		case <-p.ticker.C:
			p.reportProgress()
		case <-p.stopCh:
			return
		}
	}
}

func (p *ProgressReporter) reportProgress() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.active {
		return
	}

	var percentComplete float64
	if p.total > 0 {
		percentComplete = float64(p.completed) * 100.0 / float64(p.total)
	}
	p.logger.Info("Progress update",
		"completed", p.completed,
		"total", p.total,
		"percent", fmt.Sprintf("%.1f%%", percentComplete),
		"numRunning", len(p.runningTests),
		"longestRunning", formatRunningTests(p.runningTests, 3))
}

// formatRunningTests lists the longest running tests first, up to maxShow
func formatRunningTests(runningTests map[string]time.Time, maxShow int) string {
	if len(runningTests) == 0 {
		return ""
	}
	type runningTest struct {
		name     string
		duration time.Duration
	}
	now := time.Now()
	running := make([]runningTest, 0, len(runningTests))
	for name, start := range runningTests {
		running = append(running, runningTest{name: name, duration: now.Sub(start)})
	}
	sort.Slice(running, func(i, j int) bool {
		if running[i].duration == running[j].duration {
			return running[i].name < running[j].name
		}
		return running[i].duration > running[j].duration
	})

	var parts []string
	for i, test := range running {
		if i >= maxShow {
			break
		}
		parts = append(parts, fmt.Sprintf("%s (%v)", test.name, test.duration.Truncate(time.Second)))
	}
	if len(running) > maxShow {
		parts = append(parts, fmt.Sprintf("+%d more", len(running)-maxShow))
	}
	return strings.Join(parts, ", ")
}
