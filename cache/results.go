package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-rerun/types"
)

const (
	resultsKey   = "results"
	cacheVersion = "1"
)

// SuiteResult is the cached outcome of a file in a project
type SuiteResult struct {
	Failed   bool          `json:"failed"`
	Duration time.Duration `json:"duration"`
}

// FileStats is the cached size and modification time of a file
type FileStats struct {
	Size    int64 `json:"size"`
	MtimeMs int64 `json:"mtimeMs"`
}

type snapshot struct {
	Version string                 `json:"version"`
	Results map[string]SuiteResult `json:"results"`
	Stats   map[string]FileStats   `json:"stats"`
}

// Results holds file results and stats in memory and persists them to a Store
type Results struct {
	log   log.Logger
	store Store

	mu      sync.RWMutex
	results map[string]SuiteResult
	stats   map[string]FileStats
}

// NewResults creates a results cache on top of store
func NewResults(store Store, logger log.Logger) *Results {
	if logger == nil {
		logger = log.New()
	}
	return &Results{
		log:     logger.New("component", "cache"),
		store:   store,
		results: make(map[string]SuiteResult),
		stats:   make(map[string]FileStats),
	}
}

// ResultKey identifies a file within a project
func ResultKey(projectName, path string) string {
	return projectName + ":" + path
}

// ReadFromCache loads persisted results. Missing, stale or corrupt data is
// logged and ignored.
func (c *Results) ReadFromCache(ctx context.Context) {
	data, err := c.store.Get(ctx, resultsKey)
	if errors.Is(err, ErrNotFound) {
		return
	}
	if err != nil {
		c.log.Warn("Failed to read results cache", "err", err)
		return
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		c.log.Warn("Ignoring corrupt results cache", "err", err)
		return
	}
	if snap.Version != cacheVersion {
		c.log.Info("Ignoring results cache from another version", "version", snap.Version)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range snap.Results {
		c.results[k] = v
	}
	for k, v := range snap.Stats {
		if _, ok := c.stats[k]; !ok {
			c.stats[k] = v
		}
	}
}

// UpdateResults records the outcome of finished files
func (c *Results) UpdateResults(files []*types.File) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, file := range files {
		if file.Result == nil || file.Result.State == types.TaskStateSkip {
			continue
		}
		duration := file.Result.Duration
		if duration == 0 {
			for _, test := range file.Tests() {
				if test.Result != nil {
					duration += test.Result.Duration
				}
			}
		}
		c.results[ResultKey(file.ProjectName, file.Filepath)] = SuiteResult{
			Failed:   file.HasFailed(),
			Duration: duration,
		}
	}
}

// WriteToCache persists the current results and stats
func (c *Results) WriteToCache(ctx context.Context) error {
	c.mu.RLock()
	snap := snapshot{
		Version: cacheVersion,
		Results: make(map[string]SuiteResult, len(c.results)),
		Stats:   make(map[string]FileStats, len(c.stats)),
	}
	for k, v := range c.results {
		snap.Results[k] = v
	}
	for k, v := range c.stats {
		snap.Stats[k] = v
	}
	c.mu.RUnlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode results cache: %w", err)
	}
	if err := c.store.Put(ctx, resultsKey, data); err != nil {
		return fmt.Errorf("failed to write results cache: %w", err)
	}
	return nil
}

// GetResults returns the cached result of a file in a project
func (c *Results) GetResults(key string) (SuiteResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	res, ok := c.results[key]
	return res, ok
}

// RemoveFromCache drops every project result of path
func (c *Results) RemoveFromCache(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.results {
		if strings.HasSuffix(key, ":"+path) {
			delete(c.results, key)
		}
	}
}

// UpdateStats refreshes the stats of path from the filesystem
func (c *Results) UpdateStats(path string) error {
	stats, err := statFile(path)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats[path] = stats
	return nil
}

// PopulateStats refreshes the stats of every path, ignoring unreadable files
func (c *Results) PopulateStats(paths []string) {
	for _, p := range paths {
		if err := c.UpdateStats(p); err != nil {
			c.log.Debug("Failed to stat file", "path", p, "err", err)
		}
	}
}

// GetStats returns the cached stats of path
func (c *Results) GetStats(path string) (FileStats, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stats, ok := c.stats[path]
	return stats, ok
}

// RemoveStats forgets the stats of path
func (c *Results) RemoveStats(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.stats, path)
}

// ChangedSinceCache reports whether path differs from its cached stats.
// Unknown or unreadable files count as changed.
func (c *Results) ChangedSinceCache(path string) bool {
	current, err := statFile(path)
	if err != nil {
		return true
	}
	cached, ok := c.GetStats(path)
	return !ok || cached != current
}

// Close releases the underlying store
func (c *Results) Close() error {
	return c.store.Close()
}

func statFile(path string) (FileStats, error) {
	info, err := os.Stat(path)
	if err != nil {
		return FileStats{}, err
	}
	return FileStats{Size: info.Size(), MtimeMs: info.ModTime().UnixMilli()}, nil
}
