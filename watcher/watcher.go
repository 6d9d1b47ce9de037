// Package watcher reports file changes below a root directory as change, add
// and unlink events.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/ethereum/go-ethereum/log"
	"github.com/fsnotify/fsnotify"

	"github.com/ethereum-optimism/infra/op-rerun/metrics"
)

// Op is the kind of a file event
type Op string

const (
	OpChange Op = "change"
	OpAdd    Op = "add"
	OpUnlink Op = "unlink"
)

// DefaultIgnore lists directories that are never watched
var DefaultIgnore = []string{"**/.git/**", "**/node_modules/**"}

// Event is a change of a single file
type Event struct {
	Op   Op
	Path string
}

// Config holds the watcher configuration
type Config struct {
	Log    log.Logger
	Root   string
	Ignore []string
	Buffer int
}

// Watcher watches a directory tree. New directories are watched as they appear.
type Watcher struct {
	log    log.Logger
	root   string
	ignore []string
	fs     *fsnotify.Watcher
	events chan Event

	dirsMu sync.Mutex
	dirs   map[string]struct{}

	running atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a watcher for cfg.Root. Nothing is watched until Start.
func New(cfg Config) (*Watcher, error) {
	if cfg.Root == "" {
		return nil, errors.New("watch root is required")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve watch root: %w", err)
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	if cfg.Ignore == nil {
		cfg.Ignore = DefaultIgnore
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	for _, pattern := range cfg.Ignore {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid ignore pattern %q", pattern)
		}
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &Watcher{
		log:    cfg.Log.New("component", "watcher"),
		root:   root,
		ignore: cfg.Ignore,
		fs:     fsw,
		events: make(chan Event, cfg.Buffer),
		dirs:   make(map[string]struct{}),
		done:   make(chan struct{}),
	}, nil
}

// Events returns the event stream. It is closed after Stop.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Start watches the tree and begins emitting events
func (w *Watcher) Start(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return errors.New("watcher already started")
	}
	if err := w.addTree(w.root, false); err != nil {
		w.running.Store(false)
		return err
	}
	w.log.Info("Watching for file changes", "root", w.root, "dirs", w.watchedDirs())

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer close(w.events)
		w.loop(ctx)
	}()
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(ctx, ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Warn("File watcher error", "err", err)
			metrics.RecordErrorDetails("watcher", err)
		case <-w.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)
	if w.ignored(path) {
		return
	}
	switch {
	case ev.Has(fsnotify.Create):
		info, err := os.Stat(path)
		if err != nil {
			return
		}
		if info.IsDir() {
			if err := w.addTree(path, true); err != nil {
				w.log.Warn("Failed to watch new directory", "dir", path, "err", err)
			}
			return
		}
		w.emit(ctx, Event{Op: OpAdd, Path: path})
	case ev.Has(fsnotify.Write):
		w.emit(ctx, Event{Op: OpChange, Path: path})
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		if w.forgetDir(path) {
			return
		}
		w.emit(ctx, Event{Op: OpUnlink, Path: path})
	}
}

func (w *Watcher) emit(ctx context.Context, ev Event) {
	metrics.RecordWatcherEvent(string(ev.Op))
	select {
	case w.events <- ev:
	case <-w.done:
	case <-ctx.Done():
	}
}

// addTree watches dir and every directory below it. With announce set, files
// already present are emitted as added.
func (w *Watcher) addTree(dir string, announce bool) error {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if w.ignored(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			if announce {
				files = append(files, path)
			}
			return nil
		}
		if path != w.root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := w.fs.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		w.dirsMu.Lock()
		w.dirs[path] = struct{}{}
		w.dirsMu.Unlock()
		return nil
	})
	if err != nil {
		return err
	}
	for _, f := range files {
		w.emit(context.Background(), Event{Op: OpAdd, Path: f})
	}
	return nil
}

func (w *Watcher) forgetDir(path string) bool {
	w.dirsMu.Lock()
	defer w.dirsMu.Unlock()
	if _, ok := w.dirs[path]; !ok {
		return false
	}
	for dir := range w.dirs {
		if dir == path || strings.HasPrefix(dir, path+string(filepath.Separator)) {
			delete(w.dirs, dir)
		}
	}
	return true
}

func (w *Watcher) watchedDirs() int {
	w.dirsMu.Lock()
	defer w.dirsMu.Unlock()
	return len(w.dirs)
}

func (w *Watcher) ignored(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." {
		return false
	}
	rel = filepath.ToSlash(rel)
	for _, pattern := range w.ignore {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
		if ok, _ := doublestar.Match(pattern, rel+"/"); ok {
			return true
		}
	}
	return false
}

// Stop closes the underlying watcher. It is idempotent.
func (w *Watcher) Stop() error {
	if !w.running.CompareAndSwap(true, false) {
		return nil
	}
	close(w.done)
	return w.fs.Close()
}

// Stopped returns true if the watcher is not running
func (w *Watcher) Stopped() bool {
	return !w.running.Load()
}

// WaitForShutdown blocks until the event loop has exited
func (w *Watcher) WaitForShutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
