package rerun

import (
	"context"

	"github.com/ethereum-optimism/infra/op-rerun/reporting"
	"github.com/ethereum-optimism/infra/op-rerun/watcher"
)

// watch feeds watcher events to the scheduler until stopped
func (r *Rerun) watch(ctx context.Context) {
	defer r.wg.Done()
	events := r.watcher.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				r.log.Debug("Watcher closed, stopping event loop")
				return
			}
			r.handleEvent(ev)
		case <-r.done:
			r.log.Debug("Done signal received, stopping event loop")
			return
		case <-ctx.Done():
			r.log.Debug("Context canceled, stopping event loop")
			return
		}
	}
}

func (r *Rerun) handleEvent(ev watcher.Event) {
	r.log.Trace("File event", "op", ev.Op, "path", ev.Path)
	switch ev.Op {
	case watcher.OpChange:
		r.onChange(ev.Path)
	case watcher.OpUnlink:
		r.onUnlink(ev.Path)
	case watcher.OpAdd:
		r.onAdd(ev.Path)
	}
}

func (r *Rerun) onChange(path string) {
	if needsRerun := r.scheduler.HandleFileChanged(path); len(needsRerun) > 0 {
		r.scheduler.ScheduleRerun(needsRerun)
	}
}

// onUnlink drops a removed file from the pending changes, the projects, the
// state and the cache.
func (r *Rerun) onUnlink(path string) {
	r.scheduler.Forget(path)
	for _, p := range r.registry.Resolved() {
		if p.IsTestFile(path) {
			p.RemoveTestFile(path)
		}
	}
	r.coordinator.Report(r.ctx, func(rep reporting.Reporter) {
		if !r.state.HasFile(path) {
			return
		}
		r.state.RemoveFile(path)
		if r.cache != nil {
			r.cache.RemoveFromCache(path)
			r.cache.RemoveStats(path)
		}
		rep.OnTestRemoved(path)
	})
}

// onAdd registers a new test file with every project it matches. Other
// files may have been replaced in place and are handled as changes.
func (r *Rerun) onAdd(path string) {
	matched := false
	for _, p := range r.registry.Projects() {
		if p.IsTargetFile(path) {
			p.AddTestFile(path)
			matched = true
		}
	}
	if !matched {
		r.onChange(path)
		return
	}
	r.scheduler.MarkChanged(path)
	r.scheduler.ScheduleRerun([]string{path})
}
