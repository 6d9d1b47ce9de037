package rerun

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/ethereum-optimism/infra/op-rerun/metrics"
	"github.com/ethereum-optimism/infra/op-rerun/types"
)

// ErrStopped is returned by admin calls after shutdown started
var ErrStopped = errors.New("op-rerun is stopped")

// AdminAPI exposes the watch controls over RPC. Reruns are started in the
// background; the calls return once the rerun was accepted.
type AdminAPI struct {
	r *Rerun
}

// NewAdminAPI creates the admin API of r
func NewAdminAPI(r *Rerun) *AdminAPI {
	return &AdminAPI{r: r}
}

// RerunFailed serves admin_rerunFailed
func (a *AdminAPI) RerunFailed(_ context.Context) error {
	return a.background("rerunFailed", a.r.RerunFailed)
}

// RerunAll serves admin_rerunAll
func (a *AdminAPI) RerunAll(_ context.Context) error {
	return a.background("rerunAll", a.r.RerunAll)
}

// Cancel serves admin_cancel. It reports whether a run was in flight.
func (a *AdminAPI) Cancel(_ context.Context) (bool, error) {
	if a.r.Stopped() {
		return false, ErrStopped
	}
	running := a.r.coordinator.IsRunning()
	if running {
		a.r.CancelCurrentRun(types.CancelReasonKeyboardInput)
	}
	return running, nil
}

// SetFilenamePattern serves admin_setFilenamePattern
func (a *AdminAPI) SetFilenamePattern(_ context.Context, pattern string) error {
	return a.background("setFilenamePattern", func(ctx context.Context) error {
		return a.r.ChangeFilenamePattern(ctx, pattern)
	})
}

// SetNamePattern serves admin_setNamePattern. Invalid patterns are rejected
// before anything is rerun.
func (a *AdminAPI) SetNamePattern(_ context.Context, pattern string) error {
	if _, err := regexp.Compile(pattern); err != nil {
		return fmt.Errorf("invalid test name pattern: %w", err)
	}
	return a.background("setNamePattern", func(ctx context.Context) error {
		return a.r.ChangeNamePattern(ctx, pattern)
	})
}

// SetProject serves admin_setProject
func (a *AdminAPI) SetProject(_ context.Context, pattern string) error {
	return a.background("setProject", func(ctx context.Context) error {
		return a.r.ChangeProjectName(ctx, pattern)
	})
}

// WatchTests serves admin_watchTests
func (a *AdminAPI) WatchTests(_ context.Context, paths []string) error {
	if a.r.Stopped() {
		return ErrStopped
	}
	a.r.WatchTests(paths)
	return nil
}

// background runs fn on the service context so it outlives the RPC call
func (a *AdminAPI) background(name string, fn func(context.Context) error) error {
	if !a.r.track() {
		return ErrStopped
	}
	go func() {
		defer a.r.wg.Done()
		if err := fn(a.r.ctx); err != nil {
			a.r.log.Error("Admin request failed", "method", name, "err", err)
			metrics.RecordErrorDetails("admin_"+name, err)
		}
	}()
	return nil
}
