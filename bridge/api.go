package bridge

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/ethereum-optimism/infra/op-rerun/metrics"
	"github.com/ethereum-optimism/infra/op-rerun/reporting"
	"github.com/ethereum-optimism/infra/op-rerun/state"
	"github.com/ethereum-optimism/infra/op-rerun/types"
	"github.com/ethereum-optimism/infra/op-rerun/workspace"
)

// Namespace is the RPC namespace workers talk to
const Namespace = "rerun"

// Canceller receives cancellation requests coming from workers
type Canceller interface {
	CancelCurrentRun(reason types.CancelReason)
}

// RuntimeAPI serves the worker contract for a single project. Mutations are
// applied through the shared dispatcher so updates from concurrent workers are
// merged in arrival order.
type RuntimeAPI struct {
	log        log.Logger
	project    *workspace.Project
	state      *state.Manager
	reporter   reporting.Reporter
	canceller  Canceller
	dispatcher *Dispatcher
	cancelFeed *event.FeedOf[types.CancelReason]
}

// NewRuntimeAPI creates the handler set of a project
func NewRuntimeAPI(project *workspace.Project, st *state.Manager, reporter reporting.Reporter, canceller Canceller, dispatcher *Dispatcher, logger log.Logger) *RuntimeAPI {
	if logger == nil {
		logger = log.New()
	}
	return &RuntimeAPI{
		log:        logger.New("component", "runtime-api", "project", project.Name()),
		project:    project,
		state:      st,
		reporter:   reporter,
		canceller:  canceller,
		dispatcher: dispatcher,
	}
}

// FetchModule transforms a module and records its local dependencies in the
// project graph.
func (api *RuntimeAPI) FetchModule(ctx context.Context, id string, mode string) (*types.FetchResult, error) {
	res, err := api.project.Loader().FetchModule(ctx, id)
	if err != nil {
		metrics.RecordErrorDetails("fetch_module", err)
		return nil, fmt.Errorf("failed to fetch %s: %w", id, err)
	}
	err = api.dispatcher.Do(ctx, func() {
		api.project.Graph().SetImports(res.ID, res.Deps)
	})
	if err != nil {
		return nil, err
	}
	api.log.Trace("Fetched module", "id", id, "mode", mode, "deps", len(res.Deps))
	return res, nil
}

// ResolveID resolves an import path as seen from importer
func (api *RuntimeAPI) ResolveID(ctx context.Context, id string, importer string, mode string) (*types.ResolveResult, error) {
	res, err := api.project.Loader().ResolveID(ctx, id, importer)
	if err != nil {
		return nil, err
	}
	api.log.Trace("Resolved import", "id", id, "importer", importer, "mode", mode, "resolved", res.ID)
	return res, nil
}

func (api *RuntimeAPI) OnPathsCollected(ctx context.Context, paths []string) error {
	return api.dispatcher.Do(ctx, func() {
		api.state.CollectPaths(paths)
		api.reporter.OnPathsCollected(paths)
	})
}

func (api *RuntimeAPI) OnCollected(ctx context.Context, files []*types.File) error {
	return api.dispatcher.Do(ctx, func() {
		api.state.CollectFiles(files)
		api.reporter.OnCollected(files)
	})
}

func (api *RuntimeAPI) OnTaskUpdate(ctx context.Context, packs []types.TaskResultPack) error {
	return api.dispatcher.Do(ctx, func() {
		api.state.UpdateTasks(packs)
		api.reporter.OnTaskUpdate(packs)
	})
}

func (api *RuntimeAPI) OnUserConsoleLog(ctx context.Context, entry types.UserConsoleLog) error {
	return api.dispatcher.Do(ctx, func() {
		api.state.UpdateUserLog(entry)
		api.reporter.OnUserConsoleLog(entry)
	})
}

func (api *RuntimeAPI) OnUnhandledError(ctx context.Context, serialized types.SerializedError, errType string) error {
	if errType == "" {
		errType = "Unhandled Error"
	}
	api.log.Warn("Worker reported unhandled error", "type", errType, "err", serialized.Message)
	return api.dispatcher.Do(ctx, func() {
		api.state.CatchError(&serialized, errType)
	})
}

// OnFinished merges the final trees of a worker. Reporters are notified once
// per run by the coordinator, not here.
func (api *RuntimeAPI) OnFinished(ctx context.Context, files []*types.File) error {
	return api.dispatcher.Do(ctx, func() {
		api.state.CollectFiles(files)
	})
}

// OnCancel takes effect immediately rather than waiting behind queued updates
func (api *RuntimeAPI) OnCancel(_ context.Context, reason types.CancelReason) error {
	api.log.Info("Worker requested cancellation", "reason", reason)
	api.canceller.CancelCurrentRun(reason)
	return nil
}

// Cancellations serves rerun_subscribe("cancellations"). Subscribed workers
// are notified with the reason whenever the current run is cancelled.
// Subscriptions need a WebSocket or in-process connection.
func (api *RuntimeAPI) Cancellations(ctx context.Context) (*rpc.Subscription, error) {
	notifier, supported := rpc.NotifierFromContext(ctx)
	if !supported || api.cancelFeed == nil {
		return &rpc.Subscription{}, rpc.ErrNotificationsUnsupported
	}
	sub := notifier.CreateSubscription()
	reasons := make(chan types.CancelReason, 4)
	feedSub := api.cancelFeed.Subscribe(reasons)
	go func() {
		defer feedSub.Unsubscribe()
		for {
			select {
			case reason := <-reasons:
				if err := notifier.Notify(sub.ID, reason); err != nil {
					api.log.Debug("Failed to notify cancellation", "err", err)
				}
			case <-sub.Err():
				return
			}
		}
	}()
	return sub, nil
}

// GetCountOfFailedTests is ordered after every update queued before it
func (api *RuntimeAPI) GetCountOfFailedTests(ctx context.Context) (int, error) {
	var count int
	err := api.dispatcher.Do(ctx, func() {
		count = api.state.GetCountOfFailedTests()
	})
	return count, err
}
