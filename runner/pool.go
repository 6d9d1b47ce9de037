package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/log"
	"github.com/sourcegraph/conc/pool"

	"github.com/ethereum-optimism/infra/op-rerun/bridge"
	"github.com/ethereum-optimism/infra/op-rerun/state"
	"github.com/ethereum-optimism/infra/op-rerun/workspace"
)

// ErrPoolClosed is returned by RunTests after Close
var ErrPoolClosed = errors.New("pool is closed")

// SpecRunner executes a single spec against a worker connection
type SpecRunner interface {
	Run(ctx context.Context, rpc WorkerRPC, spec workspace.Spec) error
}

// Pool fans specs out to in-process workers, each connected to its project
// endpoint of the hub.
type Pool struct {
	log         log.Logger
	hub         *bridge.Hub
	state       *state.Manager
	runner      SpecRunner
	concurrency int
	cancelling  func() bool

	mu      sync.Mutex
	closed  atomic.Bool
	cancels map[int]context.CancelFunc
	nextID  int
}

// NewPool creates a pool. cancelling is consulted before every spec.
func NewPool(hub *bridge.Hub, st *state.Manager, runner SpecRunner, concurrency int, cancelling func() bool, logger log.Logger) *Pool {
	if logger == nil {
		logger = log.New()
	}
	if concurrency <= 0 {
		concurrency = min(runtime.NumCPU(), MaxReasonableConcurrency)
	}
	if concurrency > MaxReasonableConcurrency {
		logger.Warn("Very high concurrency requested", "concurrency", concurrency,
			"recommendation", "Consider using lower values to avoid resource exhaustion")
	}
	if cancelling == nil {
		cancelling = func() bool { return false }
	}
	return &Pool{
		log:         logger.New("component", "pool"),
		hub:         hub,
		state:       st,
		runner:      runner,
		concurrency: concurrency,
		cancelling:  cancelling,
		cancels:     make(map[int]context.CancelFunc),
	}
}

// RunTests executes specs with bounded concurrency. Specs reached after a
// cancellation are recorded as skipped files. Worker failures are joined into
// the returned error.
func (p *Pool) RunTests(ctx context.Context, specs []workspace.Spec) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	id := p.track(cancel)
	defer p.untrack(id)

	concurrency := p.concurrency
	for _, spec := range specs {
		if c := spec.Project.Config().Concurrency; c > 0 && c < concurrency {
			concurrency = c
		}
	}
	p.log.Info("Running test files", "files", len(specs), "concurrency", concurrency)

	workers := pool.New().
		WithErrors().
		WithMaxGoroutines(concurrency).
		WithContext(ctx)
	for _, spec := range specs {
		workers.Go(func(ctx context.Context) error {
			if p.cancelling() || p.closed.Load() || ctx.Err() != nil {
				return p.skip(ctx, spec)
			}
			return p.runSpec(ctx, spec)
		})
	}
	return workers.Wait()
}

func (p *Pool) runSpec(ctx context.Context, spec workspace.Spec) error {
	client, err := p.hub.DialInProc(spec.Project.Name())
	if err != nil {
		return err
	}
	defer client.Close()

	if err := p.runner.Run(ctx, client, spec); err != nil {
		if ctx.Err() != nil {
			return p.skip(ctx, spec)
		}
		p.log.Error("Worker failed", "project", spec.Project.Name(), "file", spec.File, "err", err)
		return fmt.Errorf("worker failed for %s: %w", spec.File, err)
	}
	return nil
}

func (p *Pool) skip(ctx context.Context, spec workspace.Spec) error {
	ref := state.ProjectRef{Name: spec.Project.Name(), Root: spec.Project.Root()}
	return p.hub.Dispatcher().Do(context.WithoutCancel(ctx), func() {
		p.state.CancelFiles(ref, []string{spec.File})
	})
}

func (p *Pool) track(cancel context.CancelFunc) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	p.cancels[p.nextID] = cancel
	return p.nextID
}

func (p *Pool) untrack(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.cancels[id]; ok {
		cancel()
		delete(p.cancels, id)
	}
}

// Close aborts in-flight runs and rejects new ones. It is idempotent.
func (p *Pool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, cancel := range p.cancels {
		cancel()
		delete(p.cancels, id)
	}
	p.log.Debug("Pool closed")
	return nil
}
