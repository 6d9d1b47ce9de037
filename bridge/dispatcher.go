// Package bridge connects workers to the orchestrator over go-ethereum RPC.
package bridge

import (
	"context"
	"errors"
	"sync"
)

// ErrDispatcherClosed is returned by Do once the dispatcher has been closed
var ErrDispatcherClosed = errors.New("dispatcher closed")

// Dispatcher applies functions one at a time in submission order. Every
// worker-originated state mutation goes through a single dispatcher.
type Dispatcher struct {
	queue   chan func()
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewDispatcher starts a dispatcher with the given queue size
func NewDispatcher(queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 64
	}
	d := &Dispatcher{
		queue:   make(chan func(), queueSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *Dispatcher) loop() {
	defer close(d.stopped)
	for {
		select {
		case fn := <-d.queue:
			fn()
		case <-d.done:
			// drain what was accepted before close
			for {
				select {
				case fn := <-d.queue:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Do queues fn and waits for it to run. fn must not call Do itself.
func (d *Dispatcher) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	task := func() {
		defer close(finished)
		fn()
	}
	select {
	case <-d.done:
		return ErrDispatcherClosed
	default:
	}
	select {
	case d.queue <- task:
	case <-d.done:
		return ErrDispatcherClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-d.stopped:
		select {
		case <-finished:
			return nil
		default:
			return ErrDispatcherClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work and waits for queued work to finish
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		close(d.done)
	})
	<-d.stopped
}
