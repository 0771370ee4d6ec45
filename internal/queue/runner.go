package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/ehrlich-b/go-nvme/internal/irq"
	"github.com/ehrlich-b/go-nvme/internal/logging"
)

// Runner drains an interrupt-driven queue from a dedicated goroutine each
// time its vector fires. Completion handling therefore never runs on a
// submitter's stack and never contends for the submission lock.
type Runner struct {
	q      *Queue
	src    irq.Source
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	logger *logging.Logger

	wakeups atomic.Uint64
	drains  atomic.Uint64
	started atomic.Bool
}

// NewRunner binds a runner to q. Polled queues have no runner.
func NewRunner(ctx context.Context, q *Queue, src irq.Source) (*Runner, error) {
	if q.Polled() {
		return nil, fmt.Errorf("queue %d is polled", q.ID())
	}
	if src == nil {
		return nil, fmt.Errorf("queue %d: no interrupt source", q.ID())
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Runner{
		q:      q,
		src:    src,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		logger: q.logger,
	}, nil
}

// Start launches the drain loop
func (r *Runner) Start() {
	if r.started.Swap(true) {
		return
	}
	go r.loop()
}

// Stop ends the drain loop and waits for it to exit
func (r *Runner) Stop() {
	r.cancel()
	if r.started.Load() {
		<-r.done
	}
}

// Wakeups returns how many interrupts the runner has taken
func (r *Runner) Wakeups() uint64 {
	return r.wakeups.Load()
}

// Drains returns how many wakeups consumed at least one completion
func (r *Runner) Drains() uint64 {
	return r.drains.Load()
}

func (r *Runner) loop() {
	defer close(r.done)

	// one OS thread per vector, as an interrupt handler would be
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	r.logger.Debug("completion loop started", "vector", r.q.Vector())
	for {
		if err := r.src.Wait(r.ctx); err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				r.logger.WithError(err).Error("interrupt wait failed")
			}
			break
		}
		r.wakeups.Add(1)
		if r.q.ProcessCompletions() {
			r.drains.Add(1)
		}
	}
	// pick up anything posted between the last wakeup and shutdown
	r.q.ProcessCompletions()
	r.logger.Debug("completion loop stopped")
}
