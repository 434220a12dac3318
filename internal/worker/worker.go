// Package worker implements the OCR worker loop of spec.md §4.6: pull
// one runnable EDT from the scheduler, execute it, report it done,
// repeat until shut down. Grounded on the teacher's
// internal/queue.Runner.ioLoop — a goroutine pinned to one responsibility,
// select-ing on ctx.Done() around a blocking pull.
package worker

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ocr-go/ocr/internal/edt"
	"github.com/ocr-go/ocr/internal/logging"
	"github.com/ocr-go/ocr/internal/scheduler"
)

// Worker runs spec.md §4.6's GET_WORK -> execute -> NOTIFY(EDT_DONE)
// loop on its own goroutine. Per the Open Question resolution recorded
// in DESIGN.md, a worker is a goroutine for the lifetime of the pool:
// it never migrates an in-flight EDT to another goroutine.
type Worker struct {
	id        int
	scheduler scheduler.Scheduler
	logger    *logging.Logger

	// affinityCPU is the CPU this worker pins its OS thread to, or -1
	// for no pinning. Set by Pool.Start before the worker's goroutine
	// launches.
	affinityCPU int

	mu      sync.Mutex
	curTask *edt.EDT
}

// New creates a worker pulling from s. logger may be nil, in which case
// the package default logger is used.
func New(id int, s scheduler.Scheduler, logger *logging.Logger) *Worker {
	if logger == nil {
		logger = logging.Default()
	}
	return &Worker{id: id, scheduler: s, logger: logger, affinityCPU: -1}
}

// CurTask reports the EDT this worker is currently executing, or nil.
func (w *Worker) CurTask() *edt.EDT {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.curTask
}

// Run executes the worker loop until ctx is cancelled or the scheduler
// is closed. It is meant to be launched with `go w.Run(ctx)` — one
// goroutine per worker, per the pool's Start.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Debug("worker loop starting", "worker", w.id)
	defer w.logger.Debug("worker loop stopped", "worker", w.id)

	if w.affinityCPU >= 0 {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		var mask unix.CPUSet
		mask.Set(w.affinityCPU)
		if err := unix.SchedSetaffinity(0, &mask); err != nil {
			w.logger.Error("failed to set CPU affinity", "worker", w.id, "cpu", w.affinityCPU, "error", err)
		} else {
			w.logger.Debug("set CPU affinity", "worker", w.id, "cpu", w.affinityCPU)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		e, ok := w.scheduler.GetWork(ctx, w.id)
		if !ok {
			return
		}

		w.mu.Lock()
		w.curTask = e
		w.mu.Unlock()

		w.execute(e)

		w.mu.Lock()
		w.curTask = nil
		w.mu.Unlock()
	}
}

func (w *Worker) execute(e *edt.EDT) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("EDT panicked during execution", "worker", w.id, "guid", e.GUID.String(), "panic", fmt.Sprint(r))
		}
	}()
	e.Execute()
}

// Pool runs a fixed number of Workers against one Scheduler, the
// reference deployment shape for a single policy domain.
type Pool struct {
	workers []*Worker
	wg      sync.WaitGroup
}

// NewPool creates n workers pulling from s.
func NewPool(n int, s scheduler.Scheduler, logger *logging.Logger) *Pool {
	p := &Pool{workers: make([]*Worker, n)}
	for i := range p.workers {
		p.workers[i] = New(i, s, logger)
	}
	return p
}

// SetCPUAffinity assigns worker i to cpus[i % len(cpus)], mirroring the
// teacher's round-robin queue-to-CPU assignment. Must be called before
// Start. A nil or empty cpus leaves workers unpinned.
func (p *Pool) SetCPUAffinity(cpus []int) {
	if len(cpus) == 0 {
		return
	}
	for i, w := range p.workers {
		w.affinityCPU = cpus[i%len(cpus)]
	}
}

// Start launches every worker's loop on its own goroutine.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(ctx)
		}(w)
	}
}

// Wait blocks until every worker's Run has returned (ctx cancelled or
// scheduler closed).
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Workers exposes the pool's workers, e.g. for CurTask diagnostics.
func (p *Pool) Workers() []*Worker {
	return p.workers
}
