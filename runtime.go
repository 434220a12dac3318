package ocr

import (
	"context"
	"sync"
	"time"

	"github.com/ocr-go/ocr/internal/allocator"
	"github.com/ocr-go/ocr/internal/edt"
	"github.com/ocr-go/ocr/internal/guid"
	"github.com/ocr-go/ocr/internal/logging"
	"github.com/ocr-go/ocr/internal/runlevel"
	"github.com/ocr-go/ocr/internal/scheduler"
	"github.com/ocr-go/ocr/internal/strand"
	"github.com/ocr-go/ocr/internal/worker"
)

// metricsSchedulerHook wraps a Scheduler's three push notifications so
// every EDT created against this runtime reports lifecycle metrics,
// without requiring scheduler.FIFO itself to know about Metrics/Observer.
type metricsSchedulerHook struct {
	sched    *scheduler.FIFO
	metrics  *Metrics
	observer Observer
	readyAt  sync.Map // guid.GUID -> time.Time, satisfied-to-done turnaround start
}

func (h *metricsSchedulerHook) NotifySatisfied(e *edt.EDT) bool {
	h.metrics.RecordEdtSatisfied()
	h.observer.ObserveEdtSatisfied()
	h.readyAt.Store(e.GUID, time.Now())
	return h.sched.NotifySatisfied(e)
}

func (h *metricsSchedulerHook) NotifyReady(e *edt.EDT) {
	h.sched.NotifyReady(e)
}

func (h *metricsSchedulerHook) NotifyDone(e *edt.EDT) {
	var latencyNs uint64
	if v, ok := h.readyAt.LoadAndDelete(e.GUID); ok {
		latencyNs = uint64(time.Since(v.(time.Time)).Nanoseconds())
	}
	h.metrics.RecordEdtExecuted(latencyNs)
	h.observer.ObserveEdtExecuted(latencyNs)
	h.metrics.RecordEdtDestroyed()
	h.observer.ObserveEdtDestroyed()
	h.sched.NotifyDone(e)
}

// bootPhases lists the run-level ladder in ascending order, excluding
// the implicit UNINIT floor, matching the order a single-PD Ascend
// walk must check in through per spec.md §4.7.
var bootPhases = []runlevel.RunLevel{
	runlevel.RLConfigParse,
	runlevel.RLNetworkOK,
	runlevel.RLPDOK,
	runlevel.RLMemoryOK,
	runlevel.RLGUIDOK,
	runlevel.RLComputeOK,
	runlevel.RLUserOK,
}

// Runtime is a single-process OCR machine: one run-level barrier node,
// a GUID provider, a registry of live DBs/events/EDTs/templates, a
// scheduler, a worker pool, and a strand table backing deferred
// PD-message continuations. Generalized from the teacher's *Device:
// CreateAndServe/StopAndDelete become NewRuntime/Shutdown, and the
// single hardware queue becomes a pool of EDT workers.
type Runtime struct {
	cfg RuntimeConfig

	ctx    context.Context
	cancel context.CancelFunc

	node     *runlevel.Node
	provider *guid.MemoryProvider
	alloc    allocator.Allocator
	reg      *registry
	sched    *scheduler.FIFO
	hook     *metricsSchedulerHook
	pool     *worker.Pool
	strands  *strand.StrandTable

	metrics  *Metrics
	observer Observer
	logger   *logging.Logger

	wg sync.WaitGroup
}

// NewRuntime brings a single-process OCR machine up through every
// run level to USER_OK, the way ublk.CreateAndServe brings a device up
// to serving I/O. It returns once the worker pool is running and ready
// to accept EDTs.
func NewRuntime(ctx context.Context, cfg RuntimeConfig, opts *Options) (*Runtime, error) {
	if cfg.WorkersPerPD <= 0 {
		cfg.WorkersPerPD = DefaultRuntimeConfig().WorkersPerPD
	}
	if cfg.PDProcessMaxCount <= 0 {
		cfg.PDProcessMaxCount = DefaultRuntimeConfig().PDProcessMaxCount
	}

	parent := opts.context()
	if ctx != nil {
		parent = ctx
	}
	runCtx, cancel := context.WithCancel(parent)

	rt := &Runtime{
		cfg:      cfg,
		ctx:      runCtx,
		cancel:   cancel,
		node:     runlevel.NewNode("pd0"),
		provider: guid.NewMemoryProvider(guid.Location(0)),
		alloc:    allocator.NewSlab(0),
		sched:    scheduler.NewFIFO(),
		strands:  strand.NewStrandTable(),
		metrics:  NewMetrics(),
		observer: opts.observer(),
		logger:   opts.logger(),
	}
	rt.reg = newRegistry(rt.provider, guid.Location(0), rt.metrics, rt.observer)
	rt.hook = &metricsSchedulerHook{sched: rt.sched, metrics: rt.metrics, observer: rt.observer}
	rt.pool = worker.NewPool(cfg.WorkersPerPD, rt.sched, rt.logger)
	if len(cfg.CPUAffinity) > 0 {
		rt.pool.SetCPUAffinity(cfg.CPUAffinity)
	}

	for _, level := range bootPhases {
		if err := rt.node.Ascend(runCtx, level, rt.bootPhase); err != nil {
			cancel()
			return nil, WrapError("NewRuntime", err)
		}
	}

	rt.pool.Start(runCtx)

	rt.wg.Add(1)
	go rt.strandLoop(runCtx)

	rt.logger.Info("runtime started", "workers", cfg.WorkersPerPD)
	return rt, nil
}

// bootPhase is the run-level barrier's per-level callback. Only
// GUID_OK, COMPUTE_OK and USER_OK do anything, and that is to log a
// debug message; the rest are named
// check-in points with no side effect in a single-PD deployment, kept
// distinct because a multi-PD tree would hang real per-level setup off
// each of them.
func (rt *Runtime) bootPhase(n *runlevel.Node, level runlevel.RunLevel) error {
	switch level {
	case runlevel.RLGUIDOK:
		rt.logger.Debug("guid provider ready")
	case runlevel.RLComputeOK:
		rt.logger.Debug("scheduler ready")
	case runlevel.RLUserOK:
		rt.logger.Debug("runtime reached USER_OK")
	}
	return nil
}

// shutdownPhase mirrors bootPhase for Descend.
func (rt *Runtime) shutdownPhase(n *runlevel.Node, level runlevel.RunLevel) error {
	rt.logger.Debug("descending run level", "level", level.String())
	return nil
}

// strandLoop periodically drains ready strands, implementing spec.md
// §4.1's pdProcessStrands as a background continuation pump rather
// than something a worker calls inline — the same
// goroutine-owns-one-responsibility shape as the worker loop itself.
func (rt *Runtime) strandLoop(ctx context.Context) {
	defer rt.wg.Done()
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			rt.strands.ProcessStrands(0, true)
			return
		case <-ticker.C:
			if n := rt.strands.ProcessStrands(rt.cfg.PDProcessMaxCount, false); n > 0 {
				rt.metrics.RecordStrandProcess()
			}
		}
	}
}

// enqueueDeferred parks fn as a one-shot strand continuation, executed
// by the background strandLoop rather than synchronously on the
// caller's goroutine. Grounded on strand.ActionPDMessageHandler's
// documented purpose: invoking a PD message handler for an event
// without blocking a worker.
func (rt *Runtime) enqueueDeferred(fn strand.ActionFunc) error {
	ev := rt.provider.Mint(guid.KindEventOnce, guid.Location(0))
	st, err := rt.strands.GetNewStrand(ev)
	if err != nil {
		return WrapError("enqueueDeferred", err)
	}
	rt.strands.EnqueueActions(st, strand.Action{Fn: fn, Code: strand.ActionPDMessageHandler})
	rt.strands.SatisfyStrandEvent(st)
	rt.metrics.RecordStrandInsert()
	return nil
}

// Shutdown tears the runtime down through every run level to
// CONFIG_PARSE, the way ublk.StopAndDelete tears a device down. It
// stops accepting new work, drains the worker pool and strand table,
// then descends the barrier.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.node.BeginShutdown()
	rt.sched.Close()
	rt.pool.Wait()

	rt.cancel()
	rt.wg.Wait()

	// Walk back down one level at a time from USER_OK to CONFIG_PARSE,
	// the floor spec.md §4.7 names for a torn-down-but-not-destroyed PD.
	for i := len(bootPhases) - 2; i >= 0; i-- {
		if err := rt.node.Descend(ctx, bootPhases[i], rt.shutdownPhase); err != nil {
			return WrapError("Shutdown", err)
		}
	}

	rt.metrics.Stop()
	rt.strands.DestroyStrandTable()
	rt.logger.Info("runtime stopped")
	return nil
}

// Metrics returns the runtime's live metrics accumulator.
func (rt *Runtime) Metrics() *Metrics { return rt.metrics }

// MetricsSnapshot returns a point-in-time snapshot of the runtime's metrics.
func (rt *Runtime) MetricsSnapshot() MetricsSnapshot { return rt.metrics.Snapshot() }
