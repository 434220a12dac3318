// Package scheduler implements the four-notification/one-pull contract
// of spec.md §4.5 as a Go interface, plus a reference FIFO scheduler
// grounded on the teacher's internal/queue.Runner get/submit loop
// shape: a goroutine blocks on the next unit of work, wakes on a
// notification, and returns to blocking when the queue drains.
package scheduler

import (
	"context"
	"sync"

	"github.com/ocr-go/ocr/internal/edt"
	"github.com/ocr-go/ocr/internal/guid"
)

// Scheduler is the spec.md §4.5 contract. EDT_SATISFIED/EDT_READY/
// EDT_DONE are push notifications from the EDT runtime; GetWork is the
// worker loop's pull.
type Scheduler interface {
	// NotifySatisfied reports that every signaler for e has fired.
	// Returning true tells the caller to begin DB acquisition
	// immediately ("run acquire now"); false defers it, and the
	// scheduler must later call e.Resume() to continue.
	NotifySatisfied(e *edt.EDT) bool
	// NotifyReady reports that e has acquired every DB dependence and
	// is runnable.
	NotifyReady(e *edt.EDT)
	// NotifyDone reports that e finished executing and reaping.
	NotifyDone(e *edt.EDT)
	// GetWork blocks until a runnable EDT is available, ctx is
	// cancelled, or the scheduler is closed; the bool return is false
	// in the latter two cases.
	GetWork(ctx context.Context, workerID int) (*edt.EDT, bool)
}

type hint struct {
	key   string
	value int64
}

// FIFO is the reference scheduler: one ready queue, FIFO order, hints
// recorded but never acted on (placement heuristics are out of scope
// per spec.md §1). Suitable for a single-PD, single-process run or for
// tests; a multi-PD deployment would shard this per PD the way the
// teacher shards one Runner per hardware queue.
type FIFO struct {
	mu     sync.Mutex
	ready  []*edt.EDT
	hints  map[guid.GUID][]hint
	closed bool
	wakeCh chan struct{}
}

func NewFIFO() *FIFO {
	return &FIFO{
		hints:  make(map[guid.GUID][]hint),
		wakeCh: make(chan struct{}, 1),
	}
}

// NotifySatisfied always returns true: the reference scheduler has no
// admission policy and begins DB acquisition as soon as dependences
// resolve.
func (s *FIFO) NotifySatisfied(e *edt.EDT) bool { return true }

func (s *FIFO) NotifyReady(e *edt.EDT) {
	s.mu.Lock()
	s.ready = append(s.ready, e)
	s.mu.Unlock()
	s.wake()
}

// NotifyDone has nothing to do in the reference scheduler: it carries
// no per-EDT bookkeeping that outlives NotifyReady.
func (s *FIFO) NotifyDone(e *edt.EDT) {}

func (s *FIFO) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// GetWork implements spec.md §4.5 GET_WORK(worker, kind=EDT_USER).
func (s *FIFO) GetWork(ctx context.Context, workerID int) (*edt.EDT, bool) {
	for {
		s.mu.Lock()
		if len(s.ready) > 0 {
			e := s.ready[0]
			s.ready = s.ready[1:]
			s.mu.Unlock()
			return e, true
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil, false
		}
		select {
		case <-s.wakeCh:
		case <-ctx.Done():
			return nil, false
		}
	}
}

// Close unblocks every worker parked in GetWork with a false return.
// Queued-but-unclaimed EDTs are left as is; callers drain them (or not)
// before tearing down the PD.
func (s *FIFO) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wake()
}

// Len reports the number of EDTs currently queued, for tests and
// diagnostics.
func (s *FIFO) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ready)
}

// SetHint and GetHint record and retrieve scheduling hints (e.g.
// affinity, priority) by key. The reference scheduler stores them only
// for GetHint's benefit; it never consults them when ordering GetWork.
func (s *FIFO) SetHint(g guid.GUID, key string, value int64) {
	s.mu.Lock()
	s.hints[g] = append(s.hints[g], hint{key: key, value: value})
	s.mu.Unlock()
}

func (s *FIFO) GetHint(g guid.GUID, key string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hs := s.hints[g]
	for i := len(hs) - 1; i >= 0; i-- {
		if hs[i].key == key {
			return hs[i].value, true
		}
	}
	return 0, false
}
