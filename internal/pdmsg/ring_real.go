//go:build giouring
// +build giouring

// Package pdmsg: real io_uring-backed ring, built with -tags giouring.
// Grounded on internal/uring/iouring.go's real-vs-stub split and on
// github.com/pawelgaczynski/giouring, a direct teacher dependency the
// original ublk code declares in go.mod but never actually calls
// (internal/uring/minimal.go hand-rolls its own io_uring_setup/
// io_uring_enter syscalls instead). This ring is where that dependency
// finally gets exercised: io_uring has no notion of an arbitrary Go
// struct crossing the ring, so each Submit posts a NOP SQE tagged with
// userData as a completion doorbell, while the actual Envelope travels
// in a side table keyed by that same tag — the same user_data-as-
// correlation-id idiom internal/ctrl/control.go uses for its own
// control commands.
package pdmsg

import (
	"context"
	"sync"

	"github.com/pawelgaczynski/giouring"
)

type ioRing struct {
	ring *giouring.Ring

	mu      sync.Mutex
	pending map[uint64]Envelope
	closed  bool
}

// NewRealRing creates a ring backed by a real io_uring instance with
// the given submission queue depth.
func NewRealRing(entries uint32) (Ring, error) {
	ring, err := giouring.CreateRing(entries)
	if err != nil {
		return nil, err
	}
	return &ioRing{ring: ring, pending: make(map[uint64]Envelope)}, nil
}

func (r *ioRing) Submit(env Envelope, userData uint64) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRingClosed
	}
	sqe := r.ring.GetSQE()
	if sqe == nil {
		r.mu.Unlock()
		return ErrRingFull
	}
	sqe.PrepNop()
	sqe.SetUserData(userData)
	r.pending[userData] = env
	r.mu.Unlock()

	_, err := r.ring.Submit()
	return err
}

// Receive waits for the next completion. WaitCQE blocks the calling
// OS thread with no cancellation hook of its own, so it runs on a
// dedicated goroutine per call; on ctx cancellation Receive returns
// immediately but that goroutine is left to complete (and is dropped)
// once the kernel eventually posts the CQE — acceptable for a runtime
// that tears the whole ring down via Close on shutdown.
func (r *ioRing) Receive(ctx context.Context) ([]Result, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, ErrRingClosed
	}

	type waitResult struct {
		cqe *giouring.CompletionQueueEvent
		err error
	}
	ch := make(chan waitResult, 1)
	go func() {
		cqe, err := r.ring.WaitCQE()
		ch <- waitResult{cqe: cqe, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case wr := <-ch:
		if wr.err != nil {
			return nil, wr.err
		}
		r.mu.Lock()
		env, ok := r.pending[wr.cqe.UserData]
		delete(r.pending, wr.cqe.UserData)
		r.mu.Unlock()
		r.ring.CQESeen(wr.cqe)
		if !ok {
			return nil, nil
		}
		return []Result{{UserData: wr.cqe.UserData, Envelope: env}}, nil
	}
}

func (r *ioRing) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	r.ring.QueueExit()
	return nil
}
