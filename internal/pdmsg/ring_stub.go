//go:build !giouring
// +build !giouring

// Package pdmsg: in-process stub ring, selected when built without
// -tags giouring. Mirrors the teacher's iouring_stub.go fallback so
// the module builds and runs correctly without a real io_uring
// transport — every PD lives in one process in this reference
// runtime, so a channel is a faithful substrate.
package pdmsg

import (
	"context"
)

type chanRing struct {
	submit chan submitted
	done   chan struct{}
}

type submitted struct {
	env      Envelope
	userData uint64
}

// NewRing creates the default transport: an in-process, channel-backed
// Ring. Swap in NewRealRing (giouring-tagged) for an actual io_uring
// substrate.
func NewRing(capacity int) Ring {
	if capacity <= 0 {
		capacity = 64
	}
	return &chanRing{
		submit: make(chan submitted, capacity),
		done:   make(chan struct{}),
	}
}

func (r *chanRing) Submit(env Envelope, userData uint64) error {
	select {
	case <-r.done:
		return ErrRingClosed
	default:
	}
	select {
	case r.submit <- submitted{env: env, userData: userData}:
		return nil
	default:
		return ErrRingFull
	}
}

func (r *chanRing) Receive(ctx context.Context) ([]Result, error) {
	select {
	case <-r.done:
		return nil, ErrRingClosed
	default:
	}

	select {
	case s := <-r.submit:
		out := []Result{{UserData: s.userData, Envelope: s.env}}
		// Drain whatever else is immediately ready without blocking
		// again, matching WaitForCompletion's "a batch of results" shape.
		for {
			select {
			case s := <-r.submit:
				out = append(out, Result{UserData: s.userData, Envelope: s.env})
			default:
				return out, nil
			}
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
		return nil, ErrRingClosed
	}
}

func (r *chanRing) Close() error {
	select {
	case <-r.done:
		return nil
	default:
		close(r.done)
	}
	return nil
}
