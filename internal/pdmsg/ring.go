package pdmsg

import (
	"context"
	"errors"
)

// ErrRingFull mirrors the teacher's uring.ErrRingFull: the state
// machine above a Ring is expected to keep at most depth in-flight
// envelopes, so this should not surface in normal operation.
var ErrRingFull = errors.New("pdmsg: submission queue full")

// ErrRingClosed is returned by Submit/Receive once Close has run.
var ErrRingClosed = errors.New("pdmsg: ring closed")

// Result is one completed envelope's outcome, returned by Receive.
// Named after uring.Result: a ring-agnostic way to correlate a
// completion with the UserData tag it was submitted under.
type Result struct {
	UserData uint64
	Envelope Envelope
	Err      error
}

// Ring is the transport a PD submits outbound envelopes to and drains
// completions from. Grounded on internal/uring.Ring: Submit here plays
// the role of SubmitCtrlCmd/SubmitIOCmd (one envelope, blocks for
// completion only in the sense that Receive must be drained
// separately — matching the teacher's split submit/wait shape rather
// than a synchronous call), Receive the role of WaitForCompletion.
type Ring interface {
	// Submit enqueues env for delivery, tagged with userData for
	// correlation with its eventual Result. Returns ErrRingFull if the
	// ring's outbound queue is at capacity.
	Submit(env Envelope, userData uint64) error

	// Receive blocks until at least one completion is available or ctx
	// is done, returning as many completions as are ready without
	// further blocking.
	Receive(ctx context.Context) ([]Result, error)

	// Close releases the ring's resources. Submit/Receive return
	// ErrRingClosed afterward.
	Close() error
}
