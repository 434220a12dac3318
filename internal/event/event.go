// Package event implements the six OCR event-kind state machines: a
// single-shot ONCE, a counting LATCH, a permanent STICKY, an
// idempotent IDEM, a self-destructing COUNTED, and a bounded-ring
// CHANNEL. The first five share a waiter list, a lock, and the
// CHECKED_IN/CHECKED_OUT/DESTROY_SEEN satisfy/destroy race guard;
// CHANNEL keeps its own rings and lock and has no such guard.
package event

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ocr-go/ocr/internal/datablock"
	"github.com/ocr-go/ocr/internal/guid"
)

var (
	ErrAlreadySatisfied    = errors.New("event: already satisfied")
	ErrRegisterAfterFire   = errors.New("event: registration after non-persistent event fired")
	ErrChannelOverflow     = errors.New("event: channel ring overflow")
	ErrAlreadyDestroyed    = errors.New("event: already destroyed")
	ErrDestroyWhileRunning = errors.New("event: destroy observed event still registering")
)

// Dispatch delivers a dependence-satisfy message to a waiter's slot.
// Implemented by the EDT runtime; kept as a callback here (rather than
// an imported interface) so this package has no dependency on edt.
type Dispatch func(waiter guid.GUID, slot int32, payload guid.GUID)

const inlineWaiterCount = 4

type regNode struct {
	waiter guid.GUID
	slot   int32
	mode   datablock.Mode
}

// satGate renders the CHECKED_IN/CHECKED_OUT/DESTROY_SEEN race
// verbatim per spec.md §9 ("the most subtle invariant in the core...
// any simplification that drops the three-state machine has been
// observed to break in practice"), as a dedicated CAS word rather than
// packed into the waiter count itself (see DESIGN.md).
type satGate struct {
	state atomic.Uint32
}

const (
	gateIdle uint32 = iota
	gateCheckedIn
	gateCheckedOut
	gateDestroySeen
)

// beginSatisfy switches the gate to CHECKED_IN, the
// sentinel that rejects further registers while satisfy is in flight.
func (g *satGate) beginSatisfy() {
	g.state.Store(gateCheckedIn)
}

// endSatisfy performs the CHECKED_IN -> CHECKED_OUT transition and
// reports whether a concurrent destroy deferred itself to us.
func (g *satGate) endSatisfy() (mustDestroy bool) {
	prev := g.state.Swap(gateCheckedOut)
	return prev == gateDestroySeen
}

// tryDestroy is the destroy call's half of the race: if satisfy is
// mid-flight (CHECKED_IN), flip to DESTROY_SEEN and tell the caller to
// defer; otherwise the caller may free immediately.
func (g *satGate) tryDestroy() (deferred bool) {
	return g.state.CompareAndSwap(gateCheckedIn, gateDestroySeen)
}

func (g *satGate) registrationsOpen() bool {
	return g.state.Load() == gateIdle
}

// base holds the fields and waiter-list machinery shared by every
// event kind.
type base struct {
	mu   sync.Mutex
	guid guid.GUID
	kind guid.Kind

	inline      [inlineWaiterCount]regNode
	inlineCount int
	overflow    []regNode // spill list; see DESIGN.md on the DB-backed original

	gate     satGate
	dispatch Dispatch

	destroyed bool
}

func (b *base) GUID() guid.GUID { return b.guid }
func (b *base) Kind() guid.Kind { return b.kind }

func (b *base) addWaiterLocked(rn regNode) {
	if b.inlineCount < inlineWaiterCount {
		b.inline[b.inlineCount] = rn
		b.inlineCount++
		return
	}
	b.overflow = append(b.overflow, rn)
}

func (b *base) drainWaitersLocked() []regNode {
	out := make([]regNode, 0, b.inlineCount+len(b.overflow))
	out = append(out, b.inline[:b.inlineCount]...)
	out = append(out, b.overflow...)
	b.inlineCount = 0
	b.overflow = nil
	return out
}

// commonSatisfy implements spec.md §4.2 "Common satisfy path": the
// gate is switched to CHECKED_IN while the waiter list is drained
// under lock, then the lock is released before dispatching so a
// waiter's callback may safely re-enter this event (register, a
// nested satisfy on a different event, etc.) without deadlocking on
// b.mu.
func (b *base) commonSatisfy(payload guid.GUID) []regNode {
	b.mu.Lock()
	b.gate.beginSatisfy()
	waiters := b.drainWaitersLocked()
	b.mu.Unlock()

	for _, w := range waiters {
		if b.dispatch != nil {
			b.dispatch(w.waiter, w.slot, payload)
		}
	}
	return waiters
}

// destroyGuarded runs the destroy half of the satGate race and frees
// no state of its own; callers perform kind-specific teardown only
// when owns is true (i.e. they own the actual destruction).
func (b *base) destroyGuarded() (owns bool, err error) {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return false, ErrAlreadyDestroyed
	}
	b.mu.Unlock()

	if b.gate.tryDestroy() {
		// a satisfy is in flight; it observed DESTROY_SEEN via
		// endSatisfy and will perform the actual teardown.
		return false, nil
	}
	b.mu.Lock()
	b.destroyed = true
	b.mu.Unlock()
	return true, nil
}

// finishDeferredDestroy is called by a satisfy path whose endSatisfy
// reported mustDestroy == true: the event's destroy call arrived
// first and deferred to us.
func (b *base) finishDeferredDestroy() {
	b.mu.Lock()
	b.destroyed = true
	b.mu.Unlock()
}

func (b *base) isDestroyed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.destroyed
}

// ---------------------------------------------------------------- ONCE

// Once fires at most one time then is destroyed unconditionally.
type Once struct {
	base
	fired atomic.Bool
}

func NewOnce(g guid.GUID, dispatch Dispatch) *Once {
	o := &Once{}
	o.guid, o.kind, o.dispatch = g, guid.KindEventOnce, dispatch
	return o
}

func (o *Once) RegisterWaiter(waiter guid.GUID, slot int32, mode datablock.Mode) error {
	if !o.gate.registrationsOpen() {
		return ErrRegisterAfterFire
	}
	o.mu.Lock()
	if !o.gate.registrationsOpen() {
		o.mu.Unlock()
		return ErrRegisterAfterFire
	}
	o.addWaiterLocked(regNode{waiter: waiter, slot: slot, mode: mode})
	o.mu.Unlock()
	return nil
}

// Satisfy fires the event. Per testable property #1, a second call
// always fails: ONCE guarantees waiters are never fired twice.
func (o *Once) Satisfy(payload guid.GUID) error {
	if !o.fired.CompareAndSwap(false, true) {
		return ErrAlreadySatisfied
	}
	o.commonSatisfy(payload)
	o.gate.endSatisfy()
	// destroyed unconditionally after propagation, regardless of any
	// concurrent explicit Destroy race.
	o.mu.Lock()
	o.destroyed = true
	o.mu.Unlock()
	return nil
}

func (o *Once) Destroyed() bool { return o.isDestroyed() }

// ---------------------------------------------------------------- LATCH

type LatchSlot int

const (
	IncrSlot LatchSlot = iota
	DecrSlot
)

// Latch fires when its signed counter reaches zero, then is
// destroyed. Registration is non-retroactive. finalPayload lets a
// finish scope hand its output GUID to whichever goroutine's
// decrement actually drives the counter to zero, since that need not
// be the same goroutine that set it.
type Latch struct {
	base
	counter      atomic.Int64
	finalPayload atomic.Uint64
}

func NewLatch(g guid.GUID, dispatch Dispatch, initial int64) *Latch {
	l := &Latch{}
	l.guid, l.kind, l.dispatch = g, guid.KindEventLatch, dispatch
	l.counter.Store(initial)
	return l
}

// SetFinalPayload records the payload propagated to registered
// waiters when the counter reaches zero, in place of the zero-valued
// guid.Null a bare check-in/check-out latch otherwise carries. The
// caller must ensure this happens-before the decrement that could
// drive the counter to zero (a finish EDT stores its own output here
// before decrementing its own check-in, which is always one of the
// decrements required to reach zero).
func (l *Latch) SetFinalPayload(payload guid.GUID) {
	l.finalPayload.Store(uint64(payload))
}

func (l *Latch) RegisterWaiter(waiter guid.GUID, slot int32, mode datablock.Mode) error {
	if !l.gate.registrationsOpen() {
		return ErrRegisterAfterFire
	}
	l.mu.Lock()
	if !l.gate.registrationsOpen() {
		l.mu.Unlock()
		return ErrRegisterAfterFire
	}
	l.addWaiterLocked(regNode{waiter: waiter, slot: slot, mode: mode})
	l.mu.Unlock()
	return nil
}

func (l *Latch) Satisfy(slot LatchSlot) error {
	var v int64
	if slot == IncrSlot {
		v = l.counter.Add(1)
	} else {
		v = l.counter.Add(-1)
	}
	if v != 0 {
		return nil
	}
	l.commonSatisfy(guid.GUID(l.finalPayload.Load()))
	l.gate.endSatisfy()
	l.mu.Lock()
	l.destroyed = true
	l.mu.Unlock()
	return nil
}

func (l *Latch) Count() int64    { return l.counter.Load() }
func (l *Latch) Destroyed() bool { return l.isDestroyed() }

// --------------------------------------------------------------- STICKY

// Sticky holds a value permanently once satisfied; late registrations
// fire immediately from the stored value. A second Satisfy is an
// error.
type Sticky struct {
	base
	satisfiedOnce atomic.Bool
	data          atomic.Value // guid.GUID
}

func NewSticky(g guid.GUID, dispatch Dispatch) *Sticky {
	s := &Sticky{}
	s.guid, s.kind, s.dispatch = g, guid.KindEventSticky, dispatch
	return s
}

func (s *Sticky) Satisfy(payload guid.GUID) error {
	if !s.satisfiedOnce.CompareAndSwap(false, true) {
		return ErrAlreadySatisfied
	}
	s.data.Store(payload)
	s.commonSatisfy(payload)
	if s.gate.endSatisfy() {
		s.finishDeferredDestroy()
	}
	return nil
}

func (s *Sticky) RegisterWaiter(waiter guid.GUID, slot int32, mode datablock.Mode) error {
	if s.satisfiedOnce.Load() {
		s.fireLate(waiter, slot)
		return nil
	}
	s.mu.Lock()
	if s.satisfiedOnce.Load() {
		s.mu.Unlock()
		s.fireLate(waiter, slot)
		return nil
	}
	s.addWaiterLocked(regNode{waiter: waiter, slot: slot, mode: mode})
	s.mu.Unlock()
	return nil
}

func (s *Sticky) fireLate(waiter guid.GUID, slot int32) {
	if s.dispatch == nil {
		return
	}
	payload, _ := s.data.Load().(guid.GUID)
	s.dispatch(waiter, slot, payload)
}

func (s *Sticky) Destroy() error {
	owns, err := s.destroyGuarded()
	if err != nil || !owns {
		return err
	}
	return nil
}

func (s *Sticky) Destroyed() bool { return s.isDestroyed() }

// ----------------------------------------------------------------- IDEM

// Idem behaves like Sticky except a second Satisfy is silently
// ignored instead of erroring.
type Idem struct {
	base
	satisfiedOnce atomic.Bool
	data          atomic.Value
}

func NewIdem(g guid.GUID, dispatch Dispatch) *Idem {
	i := &Idem{}
	i.guid, i.kind, i.dispatch = g, guid.KindEventIdem, dispatch
	return i
}

func (i *Idem) Satisfy(payload guid.GUID) error {
	if !i.satisfiedOnce.CompareAndSwap(false, true) {
		return nil // silently ignored, per spec.md §3 IDEM row
	}
	i.data.Store(payload)
	i.commonSatisfy(payload)
	if i.gate.endSatisfy() {
		i.finishDeferredDestroy()
	}
	return nil
}

func (i *Idem) RegisterWaiter(waiter guid.GUID, slot int32, mode datablock.Mode) error {
	if i.satisfiedOnce.Load() {
		i.fireLate(waiter, slot)
		return nil
	}
	i.mu.Lock()
	if i.satisfiedOnce.Load() {
		i.mu.Unlock()
		i.fireLate(waiter, slot)
		return nil
	}
	i.addWaiterLocked(regNode{waiter: waiter, slot: slot, mode: mode})
	i.mu.Unlock()
	return nil
}

func (i *Idem) fireLate(waiter guid.GUID, slot int32) {
	if i.dispatch == nil {
		return
	}
	payload, _ := i.data.Load().(guid.GUID)
	i.dispatch(waiter, slot, payload)
}

func (i *Idem) Destroy() error {
	owns, err := i.destroyGuarded()
	if err != nil || !owns {
		return err
	}
	return nil
}

func (i *Idem) Destroyed() bool { return i.isDestroyed() }

// -------------------------------------------------------------- COUNTED

// Counted is Sticky that self-destructs once nbDeps registrants have
// been served, counting both waiters present at satisfy time and any
// that register afterward.
type Counted struct {
	base
	satisfiedOnce atomic.Bool
	data          atomic.Value
	nbDeps        atomic.Int64
}

func NewCounted(g guid.GUID, dispatch Dispatch, nbDeps int64) *Counted {
	c := &Counted{}
	c.guid, c.kind, c.dispatch = g, guid.KindEventCounted, dispatch
	c.nbDeps.Store(nbDeps)
	return c
}

func (c *Counted) Satisfy(payload guid.GUID) error {
	if !c.satisfiedOnce.CompareAndSwap(false, true) {
		return ErrAlreadySatisfied
	}
	c.data.Store(payload)
	waiters := c.commonSatisfy(payload)
	mustDestroy := c.gate.endSatisfy()
	remaining := c.nbDeps.Add(-int64(len(waiters)))
	if remaining <= 0 || mustDestroy {
		c.finishDeferredDestroy()
	}
	return nil
}

func (c *Counted) RegisterWaiter(waiter guid.GUID, slot int32, mode datablock.Mode) error {
	if c.satisfiedOnce.Load() {
		c.serveLate(waiter, slot)
		return nil
	}
	c.mu.Lock()
	if c.satisfiedOnce.Load() {
		c.mu.Unlock()
		c.serveLate(waiter, slot)
		return nil
	}
	c.addWaiterLocked(regNode{waiter: waiter, slot: slot, mode: mode})
	c.mu.Unlock()
	return nil
}

func (c *Counted) serveLate(waiter guid.GUID, slot int32) {
	payload, _ := c.data.Load().(guid.GUID)
	if c.dispatch != nil {
		c.dispatch(waiter, slot, payload)
	}
	if c.nbDeps.Add(-1) <= 0 {
		c.finishDeferredDestroy()
	}
}

func (c *Counted) Destroyed() bool { return c.isDestroyed() }

// ------------------------------------------------------------- CHANNEL

// Channel pairs two bounded rings: satisfactions waiting for a
// register, and registrations waiting for a satisfy. Overflow on
// either side is a configuration error; unbounded channels are out of
// scope.
type Channel struct {
	mu       sync.Mutex
	guid     guid.GUID
	dispatch Dispatch

	payloads []guid.GUID
	waiters  []regNode

	payloadCap int
	waiterCap  int
}

func NewChannel(g guid.GUID, dispatch Dispatch, maxGen, nbSat, nbDeps int) *Channel {
	return &Channel{
		guid:       g,
		dispatch:   dispatch,
		payloadCap: maxGen * nbSat,
		waiterCap:  maxGen * nbDeps,
	}
}

func (c *Channel) GUID() guid.GUID { return c.guid }
func (c *Channel) Kind() guid.Kind { return guid.KindEventChannel }

func (c *Channel) Satisfy(payload guid.GUID) error {
	c.mu.Lock()
	if len(c.waiters) > 0 {
		w := c.waiters[0]
		c.waiters = c.waiters[1:]
		c.mu.Unlock()
		if c.dispatch != nil {
			c.dispatch(w.waiter, w.slot, payload)
		}
		return nil
	}
	if len(c.payloads) >= c.payloadCap {
		c.mu.Unlock()
		return ErrChannelOverflow
	}
	c.payloads = append(c.payloads, payload)
	c.mu.Unlock()
	return nil
}

func (c *Channel) RegisterWaiter(waiter guid.GUID, slot int32, mode datablock.Mode) error {
	c.mu.Lock()
	if len(c.payloads) > 0 {
		payload := c.payloads[0]
		c.payloads = c.payloads[1:]
		c.mu.Unlock()
		if c.dispatch != nil {
			c.dispatch(waiter, slot, payload)
		}
		return nil
	}
	if len(c.waiters) >= c.waiterCap {
		c.mu.Unlock()
		return ErrChannelOverflow
	}
	c.waiters = append(c.waiters, regNode{waiter: waiter, slot: slot, mode: mode})
	c.mu.Unlock()
	return nil
}

// PendingPayloads and PendingWaiters expose ring occupancy for tests
// and diagnostics.
func (c *Channel) PendingPayloads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

func (c *Channel) PendingWaiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}
