// Package edt implements Event-Driven Task lifecycle: templates,
// dependence registration and satisfaction, stable-sorted datablock
// acquisition, execution, and finish-scope/reaping cleanup.
package edt

import (
	"errors"
	"sync"

	"github.com/ocr-go/ocr/internal/datablock"
	"github.com/ocr-go/ocr/internal/event"
	"github.com/ocr-go/ocr/internal/guid"
)

var (
	ErrSlotOutOfRange       = errors.New("edt: slot out of range")
	ErrSlotAlreadySatisfied = errors.New("edt: slot already satisfied")
	ErrUnsupportedSignaler  = errors.New("edt: unsupported signaler kind")
	ErrDestroyWhileRunning  = errors.New("edt: destroy forbidden between RUNNING and REAPING")
)

// State is the EDT lifecycle state machine of spec.md §3 "EDT".
type State int

const (
	StateCreated State = iota
	StateAllDeps
	StateAllAcq
	StateRunning
	StateResched
	StateReaping
)

// Func is the user computation a template wraps. It receives resolved
// dependences indexed by their original add-dependence slot (not
// acquisition order) and returns the GUID that becomes the output
// event's payload.
type Func func(paramc int, paramv []int64, depc int, resolvedDeps []DepSlot) guid.GUID

// Template carries the function pointer and arity, shared by every EDT
// instance created from it.
type Template struct {
	GUID   guid.GUID
	Fn     Func
	ParamC int
	DepC   int
	Name   string
}

func NewTemplate(g guid.GUID, fn Func, paramc, depc int, name string) *Template {
	return &Template{GUID: g, Fn: fn, ParamC: paramc, DepC: depc, Name: name}
}

// DepSlot is a resolved dependence handed to the user function.
type DepSlot struct {
	GUID guid.GUID
	Data []byte
	Mode datablock.Mode
}

// slot sentinel values for signaler.slot, per spec.md §4.4 "Slot state
// encoding in signalers[slot]". Non-negative values (0..depc-1) mean
// "registered on a persistent event awaiting fire, this is its own
// index" and are therefore distinguished from uninitialized/terminal
// markers by being >= 0.
const (
	slotUninitialized          int32 = -1
	slotSatisfiedEvt           int32 = -2
	slotSatisfiedDB            int32 = -3
	slotRegisteredEphemeralEvt int32 = -4
	slotPendingPersistent      int32 = -5
)

type signaler struct {
	guid guid.GUID
	slot int32
	mode datablock.Mode
}

func (s signaler) terminal() bool {
	return s.slot == slotSatisfiedEvt || s.slot == slotSatisfiedDB
}

// SchedulerHook is the notify/pull contract of spec.md §4.5, consumed
// here as a collaborator interface so this package never imports
// internal/scheduler (the dependency runs the other way).
type SchedulerHook interface {
	NotifySatisfied(e *EDT) (runNow bool)
	NotifyReady(e *EDT)
	NotifyDone(e *EDT)
}

// DBLookup resolves a DB's GUID to its live instance.
type DBLookup interface {
	Get(g guid.GUID) (*datablock.DataBlock, bool)
}

// registrable is satisfied by every event kind's RegisterWaiter method.
type registrable interface {
	RegisterWaiter(waiter guid.GUID, slot int32, mode datablock.Mode) error
}

// EventRegistry resolves event GUIDs to live instances and mints new
// latch/once events for finish scopes and output events.
type EventRegistry interface {
	Get(g guid.GUID) (any, bool)
	NewOnce(dispatch event.Dispatch) (guid.GUID, *event.Once)
	NewLatch(dispatch event.Dispatch, initial int64) (guid.GUID, *event.Latch)
}

// EDT is a single task instance created from a Template.
type EDT struct {
	mu sync.Mutex

	GUID     guid.GUID
	Template *Template
	ParamV   []int64
	Location guid.Location

	signalers         []signaler
	resolvedDeps      []DepSlot
	doNotReleaseSlots []bool
	acquireOrder      []int
	dbFrontier        int
	frontierSlot      int
	slotSatisfiedCount int

	unkDbs []guid.GUID

	outputEvent guid.GUID
	finishLatch guid.GUID
	parentLatch guid.GUID

	state State

	scheduler SchedulerHook
	dbs       DBLookup
	events    EventRegistry
}

// CreateParams collects an EDT's construction-time collaborators and
// finish-scope wiring.
type CreateParams struct {
	GUID            guid.GUID
	Template        *Template
	ParamV          []int64
	Location        guid.Location
	FinishScope     bool
	ParentLatch     guid.GUID
	WantOutputEvent bool

	Scheduler SchedulerHook
	DBs       DBLookup
	Events    EventRegistry
	Dispatch  event.Dispatch // wired so signaler events can notify this EDT's slots
}

// Create implements spec.md §4.4 "Creation": mints finish-scope
// bookkeeping (a LATCH checked in once so it cannot fire before any
// child registers, linked to an enclosing parent latch if any) and an
// output ONCE event when requested or implied by a finish scope.
func Create(p CreateParams) (*EDT, error) {
	depc := p.Template.DepC
	e := &EDT{
		GUID:              p.GUID,
		Template:          p.Template,
		ParamV:            p.ParamV,
		Location:          p.Location,
		signalers:         make([]signaler, depc),
		resolvedDeps:      make([]DepSlot, depc),
		doNotReleaseSlots: make([]bool, depc),
		outputEvent:       guid.Null,
		finishLatch:       guid.Null,
		parentLatch:       guid.Null,
		state:             StateCreated,
		scheduler:         p.Scheduler,
		dbs:               p.DBs,
		events:            p.Events,
	}
	for i := range e.signalers {
		e.signalers[i] = signaler{guid: guid.Uninitialized, slot: slotUninitialized}
	}

	var finishLatchObj *event.Latch
	if p.FinishScope {
		latchGUID, latch := p.Events.NewLatch(p.Dispatch, 0)
		latch.Satisfy(event.IncrSlot) // check in once: don't fire before any child registers
		e.finishLatch = latchGUID
		finishLatchObj = latch
		if p.ParentLatch != guid.Null {
			e.incrLatch(p.ParentLatch)
			e.parentLatch = p.ParentLatch
		}
	} else if p.ParentLatch != guid.Null {
		e.incrLatch(p.ParentLatch)
		e.parentLatch = p.ParentLatch
	}

	if p.WantOutputEvent || e.finishLatch != guid.Null {
		outGUID, _ := p.Events.NewOnce(p.Dispatch)
		e.outputEvent = outGUID
		if finishLatchObj != nil {
			// A finish scope's output event must fire only after the
			// finish EDT and every transitively created child has
			// completed, not as soon as this EDT's own reap runs:
			// register it on the finish latch's zero transition
			// instead of satisfying it directly below.
			_ = finishLatchObj.RegisterWaiter(outGUID, 0, datablock.ModeNull)
		}
	}

	if depc == 0 {
		// vacuously satisfied: nothing to wait on.
		e.allDepvSatisfied()
	}
	return e, nil
}

func (e *EDT) incrLatch(g guid.GUID) {
	if e.events == nil {
		return
	}
	if reg, ok := e.events.Get(g); ok {
		if latch, ok := reg.(*event.Latch); ok {
			latch.Satisfy(event.IncrSlot)
		}
	}
}

func (e *EDT) decrLatch(g guid.GUID) {
	if e.events == nil {
		return
	}
	if reg, ok := e.events.Get(g); ok {
		if latch, ok := reg.(*event.Latch); ok {
			latch.Satisfy(event.DecrSlot)
		}
	}
}

func (e *EDT) registerWithEvent(slot int, g guid.GUID, mode datablock.Mode) {
	if e.events == nil {
		return
	}
	if reg, ok := e.events.Get(g); ok {
		if r, ok := reg.(registrable); ok {
			_ = r.RegisterWaiter(e.GUID, int32(slot), mode)
		}
	}
}

// RegisterSignaler implements spec.md §4.4 "Registration
// (registerSignaler)". A DB signaler is registered by treating it as
// an immediate satisfy with the DB as payload.
func (e *EDT) RegisterSignaler(slot int, g guid.GUID, kind guid.Kind, mode datablock.Mode) error {
	if slot < 0 || slot >= len(e.signalers) {
		return ErrSlotOutOfRange
	}
	if kind == guid.KindDB {
		return e.Satisfy(slot, g, mode)
	}

	e.mu.Lock()
	e.signalers[slot].mode = mode
	switch {
	case kind == guid.KindEventOnce || kind == guid.KindEventLatch:
		e.signalers[slot].guid = g
		e.signalers[slot].slot = slotRegisteredEphemeralEvt
		atFrontier := slot == e.frontierSlot
		e.mu.Unlock()
		if atFrontier {
			e.registerWithEvent(slot, g, mode)
		}
		return nil
	case kind.IsEvent():
		e.signalers[slot].guid = g
		atFrontier := slot == e.frontierSlot
		if atFrontier {
			e.signalers[slot].slot = int32(slot)
		} else {
			e.signalers[slot].slot = slotPendingPersistent
		}
		e.mu.Unlock()
		if atFrontier {
			e.registerWithEvent(slot, g, mode)
		}
		return nil
	default:
		e.mu.Unlock()
		return ErrUnsupportedSignaler
	}
}

// Satisfy implements spec.md §4.4 "Satisfy (satisfyTaskHc)".
func (e *EDT) Satisfy(slot int, payload guid.GUID, mode datablock.Mode) error {
	if slot < 0 || slot >= len(e.signalers) {
		return ErrSlotOutOfRange
	}
	e.mu.Lock()
	if e.signalers[slot].terminal() {
		e.mu.Unlock()
		return ErrSlotAlreadySatisfied
	}
	if mode == datablock.ModeNull {
		e.signalers[slot].guid = guid.Null
	} else {
		e.signalers[slot].guid = payload
	}
	e.signalers[slot].mode = mode
	viaEvent := e.signalers[slot].slot == slotRegisteredEphemeralEvt || e.signalers[slot].slot >= 0
	if viaEvent {
		e.signalers[slot].slot = slotSatisfiedEvt
	} else {
		e.signalers[slot].slot = slotSatisfiedDB
	}
	e.slotSatisfiedCount++
	allDone := e.slotSatisfiedCount == len(e.signalers)
	if !allDone && slot == e.frontierSlot {
		e.advanceFrontierLocked()
	}
	e.mu.Unlock()

	if allDone {
		e.allDepvSatisfied()
	}
	return nil
}

func (e *EDT) advanceFrontierLocked() {
	for e.frontierSlot < len(e.signalers) && e.signalers[e.frontierSlot].terminal() {
		e.frontierSlot++
	}
	if e.frontierSlot < len(e.signalers) {
		s := &e.signalers[e.frontierSlot]
		if s.slot == slotPendingPersistent {
			slot := e.frontierSlot
			g, mode := s.guid, s.mode
			s.slot = int32(slot)
			e.mu.Unlock()
			e.registerWithEvent(slot, g, mode)
			e.mu.Lock()
		}
	}
}

// allDepvSatisfied implements spec.md §4.4 "All-deps-satisfied": a
// stable selection sort by DB GUID (rendered literally, not via a
// library sort, since the spec names the exact algorithm) produces the
// deadlock-avoiding acquisition order; resolvedDeps stays indexed by
// the original user-visible slot.
func (e *EDT) allDepvSatisfied() {
	e.mu.Lock()
	e.acquireOrder = stableSelectionSortIndices(e.signalers)
	for i := range e.resolvedDeps {
		e.resolvedDeps[i] = DepSlot{GUID: e.signalers[i].guid, Mode: e.signalers[i].mode}
	}
	e.state = StateAllDeps
	e.mu.Unlock()

	runNow := true
	if e.scheduler != nil {
		runNow = e.scheduler.NotifySatisfied(e)
	}
	if runNow {
		e.mu.Lock()
		e.dbFrontier = 0
		e.mu.Unlock()
		e.iterateDbFrontier()
	}
}

func stableSelectionSortIndices(signalers []signaler) []int {
	idx := make([]int, len(signalers))
	for i := range idx {
		idx[i] = i
	}
	for i := 0; i < len(idx); i++ {
		minPos := i
		for j := i + 1; j < len(idx); j++ {
			if signalers[idx[j]].guid < signalers[idx[minPos]].guid {
				minPos = j
			}
		}
		if minPos != i {
			v := idx[minPos]
			copy(idx[i+1:minPos+1], idx[i:minPos])
			idx[i] = v
		}
	}
	return idx
}

// Resume re-enters iterateDbFrontier at dbFrontier; a scheduler whose
// NotifySatisfied returned false calls it to start DB acquisition. A
// previously BUSY acquire is continued by acquireCallback instead.
func (e *EDT) Resume() {
	e.iterateDbFrontier()
}

// iterateDbFrontier implements spec.md §4.4 "iterateDbFrontier".
func (e *EDT) iterateDbFrontier() {
	e.mu.Lock()
	order := e.acquireOrder
	cursor := e.dbFrontier
	e.mu.Unlock()

	for cursor < len(order) {
		slotIdx := order[cursor]

		e.mu.Lock()
		g := e.signalers[slotIdx].guid
		mode := e.signalers[slotIdx].mode
		if cursor > 0 && g != guid.Null && g == e.signalers[order[cursor-1]].guid {
			prevSlot := order[cursor-1]
			e.resolvedDeps[slotIdx].Data = e.resolvedDeps[prevSlot].Data
			e.doNotReleaseSlots[slotIdx] = true
			cursor++
			e.dbFrontier = cursor
			e.mu.Unlock()
			continue
		}
		e.mu.Unlock()

		if mode == datablock.ModeNull || g == guid.Null {
			cursor++
			e.mu.Lock()
			e.dbFrontier = cursor
			e.mu.Unlock()
			continue
		}

		db, ok := e.dbs.Get(g)
		if !ok {
			return
		}
		data, status, err := db.Acquire(datablock.Requester(uint64(e.GUID)), e.Location, mode, e.acquireCallback(slotIdx, cursor))
		if err != nil {
			return
		}
		if status == datablock.StatusBusy {
			return // suspended; acquireCallback continues from the next slot once granted
		}

		e.mu.Lock()
		e.resolvedDeps[slotIdx].Data = data
		cursor++
		e.dbFrontier = cursor
		e.mu.Unlock()
	}

	e.mu.Lock()
	e.state = StateAllAcq
	e.mu.Unlock()
	if e.scheduler != nil {
		e.scheduler.NotifyReady(e)
	}
}

func (e *EDT) acquireCallback(slotIdx, cursor int) datablock.OnReady {
	return func(data []byte, err error) {
		e.mu.Lock()
		e.resolvedDeps[slotIdx].Data = data
		e.dbFrontier = cursor + 1
		e.mu.Unlock()
		e.iterateDbFrontier()
	}
}

// NotifyDbAcquire and NotifyDbRelease track DBs an executing EDT
// acquires dynamically, outside its static dependence list (spec.md
// §4.4 "unkDbs via notifyDbAcquire / notifyDbRelease"). Per the Open
// Question resolution in DESIGN.md, a GUID already present in
// resolvedDeps is never added here: the dependence list always wins
// search order.
func (e *EDT) NotifyDbAcquire(g guid.GUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, d := range e.resolvedDeps {
		if d.GUID == g {
			return
		}
	}
	e.unkDbs = append(e.unkDbs, g)
}

func (e *EDT) NotifyDbRelease(g guid.GUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, d := range e.unkDbs {
		if d == g {
			e.unkDbs = append(e.unkDbs[:i], e.unkDbs[i+1:]...)
			return
		}
	}
}

// Execute implements spec.md §4.4 "Execution" and "Cleanup (REAPING)".
func (e *EDT) Execute() guid.GUID {
	e.mu.Lock()
	e.state = StateRunning
	fn := e.Template.Fn
	paramc := e.Template.ParamC
	paramv := e.ParamV
	depc := e.Template.DepC
	deps := append([]DepSlot(nil), e.resolvedDeps...)
	e.mu.Unlock()

	out := fn(paramc, paramv, depc, deps)

	e.mu.Lock()
	e.state = StateResched
	e.mu.Unlock()

	e.reap(out)

	if e.scheduler != nil {
		e.scheduler.NotifyDone(e)
	}
	return out
}

func (e *EDT) reap(output guid.GUID) {
	e.mu.Lock()
	e.state = StateReaping
	var toRelease []guid.GUID
	for i, d := range e.resolvedDeps {
		if !e.doNotReleaseSlots[i] && d.GUID != guid.Null {
			toRelease = append(toRelease, d.GUID)
		}
	}
	unk := e.unkDbs
	e.unkDbs = nil
	outEvt := e.outputEvent
	finishLatch := e.finishLatch
	parentLatch := e.parentLatch
	e.mu.Unlock()

	req := datablock.Requester(uint64(e.GUID))
	for _, g := range toRelease {
		if db, ok := e.dbs.Get(g); ok {
			_ = db.Release(req)
		}
	}
	for _, g := range unk {
		if db, ok := e.dbs.Get(g); ok {
			_ = db.Release(req)
		}
	}

	if finishLatch != guid.Null {
		// this EDT is itself a finish scope: its output event is
		// wired as a waiter on finishLatch (see Create), so it must
		// not be satisfied here directly. Hand the latch this EDT's
		// own output as the payload to propagate once the counter
		// reaches zero, then decrement its own check-in, balancing
		// the check-in performed at Create. SetFinalPayload always
		// happens-before this decrement, so it is visible to whatever
		// goroutine's decrement actually drives the count to zero.
		if e.events != nil {
			if reg, ok := e.events.Get(finishLatch); ok {
				if latch, ok := reg.(*event.Latch); ok {
					latch.SetFinalPayload(output)
				}
			}
		}
		e.decrLatch(finishLatch)
	} else if outEvt != guid.Null && e.events != nil {
		if reg, ok := e.events.Get(outEvt); ok {
			if once, ok := reg.(*event.Once); ok {
				_ = once.Satisfy(output)
			}
		}
	}
	if parentLatch != guid.Null {
		e.decrLatch(parentLatch)
	}
}

// State reports the EDT's current lifecycle state.
func (e *EDT) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// OutputEvent returns the GUID of this EDT's output ONCE event, or
// guid.Null if it has none. Create makes one when WantOutputEvent is
// set and for every finish-scope EDT.
func (e *EDT) OutputEvent() guid.GUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.outputEvent
}

// FinishLatch returns the GUID of this EDT's finish latch, or
// guid.Null if it is not a finish EDT.
func (e *EDT) FinishLatch() guid.GUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.finishLatch
}
