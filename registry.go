package ocr

import (
	"sync"

	"github.com/ocr-go/ocr/internal/datablock"
	"github.com/ocr-go/ocr/internal/edt"
	"github.com/ocr-go/ocr/internal/event"
	"github.com/ocr-go/ocr/internal/guid"
)

// registry is the production analogue of internal/edt's test-only
// testWorld: it resolves GUIDs to live DB/event/EDT/template instances
// and mints new events on an EDT's behalf, wired so every event's
// dispatch callback routes a dependence satisfy back into the target
// EDT's Satisfy. Unlike testWorld it also tracks events'
// dynamic kind so EventSatisfy can route to the right concrete type
// without the caller naming it.
type registry struct {
	mu        sync.Mutex
	provider  *guid.MemoryProvider
	loc       guid.Location
	dbs       map[guid.GUID]*datablock.DataBlock
	events    map[guid.GUID]any
	edts      map[guid.GUID]*edt.EDT
	templates map[guid.GUID]*edt.Template

	metrics  *Metrics
	observer Observer
}

func newRegistry(provider *guid.MemoryProvider, loc guid.Location, m *Metrics, obs Observer) *registry {
	return &registry{
		provider:  provider,
		loc:       loc,
		dbs:       map[guid.GUID]*datablock.DataBlock{},
		events:    map[guid.GUID]any{},
		edts:      map[guid.GUID]*edt.EDT{},
		templates: map[guid.GUID]*edt.Template{},
		metrics:   m,
		observer:  obs,
	}
}

func (r *registry) getDB(g guid.GUID) (*datablock.DataBlock, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	db, ok := r.dbs[g]
	return db, ok
}

func (r *registry) registerDB(g guid.GUID, db *datablock.DataBlock) {
	r.mu.Lock()
	r.dbs[g] = db
	r.mu.Unlock()
}

func (r *registry) removeDB(g guid.GUID) {
	r.mu.Lock()
	delete(r.dbs, g)
	r.mu.Unlock()
}

// GetEvent implements edt.EventRegistry.
func (r *registry) GetEvent(g guid.GUID) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.events[g]
	return ev, ok
}

// NewOnce implements edt.EventRegistry, minting a ONCE event used for
// an EDT's output event or finish-scope bookkeeping.
func (r *registry) NewOnce(dispatch event.Dispatch) (guid.GUID, *event.Once) {
	g := r.provider.Mint(guid.KindEventOnce, r.loc)
	o := event.NewOnce(g, dispatch)
	r.mu.Lock()
	r.events[g] = o
	r.mu.Unlock()
	return g, o
}

// NewLatch implements edt.EventRegistry, minting a LATCH event used
// for an EDT's finish scope.
func (r *registry) NewLatch(dispatch event.Dispatch, initial int64) (guid.GUID, *event.Latch) {
	g := r.provider.Mint(guid.KindEventLatch, r.loc)
	l := event.NewLatch(g, dispatch, initial)
	r.mu.Lock()
	r.events[g] = l
	r.mu.Unlock()
	return g, l
}

// createEvent mints a user-visible event of the requested kind, for
// the public EventCreate API (spec.md §6). Latch/Counted/Channel take
// extra sizing arguments; Once/Sticky/Idem ignore them.
func (r *registry) createEvent(kind guid.Kind, initial int64, maxGen, nbSat, nbDeps int) (guid.GUID, error) {
	switch kind {
	case guid.KindEventOnce:
		g, _ := r.NewOnce(r.dispatch)
		return g, nil
	case guid.KindEventLatch:
		g, _ := r.NewLatch(r.dispatch, initial)
		return g, nil
	case guid.KindEventSticky:
		g := r.provider.Mint(guid.KindEventSticky, r.loc)
		s := event.NewSticky(g, r.dispatch)
		r.mu.Lock()
		r.events[g] = s
		r.mu.Unlock()
		return g, nil
	case guid.KindEventIdem:
		g := r.provider.Mint(guid.KindEventIdem, r.loc)
		i := event.NewIdem(g, r.dispatch)
		r.mu.Lock()
		r.events[g] = i
		r.mu.Unlock()
		return g, nil
	case guid.KindEventCounted:
		g := r.provider.Mint(guid.KindEventCounted, r.loc)
		c := event.NewCounted(g, r.dispatch, int64(nbDeps))
		r.mu.Lock()
		r.events[g] = c
		r.mu.Unlock()
		return g, nil
	case guid.KindEventChannel:
		g := r.provider.Mint(guid.KindEventChannel, r.loc)
		c := event.NewChannel(g, r.dispatch, maxGen, nbSat, nbDeps)
		r.mu.Lock()
		r.events[g] = c
		r.mu.Unlock()
		return g, nil
	default:
		return guid.Null, NewError("EventCreate", CodeEInval, "unsupported event kind: "+kind.String())
	}
}

// singleSatisfiable is satisfied by ONCE/STICKY/IDEM/COUNTED/CHANNEL,
// whose Satisfy takes only a payload (LATCH's differs: see
// Runtime.EventSatisfySlot).
type singleSatisfiable interface {
	Satisfy(payload guid.GUID) error
}

// destroyable is satisfied by the event kinds with an explicit Destroy.
type destroyable interface {
	Destroy() error
}

// dispatch is shared by every event minted through this registry: it
// routes a dependence-satisfy message to the named EDT's slot, exactly
// as internal/edt's testWorld.dispatch does for the test double. A
// waiter may also name another event rather than an EDT — a finish
// scope's output event is itself registered as a waiter on the finish
// latch, so its zero transition routes here too.
func (r *registry) dispatch(waiter guid.GUID, slot int32, payload guid.GUID) {
	r.mu.Lock()
	target, isEDT := r.edts[waiter]
	ev, isEvent := r.events[waiter]
	r.mu.Unlock()
	if isEDT {
		_ = target.Satisfy(int(slot), payload, datablock.ModeRO)
		return
	}
	if isEvent {
		if s, ok := ev.(singleSatisfiable); ok {
			_ = s.Satisfy(payload)
		}
	}
}

func (r *registry) registerEDT(e *edt.EDT) {
	r.mu.Lock()
	r.edts[e.GUID] = e
	r.mu.Unlock()
}

func (r *registry) getEDT(g guid.GUID) (*edt.EDT, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.edts[g]
	return e, ok
}

func (r *registry) removeEDT(g guid.GUID) {
	r.mu.Lock()
	delete(r.edts, g)
	r.mu.Unlock()
}

func (r *registry) registerTemplate(t *edt.Template) {
	r.mu.Lock()
	r.templates[t.GUID] = t
	r.mu.Unlock()
}

func (r *registry) getTemplate(g guid.GUID) (*edt.Template, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.templates[g]
	return t, ok
}

// dbView adapts registry to edt.DBLookup; a distinct named type is
// required because DBLookup and EventRegistry both name a Get method
// with a different return type, which one Go type cannot implement
// twice (the same split the teacher-grounded testWorld uses).
type dbView struct{ r *registry }

func (d dbView) Get(g guid.GUID) (*datablock.DataBlock, bool) { return d.r.getDB(g) }

// eventView adapts registry to edt.EventRegistry.
type eventView struct{ r *registry }

func (v eventView) Get(g guid.GUID) (any, bool)         { return v.r.GetEvent(g) }
func (v eventView) NewOnce(d event.Dispatch) (guid.GUID, *event.Once) { return v.r.NewOnce(d) }
func (v eventView) NewLatch(d event.Dispatch, initial int64) (guid.GUID, *event.Latch) {
	return v.r.NewLatch(d, initial)
}
