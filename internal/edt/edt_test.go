package edt

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ocr-go/ocr/internal/allocator"
	"github.com/ocr-go/ocr/internal/datablock"
	"github.com/ocr-go/ocr/internal/event"
	"github.com/ocr-go/ocr/internal/guid"
)

// testWorld is a minimal in-memory runtime double implementing
// DBLookup, EventRegistry, and SchedulerHook, wiring events' dispatch
// callbacks back into the owning EDT's Satisfy/Resume so the whole
// dependence-resolution loop runs end to end without a real runtime.
type testWorld struct {
	mu       sync.Mutex
	provider *guid.MemoryProvider
	dbs      map[guid.GUID]*datablock.DataBlock
	events   map[guid.GUID]any
	edts     map[guid.GUID]*EDT

	readyEDTs []*EDT
	doneEDTs  []*EDT
}

func newTestWorld() *testWorld {
	return &testWorld{
		provider: guid.NewMemoryProvider(guid.Location(1)),
		dbs:      map[guid.GUID]*datablock.DataBlock{},
		events:   map[guid.GUID]any{},
		edts:     map[guid.GUID]*EDT{},
	}
}

func (w *testWorld) getDB(g guid.GUID) (*datablock.DataBlock, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	db, ok := w.dbs[g]
	return db, ok
}

func (w *testWorld) GetEvent(g guid.GUID) (any, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ev, ok := w.events[g]
	return ev, ok
}

// dbView and eventView wrap testWorld to satisfy DBLookup and
// EventRegistry separately: both interfaces name a Get method with a
// different return type, which one Go type cannot implement twice.
type dbView struct{ w *testWorld }

func (d dbView) Get(g guid.GUID) (*datablock.DataBlock, bool) { return d.w.getDB(g) }

type eventView struct{ w *testWorld }

func (v eventView) Get(g guid.GUID) (any, bool) { return v.w.GetEvent(g) }
func (v eventView) NewOnce(dispatch event.Dispatch) (guid.GUID, *event.Once) {
	return v.w.NewOnce(dispatch)
}
func (v eventView) NewLatch(dispatch event.Dispatch, initial int64) (guid.GUID, *event.Latch) {
	return v.w.NewLatch(dispatch, initial)
}

func (w *testWorld) NewOnce(dispatch event.Dispatch) (guid.GUID, *event.Once) {
	g := w.provider.Mint(guid.KindEventOnce, 0)
	o := event.NewOnce(g, dispatch)
	w.mu.Lock()
	w.events[g] = o
	w.mu.Unlock()
	return g, o
}

func (w *testWorld) NewLatch(dispatch event.Dispatch, initial int64) (guid.GUID, *event.Latch) {
	g := w.provider.Mint(guid.KindEventLatch, 0)
	l := event.NewLatch(g, dispatch, initial)
	w.mu.Lock()
	w.events[g] = l
	w.mu.Unlock()
	return g, l
}

func (w *testWorld) newDB(size uint64) guid.GUID {
	g := w.provider.Mint(guid.KindDB, 0)
	db, err := datablock.New(g, allocator.NewSlab(0), size, w.provider)
	if err != nil {
		panic(err)
	}
	w.mu.Lock()
	w.dbs[g] = db
	w.mu.Unlock()
	return g
}

func (w *testWorld) registerEDT(e *EDT) {
	w.mu.Lock()
	w.edts[e.GUID] = e
	w.mu.Unlock()
}

// dispatch is shared by every event created in this world: it routes a
// dependence-satisfy message to the named EDT's slot. A waiter may
// also name another event rather than an EDT (a finish scope's output
// event registered on its own finish latch).
func (w *testWorld) dispatch(waiter guid.GUID, slot int32, payload guid.GUID) {
	w.mu.Lock()
	target, isEDT := w.edts[waiter]
	ev, isEvent := w.events[waiter]
	w.mu.Unlock()
	if isEDT {
		_ = target.Satisfy(int(slot), payload, datablock.ModeRO)
		return
	}
	if isEvent {
		if once, ok := ev.(*event.Once); ok {
			_ = once.Satisfy(payload)
		}
	}
}

func (w *testWorld) NotifySatisfied(e *EDT) bool { return true }
func (w *testWorld) NotifyReady(e *EDT) {
	w.mu.Lock()
	w.readyEDTs = append(w.readyEDTs, e)
	w.mu.Unlock()
}
func (w *testWorld) NotifyDone(e *EDT) {
	w.mu.Lock()
	w.doneEDTs = append(w.doneEDTs, e)
	w.mu.Unlock()
}

func noopFn(paramc int, paramv []int64, depc int, deps []DepSlot) guid.GUID {
	return guid.Null
}

// TestSingleEDTTwoDBDepsRW matches spec.md scenario #1.
func TestSingleEDTTwoDBDepsRW(t *testing.T) {
	w := newTestWorld()
	dbA := w.newDB(64)
	dbB := w.newDB(64)

	tmpl := NewTemplate(w.provider.Mint(guid.KindEDTTemplate, 0), noopFn, 0, 2, "t")
	eGUID := w.provider.Mint(guid.KindEDT, 0)
	e, err := Create(CreateParams{
		GUID:     eGUID,
		Template: tmpl,
		Location: guid.Location(1),
		Scheduler: w, DBs: dbView{w}, Events: eventView{w}, Dispatch: w.dispatch,
	})
	require.NoError(t, err)
	w.registerEDT(e)

	require.NoError(t, e.RegisterSignaler(0, dbA, guid.KindDB, datablock.ModeITW))
	require.NoError(t, e.RegisterSignaler(1, dbB, guid.KindDB, datablock.ModeITW))

	require.Equal(t, StateAllAcq, e.State())
	require.Len(t, w.readyEDTs, 1)

	out := e.Execute()
	require.Equal(t, guid.Null, out)
	require.Len(t, w.doneEDTs, 1)

	dba, _ := w.getDB(dbA)
	dbb, _ := w.getDB(dbB)
	require.Equal(t, 0, dba.NumUsers())
	require.Equal(t, 0, dbb.NumUsers())
}

func TestDuplicateDBAcrossSlotsDoesNotDoubleRelease(t *testing.T) {
	w := newTestWorld()
	dbA := w.newDB(64)

	tmpl := NewTemplate(w.provider.Mint(guid.KindEDTTemplate, 0), noopFn, 0, 2, "t")
	eGUID := w.provider.Mint(guid.KindEDT, 0)
	e, err := Create(CreateParams{
		GUID: eGUID, Template: tmpl, Location: guid.Location(1),
		Scheduler: w, DBs: dbView{w}, Events: eventView{w}, Dispatch: w.dispatch,
	})
	require.NoError(t, err)
	w.registerEDT(e)

	require.NoError(t, e.RegisterSignaler(0, dbA, guid.KindDB, datablock.ModeRO))
	require.NoError(t, e.RegisterSignaler(1, dbA, guid.KindDB, datablock.ModeRO))
	require.Equal(t, StateAllAcq, e.State())

	dba, _ := w.getDB(dbA)
	require.Equal(t, 1, dba.NumUsers(), "duplicate DB across slots acquires once")

	e.Execute()
	require.Equal(t, 0, dba.NumUsers())
}

// TestStickyFanOutAcrossEDTs matches spec.md scenario #2.
func TestStickyFanOutAcrossEDTs(t *testing.T) {
	w := newTestWorld()
	s := event.NewSticky(w.provider.Mint(guid.KindEventSticky, 0), w.dispatch)
	w.mu.Lock()
	w.events[s.GUID()] = s
	w.mu.Unlock()

	dGUID := w.newDB(32)

	var edts []*EDT
	for i := 0; i < 3; i++ {
		tmpl := NewTemplate(w.provider.Mint(guid.KindEDTTemplate, 0), noopFn, 0, 1, "t")
		eGUID := w.provider.Mint(guid.KindEDT, 0)
		e, err := Create(CreateParams{
			GUID: eGUID, Template: tmpl, Location: guid.Location(1),
			Scheduler: w, DBs: dbView{w}, Events: eventView{w}, Dispatch: w.dispatch,
		})
		require.NoError(t, err)
		w.registerEDT(e)
		require.NoError(t, e.RegisterSignaler(0, s.GUID(), guid.KindEventSticky, datablock.ModeRO))
		edts = append(edts, e)
	}

	require.NoError(t, s.Satisfy(dGUID))
	for _, e := range edts {
		require.Equal(t, StateAllAcq, e.State())
		require.Equal(t, dGUID, e.resolvedDeps[0].GUID)
	}

	// a fourth, late EDT also fires immediately.
	tmpl := NewTemplate(w.provider.Mint(guid.KindEDTTemplate, 0), noopFn, 0, 1, "t")
	eGUID := w.provider.Mint(guid.KindEDT, 0)
	e4, err := Create(CreateParams{
		GUID: eGUID, Template: tmpl, Location: guid.Location(1),
		Scheduler: w, DBs: dbView{w}, Events: eventView{w}, Dispatch: w.dispatch,
	})
	require.NoError(t, err)
	w.registerEDT(e4)
	require.NoError(t, e4.RegisterSignaler(0, s.GUID(), guid.KindEventSticky, datablock.ModeRO))
	require.Equal(t, StateAllAcq, e4.State())
}

// TestFinishScopeFiresAfterAllChildren matches spec.md scenario #3 at
// small scale: a finish EDT with two children.
func TestFinishScopeFiresAfterAllChildren(t *testing.T) {
	w := newTestWorld()

	ftmpl := NewTemplate(w.provider.Mint(guid.KindEDTTemplate, 0), noopFn, 0, 0, "finish")
	fGUID := w.provider.Mint(guid.KindEDT, 0)
	f, err := Create(CreateParams{
		GUID: fGUID, Template: ftmpl, Location: guid.Location(1),
		FinishScope: true,
		Scheduler:   w, DBs: dbView{w}, Events: eventView{w}, Dispatch: w.dispatch,
	})
	require.NoError(t, err)
	w.registerEDT(f)
	require.NotEqual(t, guid.Null, f.FinishLatch())

	require.NotEqual(t, guid.Null, f.OutputEvent())

	var children []*EDT
	for i := 0; i < 2; i++ {
		ctmpl := NewTemplate(w.provider.Mint(guid.KindEDTTemplate, 0), noopFn, 0, 0, "child")
		cGUID := w.provider.Mint(guid.KindEDT, 0)
		c, err := Create(CreateParams{
			GUID: cGUID, Template: ctmpl, Location: guid.Location(1),
			ParentLatch: f.FinishLatch(),
			Scheduler:   w, DBs: dbView{w}, Events: eventView{w}, Dispatch: w.dispatch,
		})
		require.NoError(t, err)
		w.registerEDT(c)
		children = append(children, c)
	}

	latch := mustLatch(t, w, f.FinishLatch())
	require.Equal(t, int64(3), latch.Count()) // 1 self check-in + 2 children

	outEvt := mustOnce(t, w, f.OutputEvent())

	// finish EDT itself must have deps satisfied immediately (depc=0).
	require.Equal(t, StateAllAcq, f.State())
	f.Execute()
	require.False(t, latch.Destroyed())
	require.Equal(t, int64(2), latch.Count())
	require.False(t, outEvt.Destroyed(), "output event must not fire while children are still outstanding")

	for i, c := range children {
		require.Equal(t, StateAllAcq, c.State())
		c.Execute()
		if i < len(children)-1 {
			require.False(t, outEvt.Destroyed(), "output event must not fire until every child has completed")
		}
	}
	require.True(t, latch.Destroyed())
	require.True(t, outEvt.Destroyed(), "output event must fire once the finish latch reaches zero")
}

func mustLatch(t *testing.T, w *testWorld, g guid.GUID) *event.Latch {
	t.Helper()
	v, ok := w.GetEvent(g)
	require.True(t, ok)
	l, ok := v.(*event.Latch)
	require.True(t, ok)
	return l
}

func mustOnce(t *testing.T, w *testWorld, g guid.GUID) *event.Once {
	t.Helper()
	v, ok := w.GetEvent(g)
	require.True(t, ok)
	o, ok := v.(*event.Once)
	require.True(t, ok)
	return o
}

func TestRegisterSignalerRejectsOutOfRangeSlot(t *testing.T) {
	w := newTestWorld()
	tmpl := NewTemplate(w.provider.Mint(guid.KindEDTTemplate, 0), noopFn, 0, 1, "t")
	e, err := Create(CreateParams{
		GUID: w.provider.Mint(guid.KindEDT, 0), Template: tmpl, Location: guid.Location(1),
		Scheduler: w, DBs: dbView{w}, Events: eventView{w}, Dispatch: w.dispatch,
	})
	require.NoError(t, err)
	require.Equal(t, ErrSlotOutOfRange, e.RegisterSignaler(5, guid.GUID(1), guid.KindDB, datablock.ModeRO))
}

func TestDoubleSatisfySameSlotErrors(t *testing.T) {
	w := newTestWorld()
	dbA := w.newDB(16)
	tmpl := NewTemplate(w.provider.Mint(guid.KindEDTTemplate, 0), noopFn, 0, 1, "t")
	e, err := Create(CreateParams{
		GUID: w.provider.Mint(guid.KindEDT, 0), Template: tmpl, Location: guid.Location(1),
		Scheduler: w, DBs: dbView{w}, Events: eventView{w}, Dispatch: w.dispatch,
	})
	require.NoError(t, err)
	require.NoError(t, e.RegisterSignaler(0, dbA, guid.KindDB, datablock.ModeRO))
	require.Equal(t, ErrSlotAlreadySatisfied, e.Satisfy(0, dbA, datablock.ModeRO))
}
