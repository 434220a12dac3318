package ocr

import (
	"github.com/ocr-go/ocr/internal/datablock"
	"github.com/ocr-go/ocr/internal/edt"
	"github.com/ocr-go/ocr/internal/event"
	"github.com/ocr-go/ocr/internal/guid"
)

// EdtTemplateCreate registers a reusable EDT template, spec.md §6
// ocrEdtTemplateCreate.
func (rt *Runtime) EdtTemplateCreate(fn edt.Func, paramc, depc int, name string) (guid.GUID, error) {
	if fn == nil {
		return guid.Null, NewError("EdtTemplateCreate", CodeEInval, "nil function")
	}
	g := rt.provider.Mint(guid.KindEDTTemplate, guid.Location(0))
	rt.reg.registerTemplate(edt.NewTemplate(g, fn, paramc, depc, name))
	return g, nil
}

// EdtCreateParams collects ocrEdtCreate's optional arguments.
type EdtCreateParams struct {
	Template        guid.GUID
	ParamV          []int64
	Depc            int
	FinishScope     bool
	ParentLatch     guid.GUID
	WantOutputEvent bool
}

// EdtCreate instantiates an EDT from a template, spec.md §6
// ocrEdtCreate. It returns the new EDT's GUID.
func (rt *Runtime) EdtCreate(p EdtCreateParams) (guid.GUID, error) {
	tmpl, ok := rt.reg.getTemplate(p.Template)
	if !ok {
		return guid.Null, NewGUIDError("EdtCreate", p.Template, CodeEInval, "unknown template")
	}
	g := rt.provider.Mint(guid.KindEDT, guid.Location(0))
	e, err := edt.Create(edt.CreateParams{
		GUID:            g,
		Template:        tmpl,
		ParamV:          p.ParamV,
		Location:        guid.Location(0),
		FinishScope:     p.FinishScope,
		ParentLatch:     p.ParentLatch,
		WantOutputEvent: p.WantOutputEvent,
		Scheduler:       rt.hook,
		DBs:             dbView{rt.reg},
		Events:          eventView{rt.reg},
		Dispatch:        rt.reg.dispatch,
	})
	if err != nil {
		return guid.Null, WrapError("EdtCreate", err)
	}
	rt.reg.registerEDT(e)
	rt.metrics.RecordEdtCreated()
	rt.observer.ObserveEdtCreated()
	return g, nil
}

// AddDependence registers destGUID's dependence on srcGUID at slot,
// spec.md §6 ocrAddDependence. srcGUID may name a DB or an event; its
// Kind() determines how the signaler resolves.
func (rt *Runtime) AddDependence(srcGUID, destGUID guid.GUID, slot int, mode datablock.Mode) error {
	e, ok := rt.reg.getEDT(destGUID)
	if !ok {
		return NewGUIDError("AddDependence", destGUID, CodeEInval, "unknown destination edt")
	}
	if err := e.RegisterSignaler(slot, srcGUID, srcGUID.Kind(), mode); err != nil {
		return WrapError("AddDependence", err)
	}
	return nil
}

// EventCreate mints a new event of the requested kind, spec.md §6
// ocrEventCreate. initial is the LATCH starting counter value (ignored
// for other kinds); maxGen/nbSat/nbDeps size a CHANNEL event (ignored
// for other kinds).
func (rt *Runtime) EventCreate(kind guid.Kind, initial int64, maxGen, nbSat, nbDeps int) (guid.GUID, error) {
	g, err := rt.reg.createEvent(kind, initial, maxGen, nbSat, nbDeps)
	if err != nil {
		return guid.Null, err
	}
	rt.metrics.RecordEventRegister()
	return g, nil
}

// EventSatisfy fires a ONCE/STICKY/IDEM/COUNTED/CHANNEL event with
// payload, spec.md §6 ocrEventSatisfy. Use EventSatisfySlot for LATCH.
func (rt *Runtime) EventSatisfy(g guid.GUID, payload guid.GUID) error {
	ev, ok := rt.reg.GetEvent(g)
	if !ok {
		return NewGUIDError("EventSatisfy", g, CodeEInval, "unknown event")
	}
	s, ok := ev.(singleSatisfiable)
	if !ok {
		return NewGUIDError("EventSatisfy", g, CodeEInval, "event kind requires EventSatisfySlot")
	}
	if err := s.Satisfy(payload); err != nil {
		return WrapError("EventSatisfy", err)
	}
	rt.metrics.RecordEventSatisfy(kindLabel(g.Kind()))
	rt.observer.ObserveEventSatisfy(kindLabel(g.Kind()))
	return nil
}

// EventSatisfySlot fires a LATCH event's increment or decrement slot,
// spec.md §6 ocrEventSatisfy as applied to EVT_LATCH.
func (rt *Runtime) EventSatisfySlot(g guid.GUID, slot event.LatchSlot) error {
	ev, ok := rt.reg.GetEvent(g)
	if !ok {
		return NewGUIDError("EventSatisfySlot", g, CodeEInval, "unknown event")
	}
	latch, ok := ev.(*event.Latch)
	if !ok {
		return NewGUIDError("EventSatisfySlot", g, CodeEInval, "event is not a latch")
	}
	if err := latch.Satisfy(slot); err != nil {
		return WrapError("EventSatisfySlot", err)
	}
	rt.metrics.RecordEventSatisfy("latch")
	rt.observer.ObserveEventSatisfy("latch")
	return nil
}

// EventDestroy destroys a STICKY/IDEM event explicitly, spec.md §6
// ocrEventDestroy. ONCE events self-destroy on satisfy and LATCH events
// self-destroy when their counter reaches zero, so only the kinds with
// an explicit Destroy method are accepted here.
func (rt *Runtime) EventDestroy(g guid.GUID) error {
	ev, ok := rt.reg.GetEvent(g)
	if !ok {
		return NewGUIDError("EventDestroy", g, CodeEInval, "unknown event")
	}
	d, ok := ev.(destroyable)
	if !ok {
		return NewGUIDError("EventDestroy", g, CodeEInval, "event kind self-destroys and cannot be destroyed explicitly")
	}
	if err := d.Destroy(); err != nil {
		return WrapError("EventDestroy", err)
	}
	return nil
}

func kindLabel(k guid.Kind) string {
	switch k {
	case guid.KindEventOnce:
		return "once"
	case guid.KindEventSticky:
		return "sticky"
	case guid.KindEventIdem:
		return "idem"
	case guid.KindEventLatch:
		return "latch"
	default:
		return "other"
	}
}

// DbCreate allocates a new datablock of size bytes, spec.md §6
// ocrDbCreate.
func (rt *Runtime) DbCreate(size uint64) (guid.GUID, error) {
	g := rt.provider.Mint(guid.KindDB, guid.Location(0))
	db, err := datablock.New(g, rt.alloc, size, rt.provider)
	if err != nil {
		return guid.Null, WrapError("DbCreate", err)
	}
	rt.reg.registerDB(g, db)
	return g, nil
}

// DbRelease releases a previously acquired datablock on the calling
// requester's behalf, spec.md §6 ocrDbRelease.
func (rt *Runtime) DbRelease(dbGUID guid.GUID, req datablock.Requester) error {
	db, ok := rt.reg.getDB(dbGUID)
	if !ok {
		return NewGUIDError("DbRelease", dbGUID, CodeEInval, "unknown datablock")
	}
	if err := db.Release(req); err != nil {
		return WrapError("DbRelease", err)
	}
	rt.metrics.RecordDbRelease()
	return nil
}

// DbDestroy requests a datablock's destruction, spec.md §6
// ocrDbDestroy. The underlying storage is reclaimed once every
// outstanding acquire has released (Free semantics).
func (rt *Runtime) DbDestroy(dbGUID guid.GUID) error {
	db, ok := rt.reg.getDB(dbGUID)
	if !ok {
		return NewGUIDError("DbDestroy", dbGUID, CodeEInval, "unknown datablock")
	}
	if err := db.Free(); err != nil {
		return WrapError("DbDestroy", err)
	}
	if db.Destroyed() {
		rt.reg.removeDB(dbGUID)
	}
	return nil
}

// SetHint records a scheduling hint for g, spec.md §6 ocrHint (set
// direction). The write is deferred through the strand-table
// continuation pump rather than applied synchronously, demonstrating
// spec.md §3's "asynchronous completions execute as continuations
// without blocking a worker" for the PD-message layer's one-way,
// no-reply operations.
func (rt *Runtime) SetHint(g guid.GUID, key string, value int64) error {
	return rt.enqueueDeferred(func(guid.GUID) (bool, error) {
		rt.sched.SetHint(g, key, value)
		return false, nil
	})
}

// GetHint reads back a previously set scheduling hint, spec.md §6
// ocrHint (get direction). Unlike SetHint this has a caller-visible
// return value, so it is applied synchronously rather than deferred.
func (rt *Runtime) GetHint(g guid.GUID, key string) (int64, bool) {
	return rt.sched.GetHint(g, key)
}

// ocrDbCopy, ocrDbMalloc, ocrDbMallocOffset, ocrDbFree, and
// ocrDbFreeOffset are named in the original API surface but out of
// scope per the recorded Open Question resolution (sub-allocation
// within a DB is a userspace-library concern layered atop
// ocrDbCreate/ocrDbRelease, not a runtime primitive): they are
// deliberately not implemented and report ENOSYS so a caller can
// detect the gap rather than silently no-op.

// DbCopy is unimplemented; see the package-level comment above.
func (rt *Runtime) DbCopy(dst, src guid.GUID, dstOffset, srcOffset, size uint64) error {
	return NewError("DbCopy", CodeENoSys, string(ErrNotImplemented))
}

// DbMalloc is unimplemented; see the package-level comment above.
func (rt *Runtime) DbMalloc(dbGUID guid.GUID, size uint64) (uint64, error) {
	return 0, NewError("DbMalloc", CodeENoSys, string(ErrNotImplemented))
}

// DbMallocOffset is unimplemented; see the package-level comment above.
func (rt *Runtime) DbMallocOffset(dbGUID guid.GUID, offset, size uint64) error {
	return NewError("DbMallocOffset", CodeENoSys, string(ErrNotImplemented))
}

// DbFree is unimplemented; see the package-level comment above.
func (rt *Runtime) DbFree(dbGUID guid.GUID, addr uint64) error {
	return NewError("DbFree", CodeENoSys, string(ErrNotImplemented))
}

// DbFreeOffset is unimplemented; see the package-level comment above.
func (rt *Runtime) DbFreeOffset(dbGUID guid.GUID, offset uint64) error {
	return NewError("DbFreeOffset", CodeENoSys, string(ErrNotImplemented))
}
