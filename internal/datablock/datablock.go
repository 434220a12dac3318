// Package datablock implements the OCR lockable datablock: a
// contiguous memory region arbitrated by access mode (RO, ITW/RW, EW)
// with FIFO waiter queues and reference-counted destruction.
package datablock

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ocr-go/ocr/internal/allocator"
	"github.com/ocr-go/ocr/internal/guid"
)

// Mode is an access mode a caller may request when acquiring a DB.
type Mode int

const (
	ModeNone Mode = iota
	ModeRO        // read-only; CONST is an alias handled by callers
	ModeITW       // RW, intra-task/location write
	ModeEW        // exclusive write
	ModeNull      // sentinel: slot consumes a dependence but is never acquired
)

// Status is the synchronous outcome of an Acquire call.
type Status int

const (
	StatusOK Status = iota
	StatusBusy
	StatusDenied
)

var (
	// ErrAcquireAfterFree is returned when Acquire observes the DB is
	// dying (freeRequested with zero current users).
	ErrAcquireAfterFree = errors.New("datablock: acquire after free")
	// ErrDoubleRelease is fatal per spec.md §4.3 "double release is fatal".
	ErrDoubleRelease = errors.New("datablock: double release")
	// ErrDoubleFree is returned by a second Free call.
	ErrDoubleFree = errors.New("datablock: double free")
)

// Requester is an opaque identity (worker or policy-domain) used both
// for ITW location-batched promotion and for the DB lock's self-
// reentrancy tracking. Callers must not set bit 63: it is reserved for
// runtime-internal locking (see internalReq below), so two unrelated
// internal calls never collide and falsely treat each other as the
// same reentrant owner.
type Requester uint64

const internalReqBit = Requester(1) << 63

var internalReqCounter atomic.Uint64

// internalReq mints a Requester unique to this call, for methods
// (IncInternal, Free, diagnostics accessors, ...) that are not
// acquiring on behalf of any particular caller and must not be
// mistaken for each other's reentrant owner.
func internalReq() Requester {
	return internalReqBit | Requester(internalReqCounter.Add(1))
}

// OnReady is invoked exactly once for a waiter that was queued by
// Acquire, when its turn comes. It is always called outside the DB's
// internal lock (see Release), so it may safely call back into
// Acquire/Release itself.
type OnReady func(data []byte, err error)

type waiter struct {
	req      Requester
	location guid.Location
	onReady  OnReady
}

// DataBlock is the lockable datablock described in spec.md §4.3.
type DataBlock struct {
	lock reentrantLock

	GUID guid.GUID

	alloc allocator.Allocator
	raw   []byte
	size  uint64

	numUsers      int
	internalUsers int
	freeRequested bool
	destroyed     bool

	modeLock    Mode
	itwLocation guid.Location

	ewWaiters  []waiter
	itwWaiters []waiter
	roWaiters  []waiter

	provider guid.Provider // optional: released on destroy
}

// New allocates a backing region and wraps it as a datablock. provider
// may be nil if the caller manages GUID release itself.
func New(g guid.GUID, alloc allocator.Allocator, size uint64, provider guid.Provider) (*DataBlock, error) {
	raw, err := alloc.Alloc(size)
	if err != nil {
		return nil, err
	}
	return &DataBlock{GUID: g, alloc: alloc, raw: raw, size: size, provider: provider}, nil
}

// Size returns the region's byte length.
func (db *DataBlock) Size() uint64 { return db.size }

// Acquire arbitrates access per spec.md §4.3 "Acquire". On success it
// returns (data, StatusOK, nil) synchronously. On contention it
// enqueues (req, onReady) on the appropriate waiter list and returns
// (nil, StatusBusy, nil); onReady fires later from a subsequent
// Release. ModeNull never touches reference counts and always
// succeeds synchronously with a nil slice.
func (db *DataBlock) Acquire(req Requester, loc guid.Location, mode Mode, onReady OnReady) ([]byte, Status, error) {
	if mode == ModeNull {
		return nil, StatusOK, nil
	}

	db.lock.Lock(req)
	defer db.lock.Unlock(req)

	if db.freeRequested && db.numUsers == 0 {
		return nil, StatusDenied, ErrAcquireAfterFree
	}

	switch mode {
	case ModeRO:
		if db.modeLock != ModeNone {
			db.roWaiters = append(db.roWaiters, waiter{req: req, location: loc, onReady: onReady})
			return nil, StatusBusy, nil
		}
		db.numUsers++
		return db.raw, StatusOK, nil

	case ModeEW:
		if db.modeLock != ModeNone || db.numUsers != 0 {
			db.ewWaiters = append(db.ewWaiters, waiter{req: req, location: loc, onReady: onReady})
			return nil, StatusBusy, nil
		}
		db.modeLock = ModeEW
		db.numUsers = 1
		return db.raw, StatusOK, nil

	case ModeITW:
		compatible := (db.modeLock == ModeNone && db.numUsers == 0) ||
			(db.modeLock == ModeITW && db.itwLocation == loc)
		if !compatible {
			db.itwWaiters = append(db.itwWaiters, waiter{req: req, location: loc, onReady: onReady})
			return nil, StatusBusy, nil
		}
		db.modeLock = ModeITW
		db.itwLocation = loc
		db.numUsers++
		return db.raw, StatusOK, nil

	default:
		return nil, StatusDenied, errors.New("datablock: unknown access mode")
	}
}

// AcquireOblivious is the RT_OBLIVIOUS fast path: hands out the raw
// region without refcount changes, for runtime-internal callers that
// already hold a pin (e.g. via IncInternal).
func (db *DataBlock) AcquireOblivious() []byte {
	r := internalReq()
	db.lock.Lock(r)
	defer db.lock.Unlock(r)
	return db.raw
}

// Release decrements numUsers and, on reaching zero, promotes queued
// waiters per spec.md §4.3 "Release": ITW→ITW batched-by-location,
// then Any→EW, then EW→RO drain-all. Promoted waiters' onReady
// callbacks are invoked after the DB's internal lock is released, so
// they may freely call back into Acquire/Release.
func (db *DataBlock) Release(req Requester) error {
	var toWake []waiter
	var wakeData []byte
	var destroyNow bool

	db.lock.Lock(req)
	if db.numUsers == 0 {
		db.lock.Unlock(req)
		return ErrDoubleRelease
	}
	db.numUsers--

	if db.numUsers == 0 {
		switch {
		case len(db.itwWaiters) > 0:
			loc := db.itwWaiters[0].location
			var rest []waiter
			for _, w := range db.itwWaiters {
				if w.location == loc {
					toWake = append(toWake, w)
				} else {
					rest = append(rest, w)
				}
			}
			db.itwWaiters = rest
			db.modeLock = ModeITW
			db.itwLocation = loc
			db.numUsers = len(toWake)
			wakeData = db.raw

		case len(db.ewWaiters) > 0:
			head := db.ewWaiters[0]
			db.ewWaiters = db.ewWaiters[1:]
			toWake = append(toWake, head)
			db.modeLock = ModeEW
			db.numUsers = 1
			wakeData = db.raw

		case len(db.roWaiters) > 0:
			toWake = append(toWake, db.roWaiters...)
			db.roWaiters = nil
			db.modeLock = ModeNone
			db.numUsers = len(toWake)
			wakeData = db.raw

		default:
			db.modeLock = ModeNone
			db.itwLocation = 0
		}

		if db.freeRequested && db.numUsers == 0 && db.internalUsers == 0 && !db.destroyed {
			destroyNow = true
		}
	}
	db.lock.Unlock(req)

	for _, w := range toWake {
		if w.onReady != nil {
			w.onReady(wakeData, nil)
		}
	}

	if destroyNow {
		return db.destroy()
	}
	return nil
}

// IncInternal pins the DB for runtime-internal use (not a user-visible
// acquire), e.g. while a strand action holds a reference across an
// asynchronous completion.
func (db *DataBlock) IncInternal() {
	r := internalReq()
	db.lock.Lock(r)
	db.internalUsers++
	db.lock.Unlock(r)
}

// DecInternal releases an internal pin, destroying the DB if it was
// the last reference and a Free is pending.
func (db *DataBlock) DecInternal() error {
	var destroyNow bool
	r := internalReq()
	db.lock.Lock(r)
	if db.internalUsers == 0 {
		db.lock.Unlock(r)
		return errors.New("datablock: internal refcount underflow")
	}
	db.internalUsers--
	if db.freeRequested && db.numUsers == 0 && db.internalUsers == 0 && !db.destroyed {
		destroyNow = true
	}
	db.lock.Unlock(r)
	if destroyNow {
		return db.destroy()
	}
	return nil
}

// Free marks the DB for destruction. If it is already idle, the
// destruction happens immediately; otherwise it happens on the final
// matching Release/DecInternal.
func (db *DataBlock) Free() error {
	var destroyNow bool
	r := internalReq()
	db.lock.Lock(r)
	if db.freeRequested {
		db.lock.Unlock(r)
		return ErrDoubleFree
	}
	db.freeRequested = true
	if db.numUsers == 0 && db.internalUsers == 0 {
		destroyNow = true
	}
	db.lock.Unlock(r)
	if destroyNow {
		return db.destroy()
	}
	return nil
}

// destroy unallocates the backing region and releases the GUID.
// Invariant: only called when numUsers == 0 && internalUsers == 0.
func (db *DataBlock) destroy() error {
	r := internalReq()
	db.lock.Lock(r)
	if db.destroyed {
		db.lock.Unlock(r)
		return nil
	}
	db.destroyed = true
	raw := db.raw
	db.raw = nil
	db.lock.Unlock(r)

	if db.alloc != nil && raw != nil {
		if err := db.alloc.Free(raw); err != nil {
			return err
		}
	}
	if db.provider != nil {
		return db.provider.Release(db.GUID)
	}
	return nil
}

// Destroyed reports whether the DB's backing region has been released.
func (db *DataBlock) Destroyed() bool {
	r := internalReq()
	db.lock.Lock(r)
	defer db.lock.Unlock(r)
	return db.destroyed
}

// ModeLock reports the DB's current arbitration mode, for tests and
// diagnostics.
func (db *DataBlock) ModeLock() Mode {
	r := internalReq()
	db.lock.Lock(r)
	defer db.lock.Unlock(r)
	return db.modeLock
}

// NumUsers reports the DB's current user count, for tests and
// diagnostics.
func (db *DataBlock) NumUsers() int {
	r := internalReq()
	db.lock.Lock(r)
	defer db.lock.Unlock(r)
	return db.numUsers
}

// ITWLocation reports the location currently holding ITW access, for
// tests and diagnostics.
func (db *DataBlock) ITWLocation() guid.Location {
	r := internalReq()
	db.lock.Lock(r)
	defer db.lock.Unlock(r)
	return db.itwLocation
}

// reentrantLock lets the same Requester re-enter Lock without
// deadlocking itself, per spec.md §4.3 "Lock reentrancy / lockButSelf".
// Distinct requesters always contend normally. mu is the actual lock
// held for a critical section's duration; meta is a separate, always
// briefly-held mutex guarding owner/held/depth themselves, since those
// fields must be checked before a goroutine knows whether it may skip
// mu entirely (a goroutine cannot use mu to guard the question of
// whether it already holds mu).
type reentrantLock struct {
	mu    sync.Mutex
	meta  sync.Mutex
	owner Requester
	held  bool
	depth int
}

func (l *reentrantLock) Lock(req Requester) {
	l.meta.Lock()
	if l.held && l.owner == req {
		l.depth++
		l.meta.Unlock()
		return
	}
	l.meta.Unlock()

	l.mu.Lock()

	l.meta.Lock()
	l.owner = req
	l.held = true
	l.depth = 1
	l.meta.Unlock()
}

func (l *reentrantLock) Unlock(req Requester) {
	l.meta.Lock()
	if !l.held || l.owner != req {
		l.meta.Unlock()
		panic("datablock: unlock by non-owner")
	}
	l.depth--
	release := l.depth == 0
	if release {
		l.held = false
	}
	l.meta.Unlock()
	if release {
		l.mu.Unlock()
	}
}
