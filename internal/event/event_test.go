package event

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ocr-go/ocr/internal/datablock"
	"github.com/ocr-go/ocr/internal/guid"
)

type recordingDispatch struct {
	mu    sync.Mutex
	calls []struct {
		waiter  guid.GUID
		slot    int32
		payload guid.GUID
	}
}

func (r *recordingDispatch) fn(waiter guid.GUID, slot int32, payload guid.GUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, struct {
		waiter  guid.GUID
		slot    int32
		payload guid.GUID
	}{waiter, slot, payload})
}

func (r *recordingDispatch) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestOnceFiresExactlyOnce(t *testing.T) {
	rec := &recordingDispatch{}
	o := NewOnce(guid.GUID(1), rec.fn)
	require.NoError(t, o.RegisterWaiter(guid.GUID(100), 0, datablock.ModeRO))

	require.NoError(t, o.Satisfy(guid.GUID(999)))
	require.Equal(t, ErrAlreadySatisfied, o.Satisfy(guid.GUID(999)))
	require.Equal(t, 1, rec.count())
	require.True(t, o.Destroyed())
}

func TestOnceRejectsRegistrationAfterFire(t *testing.T) {
	rec := &recordingDispatch{}
	o := NewOnce(guid.GUID(1), rec.fn)
	require.NoError(t, o.Satisfy(guid.GUID(5)))
	require.Equal(t, ErrRegisterAfterFire, o.RegisterWaiter(guid.GUID(1), 0, datablock.ModeRO))
}

// TestLatchCount matches spec.md scenario #5: INCR x3, DECR x3 fires
// exactly once on the third decrement.
func TestLatchCount(t *testing.T) {
	rec := &recordingDispatch{}
	l := NewLatch(guid.GUID(2), rec.fn, 0)
	require.NoError(t, l.RegisterWaiter(guid.GUID(200), 0, datablock.ModeRO))

	require.NoError(t, l.Satisfy(IncrSlot))
	require.NoError(t, l.Satisfy(IncrSlot))
	require.NoError(t, l.Satisfy(IncrSlot))
	require.False(t, l.Destroyed())
	require.NoError(t, l.Satisfy(DecrSlot))
	require.NoError(t, l.Satisfy(DecrSlot))
	require.Equal(t, 0, rec.count())
	require.NoError(t, l.Satisfy(DecrSlot))

	require.Equal(t, 1, rec.count())
	require.True(t, l.Destroyed())
}

// TestLatchFinalPayloadPropagatesOnZero matches how a finish scope's
// output event rides the finish latch's zero transition.
func TestLatchFinalPayloadPropagatesOnZero(t *testing.T) {
	rec := &recordingDispatch{}
	l := NewLatch(guid.GUID(2), rec.fn, 1)
	require.NoError(t, l.RegisterWaiter(guid.GUID(200), 0, datablock.ModeRO))

	l.SetFinalPayload(guid.GUID(0xABC))
	require.NoError(t, l.Satisfy(DecrSlot))

	require.Equal(t, 1, rec.count())
	require.Equal(t, guid.GUID(0xABC), rec.calls[0].payload)
}

func TestLatchRegistrationNonRetroactive(t *testing.T) {
	rec := &recordingDispatch{}
	l := NewLatch(guid.GUID(2), rec.fn, 1)
	require.NoError(t, l.Satisfy(DecrSlot))
	require.True(t, l.Destroyed())
	require.Equal(t, ErrRegisterAfterFire, l.RegisterWaiter(guid.GUID(1), 0, datablock.ModeRO))
}

// TestStickyFanOut matches spec.md scenario #2.
func TestStickyFanOut(t *testing.T) {
	rec := &recordingDispatch{}
	s := NewSticky(guid.GUID(3), rec.fn)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.RegisterWaiter(guid.GUID(300+i), 0, datablock.ModeRO))
	}

	require.NoError(t, s.Satisfy(guid.GUID(0xD)))
	require.Equal(t, 3, rec.count())

	// a fourth, late registration fires immediately from stored value.
	require.NoError(t, s.RegisterWaiter(guid.GUID(304), 0, datablock.ModeRO))
	require.Equal(t, 4, rec.count())
	for _, c := range rec.calls {
		require.Equal(t, guid.GUID(0xD), c.payload)
	}
}

func TestStickySecondSatisfyErrors(t *testing.T) {
	rec := &recordingDispatch{}
	s := NewSticky(guid.GUID(3), rec.fn)
	require.NoError(t, s.Satisfy(guid.GUID(1)))
	require.Equal(t, ErrAlreadySatisfied, s.Satisfy(guid.GUID(2)))
}

func TestIdemSecondSatisfySilentlyIgnored(t *testing.T) {
	rec := &recordingDispatch{}
	i := NewIdem(guid.GUID(4), rec.fn)
	require.NoError(t, i.Satisfy(guid.GUID(1)))
	require.NoError(t, i.Satisfy(guid.GUID(2))) // no error, per spec

	require.NoError(t, i.RegisterWaiter(guid.GUID(400), 0, datablock.ModeRO))
	require.Equal(t, 1, rec.count())
	require.Equal(t, guid.GUID(1), rec.calls[0].payload, "first satisfy's payload wins")
}

func TestCountedSelfDestructsAfterNbDepsServed(t *testing.T) {
	rec := &recordingDispatch{}
	c := NewCounted(guid.GUID(5), rec.fn, 2)
	require.NoError(t, c.RegisterWaiter(guid.GUID(500), 0, datablock.ModeRO))

	require.NoError(t, c.Satisfy(guid.GUID(0xAB)))
	require.Equal(t, 1, rec.count())
	require.False(t, c.Destroyed())

	// late registration decrements nbDeps to zero and destroys.
	require.NoError(t, c.RegisterWaiter(guid.GUID(501), 0, datablock.ModeRO))
	require.Equal(t, 2, rec.count())
	require.True(t, c.Destroyed())
}

// TestChannelBackpressure matches spec.md scenario #6.
func TestChannelBackpressure(t *testing.T) {
	rec := &recordingDispatch{}
	ch := NewChannel(guid.GUID(6), rec.fn, 2, 1, 1)

	require.NoError(t, ch.Satisfy(guid.GUID(1)))
	require.NoError(t, ch.Satisfy(guid.GUID(2)))
	require.Equal(t, 2, ch.PendingPayloads())

	require.NoError(t, ch.RegisterWaiter(guid.GUID(600), 0, datablock.ModeRO))
	require.Equal(t, 1, rec.count())
	require.Equal(t, guid.GUID(1), rec.calls[0].payload)

	require.NoError(t, ch.RegisterWaiter(guid.GUID(601), 0, datablock.ModeRO))
	require.Equal(t, 2, rec.count())
	require.Equal(t, guid.GUID(2), rec.calls[1].payload)
	require.Equal(t, 0, ch.PendingPayloads())

	require.NoError(t, ch.RegisterWaiter(guid.GUID(602), 0, datablock.ModeRO))
	require.Equal(t, 1, ch.PendingWaiters())

	require.NoError(t, ch.Satisfy(guid.GUID(3)))
	require.Equal(t, 3, rec.count())
	require.Equal(t, guid.GUID(3), rec.calls[2].payload)
	require.Equal(t, 0, ch.PendingWaiters())
	require.Equal(t, 0, ch.PendingPayloads())
}

func TestChannelOverflowIsConfigurationError(t *testing.T) {
	rec := &recordingDispatch{}
	ch := NewChannel(guid.GUID(6), rec.fn, 1, 1, 1)
	require.NoError(t, ch.Satisfy(guid.GUID(1)))
	require.Equal(t, ErrChannelOverflow, ch.Satisfy(guid.GUID(2)))
}

func TestWaiterSpillBeyondInlineCount(t *testing.T) {
	rec := &recordingDispatch{}
	s := NewSticky(guid.GUID(7), rec.fn)
	for i := 0; i < inlineWaiterCount+10; i++ {
		require.NoError(t, s.RegisterWaiter(guid.GUID(700+i), int32(i), datablock.ModeRO))
	}
	require.NoError(t, s.Satisfy(guid.GUID(1)))
	require.Equal(t, inlineWaiterCount+10, rec.count())
}

// TestPersistentDestroyDuringInFlightSatisfyDefers exercises the
// CHECKED_IN -> DESTROY_SEEN race directly: a destroy arriving while a
// satisfy holds the gate must defer, and the satisfy call must observe
// the deferral and perform the actual teardown.
func TestPersistentDestroyDuringInFlightSatisfyDefers(t *testing.T) {
	s := NewSticky(guid.GUID(8), nil)

	s.gate.beginSatisfy() // simulate satisfy() having snapshotted the gate
	deferred := s.gate.tryDestroy()
	require.True(t, deferred, "destroy arriving mid-satisfy must defer")
	require.False(t, s.isDestroyed())

	mustDestroy := s.gate.endSatisfy()
	require.True(t, mustDestroy, "satisfy must observe the deferred destroy")
	s.finishDeferredDestroy()
	require.True(t, s.isDestroyed())
}

func TestDestroyWithNoInFlightSatisfyFreesImmediately(t *testing.T) {
	s := NewSticky(guid.GUID(9), nil)
	owns, err := s.destroyGuarded()
	require.NoError(t, err)
	require.True(t, owns)
	require.True(t, s.isDestroyed())

	_, err = s.destroyGuarded()
	require.Equal(t, ErrAlreadyDestroyed, err)
}
