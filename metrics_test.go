package ocr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMetricsRecordEdtLifecycle(t *testing.T) {
	m := NewMetrics()
	m.RecordEdtCreated()
	m.RecordEdtSatisfied()
	m.RecordEdtExecuted(5_000)
	m.RecordEdtDestroyed()

	snap := m.Snapshot()
	require.Equal(t, uint64(1), snap.EdtCreated)
	require.Equal(t, uint64(1), snap.EdtSatisfied)
	require.Equal(t, uint64(1), snap.EdtExecuted)
	require.Equal(t, uint64(1), snap.EdtDestroyed)
	require.Equal(t, uint64(5_000), snap.AvgLatencyNs)
}

func TestMetricsRecordEventSatisfyByKind(t *testing.T) {
	m := NewMetrics()
	m.RecordEventSatisfy("once")
	m.RecordEventSatisfy("latch")
	m.RecordEventSatisfy("sticky")
	m.RecordEventSatisfy("idem")
	m.RecordEventSatisfy("unknown-kind")

	snap := m.Snapshot()
	require.Equal(t, uint64(1), snap.EventSatisfyOnce)
	require.Equal(t, uint64(1), snap.EventSatisfyLatch)
	require.Equal(t, uint64(1), snap.EventSatisfySticky)
	require.Equal(t, uint64(1), snap.EventSatisfyIdem)
}

func TestMetricsRecordDbAcquire(t *testing.T) {
	m := NewMetrics()
	m.RecordDbAcquire(true)
	m.RecordDbAcquire(false)
	m.RecordDbAcquire(false)

	snap := m.Snapshot()
	require.Equal(t, uint64(1), snap.DbAcquireGranted)
	require.Equal(t, uint64(2), snap.DbAcquireDenied)
}

func TestMetricsStrandCounters(t *testing.T) {
	m := NewMetrics()
	m.RecordStrandInsert()
	m.RecordStrandInsert()
	m.RecordStrandFree()
	m.RecordStrandProcess()

	snap := m.Snapshot()
	require.Equal(t, uint64(2), snap.StrandInsert)
	require.Equal(t, uint64(1), snap.StrandFree)
	require.Equal(t, uint64(1), snap.StrandProcess)
}

func TestMetricsLatencyPercentiles(t *testing.T) {
	m := NewMetrics()
	for _, ns := range []uint64{500, 5_000, 50_000, 500_000, 5_000_000} {
		m.RecordEdtExecuted(ns)
	}
	snap := m.Snapshot()
	require.Greater(t, snap.LatencyP99Ns, uint64(0))
	require.LessOrEqual(t, snap.LatencyP50Ns, snap.LatencyP99Ns)
}

func TestMetricsResetClearsCounters(t *testing.T) {
	m := NewMetrics()
	m.RecordEdtCreated()
	m.RecordDbAcquire(true)
	m.Reset()

	snap := m.Snapshot()
	require.Equal(t, uint64(0), snap.EdtCreated)
	require.Equal(t, uint64(0), snap.DbAcquireGranted)
}

func TestMetricsObserverDelegates(t *testing.T) {
	m := NewMetrics()
	obs := NewMetricsObserver(m)

	obs.ObserveEdtCreated()
	obs.ObserveEventSatisfy("once")
	obs.ObserveDbAcquire(true)

	snap := m.Snapshot()
	require.Equal(t, uint64(1), snap.EdtCreated)
	require.Equal(t, uint64(1), snap.EventSatisfyOnce)
	require.Equal(t, uint64(1), snap.DbAcquireGranted)
}

func TestNoOpObserverDoesNothing(t *testing.T) {
	var obs Observer = NoOpObserver{}
	require.NotPanics(t, func() {
		obs.ObserveEdtCreated()
		obs.ObserveEdtSatisfied()
		obs.ObserveEdtExecuted(100)
		obs.ObserveEdtDestroyed()
		obs.ObserveEventSatisfy("once")
		obs.ObserveDbAcquire(false)
	})
}
