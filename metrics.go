package ocr

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets are the turnaround-latency histogram buckets in
// nanoseconds, kept verbatim from the teacher's I/O-latency scheme:
// logarithmic spacing from 1us to 10s is as good a fit for an EDT's
// satisfy-to-executed turnaround as it was for a block I/O's
// submit-to-complete turnaround.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks runtime-wide operational statistics, re-themed from
// the teacher's I/O-operation counters onto EDT/event/datablock/strand
// activity.
type Metrics struct {
	// EDT lifecycle counters
	EdtCreated   atomic.Uint64
	EdtSatisfied atomic.Uint64
	EdtExecuted  atomic.Uint64
	EdtDestroyed atomic.Uint64

	// Event counters, broken out by kind
	EventSatisfyOnce   atomic.Uint64
	EventSatisfyLatch  atomic.Uint64
	EventSatisfySticky atomic.Uint64
	EventSatisfyIdem   atomic.Uint64
	EventRegisterCount atomic.Uint64

	// Datablock counters
	DbAcquireGranted atomic.Uint64
	DbAcquireDenied  atomic.Uint64
	DbReleaseCount   atomic.Uint64

	// Strand-table counters (insert/free/process per spec.md §3)
	StrandInsert  atomic.Uint64
	StrandFree    atomic.Uint64
	StrandProcess atomic.Uint64

	// Performance tracking: EDT satisfy -> ready -> executed turnaround
	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	// Latency histogram buckets (cumulative counts); bucket[i] holds
	// the count of turnarounds with latency <= LatencyBuckets[i].
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Runtime lifecycle
	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordEdtCreated records an EDT creation.
func (m *Metrics) RecordEdtCreated() { m.EdtCreated.Add(1) }

// RecordEdtSatisfied records an EDT becoming ready to run.
func (m *Metrics) RecordEdtSatisfied() { m.EdtSatisfied.Add(1) }

// RecordEdtExecuted records an EDT's execution completing, along with
// its satisfy-to-executed turnaround latency.
func (m *Metrics) RecordEdtExecuted(latencyNs uint64) {
	m.EdtExecuted.Add(1)
	m.recordLatency(latencyNs)
}

// RecordEdtDestroyed records an EDT being reaped.
func (m *Metrics) RecordEdtDestroyed() { m.EdtDestroyed.Add(1) }

// RecordEventSatisfy records an event of the given kind being satisfied.
func (m *Metrics) RecordEventSatisfy(kind string) {
	switch kind {
	case "once":
		m.EventSatisfyOnce.Add(1)
	case "latch":
		m.EventSatisfyLatch.Add(1)
	case "sticky":
		m.EventSatisfySticky.Add(1)
	case "idem":
		m.EventSatisfyIdem.Add(1)
	}
}

// RecordEventRegister records an event being registered with the
// runtime; Runtime.EventCreate calls it once per event it creates.
func (m *Metrics) RecordEventRegister() { m.EventRegisterCount.Add(1) }

// RecordDbAcquire records a datablock acquire attempt's outcome.
func (m *Metrics) RecordDbAcquire(granted bool) {
	if granted {
		m.DbAcquireGranted.Add(1)
	} else {
		m.DbAcquireDenied.Add(1)
	}
}

// RecordDbRelease records a datablock release.
func (m *Metrics) RecordDbRelease() { m.DbReleaseCount.Add(1) }

// RecordStrandInsert records a strand-table frame insertion.
func (m *Metrics) RecordStrandInsert() { m.StrandInsert.Add(1) }

// RecordStrandFree records a strand-table frame free.
func (m *Metrics) RecordStrandFree() { m.StrandFree.Add(1) }

// RecordStrandProcess records a strand-table frontier-processing pass.
func (m *Metrics) RecordStrandProcess() { m.StrandProcess.Add(1) }

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the runtime as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of Metrics.
type MetricsSnapshot struct {
	EdtCreated   uint64
	EdtSatisfied uint64
	EdtExecuted  uint64
	EdtDestroyed uint64

	EventSatisfyOnce   uint64
	EventSatisfyLatch  uint64
	EventSatisfySticky uint64
	EventSatisfyIdem   uint64
	EventRegisterCount uint64

	DbAcquireGranted uint64
	DbAcquireDenied  uint64
	DbReleaseCount   uint64

	StrandInsert  uint64
	StrandFree    uint64
	StrandProcess uint64

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		EdtCreated:         m.EdtCreated.Load(),
		EdtSatisfied:       m.EdtSatisfied.Load(),
		EdtExecuted:        m.EdtExecuted.Load(),
		EdtDestroyed:       m.EdtDestroyed.Load(),
		EventSatisfyOnce:   m.EventSatisfyOnce.Load(),
		EventSatisfyLatch:  m.EventSatisfyLatch.Load(),
		EventSatisfySticky: m.EventSatisfySticky.Load(),
		EventSatisfyIdem:   m.EventSatisfyIdem.Load(),
		EventRegisterCount: m.EventRegisterCount.Load(),
		DbAcquireGranted:   m.DbAcquireGranted.Load(),
		DbAcquireDenied:    m.DbAcquireDenied.Load(),
		DbReleaseCount:     m.DbReleaseCount.Load(),
		StrandInsert:       m.StrandInsert.Load(),
		StrandFree:         m.StrandFree.Load(),
		StrandProcess:      m.StrandProcess.Load(),
	}

	opCount := m.OpCount.Load()
	totalLatencyNs := m.TotalLatencyNs.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile
// (0.0-1.0) using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters (useful for testing).
func (m *Metrics) Reset() {
	m.EdtCreated.Store(0)
	m.EdtSatisfied.Store(0)
	m.EdtExecuted.Store(0)
	m.EdtDestroyed.Store(0)
	m.EventSatisfyOnce.Store(0)
	m.EventSatisfyLatch.Store(0)
	m.EventSatisfySticky.Store(0)
	m.EventSatisfyIdem.Store(0)
	m.EventRegisterCount.Store(0)
	m.DbAcquireGranted.Store(0)
	m.DbAcquireDenied.Store(0)
	m.DbReleaseCount.Store(0)
	m.StrandInsert.Store(0)
	m.StrandFree.Store(0)
	m.StrandProcess.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer lets a caller plug in its own metrics sink, kept from the
// teacher's interfaces.Observer.
type Observer interface {
	ObserveEdtCreated()
	ObserveEdtSatisfied()
	ObserveEdtExecuted(latencyNs uint64)
	ObserveEdtDestroyed()
	ObserveEventSatisfy(kind string)
	ObserveDbAcquire(granted bool)
}

// NoOpObserver is a no-op Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveEdtCreated()          {}
func (NoOpObserver) ObserveEdtSatisfied()        {}
func (NoOpObserver) ObserveEdtExecuted(uint64)   {}
func (NoOpObserver) ObserveEdtDestroyed()        {}
func (NoOpObserver) ObserveEventSatisfy(string)  {}
func (NoOpObserver) ObserveDbAcquire(bool)       {}

// MetricsObserver implements Observer by recording into a *Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveEdtCreated()              { o.metrics.RecordEdtCreated() }
func (o *MetricsObserver) ObserveEdtSatisfied()            { o.metrics.RecordEdtSatisfied() }
func (o *MetricsObserver) ObserveEdtExecuted(ns uint64)    { o.metrics.RecordEdtExecuted(ns) }
func (o *MetricsObserver) ObserveEdtDestroyed()            { o.metrics.RecordEdtDestroyed() }
func (o *MetricsObserver) ObserveEventSatisfy(kind string) { o.metrics.RecordEventSatisfy(kind) }
func (o *MetricsObserver) ObserveDbAcquire(granted bool)   { o.metrics.RecordDbAcquire(granted) }

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
