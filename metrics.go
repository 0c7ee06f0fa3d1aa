package loom

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the DPI call latency histogram buckets in
// nanoseconds, covering 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks DPI dispatch statistics for one host session.
type Metrics struct {
	// DPI call counters.
	DpiCalls  atomic.Uint64 // Total recorded calls, errored ones included
	DpiErrors atomic.Uint64 // Calls that hit dpi_error (unregistered func_id, etc.)

	// service_once invocation counters.
	ServiceOnceOps     atomic.Uint64 // Total ServiceOnce invocations
	ServiceOnceDrained atomic.Uint64 // Invocations that drained at least one call

	// Drain depth statistics: how many calls each ServiceOnce serviced.
	PendingDepthTotal atomic.Uint64
	PendingDepthCount atomic.Uint64
	MaxPendingDepth   atomic.Uint32

	// Per-call latency tracking.
	TotalLatencyNs atomic.Uint64
	LatencyOpCount atomic.Uint64
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Session lifecycle.
	StartTime atomic.Int64 // UnixNano
	StopTime  atomic.Int64 // UnixNano
}

// NewMetrics creates a new metrics instance with StartTime set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordDpiCall records one serviced (or errored) DPI call and its latency.
func (m *Metrics) RecordDpiCall(latencyNs uint64, success bool) {
	m.DpiCalls.Add(1)
	if !success {
		m.DpiErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordServiceOnce records one ServiceOnce invocation and how many calls it
// drained. latencyNs is accepted to match the Observer signature and is not
// recorded; the latency histogram covers individual DPI calls only.
func (m *Metrics) RecordServiceOnce(serviced int, latencyNs uint64) {
	m.ServiceOnceOps.Add(1)
	if serviced > 0 {
		m.ServiceOnceDrained.Add(1)
	}
	m.recordPendingDepth(uint32(serviced))
}

func (m *Metrics) recordPendingDepth(depth uint32) {
	m.PendingDepthTotal.Add(uint64(depth))
	m.PendingDepthCount.Add(1)
	for {
		current := m.MaxPendingDepth.Load()
		if depth <= current {
			break
		}
		if m.MaxPendingDepth.CompareAndSwap(current, depth) {
			break
		}
	}
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.LatencyOpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the session as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics with derived statistics.
type MetricsSnapshot struct {
	DpiCalls  uint64
	DpiErrors uint64

	ServiceOnceOps     uint64
	ServiceOnceDrained uint64

	AvgPendingDepth float64
	MaxPendingDepth uint32

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	DpiCallsPerSec float64
	ErrorRate      float64 // percentage of calls that were errors
}

// Snapshot creates a point-in-time snapshot of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		DpiCalls:           m.DpiCalls.Load(),
		DpiErrors:          m.DpiErrors.Load(),
		ServiceOnceOps:     m.ServiceOnceOps.Load(),
		ServiceOnceDrained: m.ServiceOnceDrained.Load(),
		MaxPendingDepth:    m.MaxPendingDepth.Load(),
	}

	pendingTotal := m.PendingDepthTotal.Load()
	pendingCount := m.PendingDepthCount.Load()
	if pendingCount > 0 {
		snap.AvgPendingDepth = float64(pendingTotal) / float64(pendingCount)
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.LatencyOpCount.Load()
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

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.DpiCallsPerSec = float64(snap.DpiCalls) / uptimeSeconds
	}

	if snap.DpiCalls > 0 {
		snap.ErrorRate = float64(snap.DpiErrors) / float64(snap.DpiCalls) * 100.0
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

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.LatencyOpCount.Load()
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

// Reset zeroes all counters, useful between test cases.
func (m *Metrics) Reset() {
	m.DpiCalls.Store(0)
	m.DpiErrors.Store(0)
	m.ServiceOnceOps.Store(0)
	m.ServiceOnceDrained.Store(0)
	m.PendingDepthTotal.Store(0)
	m.PendingDepthCount.Store(0)
	m.MaxPendingDepth.Store(0)
	m.TotalLatencyNs.Store(0)
	m.LatencyOpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection, e.g. to bridge into an
// external monitoring system instead of the built-in Metrics.
type Observer interface {
	ObserveDpiCall(funcID uint32, latencyNs uint64, success bool)
	ObserveServiceOnce(serviced int, latencyNs uint64)
}

// NoOpObserver is a no-op Observer, used when no metrics sink is configured.
type NoOpObserver struct{}

func (NoOpObserver) ObserveDpiCall(uint32, uint64, bool) {}
func (NoOpObserver) ObserveServiceOnce(int, uint64)      {}

// MetricsObserver implements Observer by recording into a Metrics instance.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveDpiCall(funcID uint32, latencyNs uint64, success bool) {
	o.metrics.RecordDpiCall(latencyNs, success)
}

func (o *MetricsObserver) ObserveServiceOnce(serviced int, latencyNs uint64) {
	o.metrics.RecordServiceOnce(serviced, latencyNs)
}

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
