package loom

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetricsInitialState(t *testing.T) {
	m := NewMetrics()
	snap := m.Snapshot()
	assert.Equal(t, uint64(0), snap.DpiCalls)
	assert.Equal(t, uint64(0), snap.DpiErrors)
}

func TestMetricsRecordDpiCall(t *testing.T) {
	m := NewMetrics()
	m.RecordDpiCall(1_000_000, true)  // 1ms, success
	m.RecordDpiCall(2_000_000, true)  // 2ms, success
	m.RecordDpiCall(500_000, false)   // 0.5ms, error

	snap := m.Snapshot()
	assert.Equal(t, uint64(3), snap.DpiCalls)
	assert.Equal(t, uint64(1), snap.DpiErrors)
	assert.InDelta(t, 33.33, snap.ErrorRate, 0.1)
}

func TestMetricsRecordServiceOnce(t *testing.T) {
	m := NewMetrics()
	m.RecordServiceOnce(3, 100_000)
	m.RecordServiceOnce(0, 10_000)
	m.RecordServiceOnce(5, 200_000)

	snap := m.Snapshot()
	assert.Equal(t, uint64(3), snap.ServiceOnceOps)
	assert.Equal(t, uint64(2), snap.ServiceOnceDrained)
	assert.Equal(t, uint32(5), snap.MaxPendingDepth)
	assert.InDelta(t, float64(8)/3, snap.AvgPendingDepth, 0.01)
}

func TestMetricsLatencyHistogram(t *testing.T) {
	m := NewMetrics()
	for i := 0; i < 100; i++ {
		m.RecordDpiCall(500, true) // 500ns, falls in the 1us bucket
	}
	snap := m.Snapshot()
	assert.Equal(t, uint64(100), snap.LatencyHistogram[0])
	assert.Greater(t, snap.LatencyP50Ns, uint64(0))
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()
	m.RecordDpiCall(1000, true)
	m.Reset()
	snap := m.Snapshot()
	assert.Equal(t, uint64(0), snap.DpiCalls)
}

func TestNoOpObserverSatisfiesInterface(t *testing.T) {
	var obs Observer = NoOpObserver{}
	obs.ObserveDpiCall(0, 100, true)
	obs.ObserveServiceOnce(1, 100)
}

func TestMetricsObserverRecords(t *testing.T) {
	m := NewMetrics()
	obs := NewMetricsObserver(m)
	obs.ObserveDpiCall(3, 1000, true)
	obs.ObserveServiceOnce(1, 5000)

	snap := m.Snapshot()
	assert.Equal(t, uint64(1), snap.DpiCalls)
	assert.Equal(t, uint64(1), snap.ServiceOnceDrained)
}
