// Package metrics tracks handler outcomes, latencies and DB pool health.
// Everything is reported through periodic log lines; there is no scrape endpoint.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// =============================================================================
// Handler latency (per queue kind)
// =============================================================================

// LatencyTracker keeps a bounded window of samples for percentile reads.
type LatencyTracker struct {
	mu         sync.Mutex
	samples    []time.Duration
	maxSamples int
}

func NewLatencyTracker(windowSize int) *LatencyTracker {
	if windowSize <= 0 {
		windowSize = 1000
	}
	return &LatencyTracker{
		samples:    make([]time.Duration, 0, windowSize),
		maxSamples: windowSize,
	}
}

func (lt *LatencyTracker) Record(d time.Duration) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	if len(lt.samples) >= lt.maxSamples {
		// 오래된 10% 버림
		drop := lt.maxSamples / 10
		if drop < 1 {
			drop = 1
		}
		lt.samples = append(lt.samples[:0], lt.samples[drop:]...)
	}
	lt.samples = append(lt.samples, d)
}

// LatencyStats holds latency statistics.
type LatencyStats struct {
	Count int
	Avg   time.Duration
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
	Max   time.Duration
}

func (lt *LatencyTracker) Stats() LatencyStats {
	lt.mu.Lock()
	sorted := append([]time.Duration(nil), lt.samples...)
	lt.mu.Unlock()

	n := len(sorted)
	if n == 0 {
		return LatencyStats{}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, v := range sorted {
		sum += v
	}
	at := func(p float64) time.Duration { return sorted[int(float64(n-1)*p)] }

	return LatencyStats{
		Count: n,
		Avg:   sum / time.Duration(n),
		P50:   at(0.50),
		P95:   at(0.95),
		P99:   at(0.99),
		Max:   sorted[n-1],
	}
}

func (s LatencyStats) ToMap() map[string]any {
	return map[string]any{
		"count":  s.Count,
		"avg_ms": s.Avg.Milliseconds(),
		"p50_ms": s.P50.Milliseconds(),
		"p95_ms": s.P95.Milliseconds(),
		"p99_ms": s.P99.Milliseconds(),
		"max_ms": s.Max.Milliseconds(),
	}
}

// =============================================================================
// Outcome counters
// =============================================================================

// Outcome is how the supervisor settled one delivery.
type Outcome string

const (
	OutcomeAcked        Outcome = "acked"
	OutcomeRetried      Outcome = "retried"
	OutcomeDeferred     Outcome = "deferred"
	OutcomeDropped      Outcome = "dropped"
	OutcomeDeadLettered Outcome = "dead_lettered"
)

// SyncMetrics aggregates supervisor outcomes per kind.
type SyncMetrics struct {
	processed    atomic.Int64
	acked        atomic.Int64
	retried      atomic.Int64
	deferred     atomic.Int64
	dropped      atomic.Int64
	deadLettered atomic.Int64
	panics       atomic.Int64
	restarts     atomic.Int64

	mu        sync.RWMutex
	latencies map[string]*LatencyTracker
	window    int
}

func NewSyncMetrics(window int) *SyncMetrics {
	return &SyncMetrics{latencies: make(map[string]*LatencyTracker), window: window}
}

// Observe records one settled delivery.
func (m *SyncMetrics) Observe(kind string, outcome Outcome, d time.Duration) {
	m.processed.Add(1)
	switch outcome {
	case OutcomeAcked:
		m.acked.Add(1)
	case OutcomeRetried:
		m.retried.Add(1)
	case OutcomeDeferred:
		m.deferred.Add(1)
	case OutcomeDropped:
		m.dropped.Add(1)
	case OutcomeDeadLettered:
		m.deadLettered.Add(1)
	}
	m.tracker(kind).Record(d)
}

func (m *SyncMetrics) Panic()   { m.panics.Add(1) }
func (m *SyncMetrics) Restart() { m.restarts.Add(1) }

func (m *SyncMetrics) tracker(kind string) *LatencyTracker {
	m.mu.RLock()
	t, ok := m.latencies[kind]
	m.mu.RUnlock()
	if ok {
		return t
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok = m.latencies[kind]; !ok {
		t = NewLatencyTracker(m.window)
		m.latencies[kind] = t
	}
	return t
}

// Snapshot is a point-in-time copy for reporting.
type Snapshot struct {
	Processed    int64
	Acked        int64
	Retried      int64
	Deferred     int64
	Dropped      int64
	DeadLettered int64
	Panics       int64
	Restarts     int64
	Latency      map[string]LatencyStats
}

func (m *SyncMetrics) Snapshot() Snapshot {
	s := Snapshot{
		Processed:    m.processed.Load(),
		Acked:        m.acked.Load(),
		Retried:      m.retried.Load(),
		Deferred:     m.deferred.Load(),
		Dropped:      m.dropped.Load(),
		DeadLettered: m.deadLettered.Load(),
		Panics:       m.panics.Load(),
		Restarts:     m.restarts.Load(),
		Latency:      make(map[string]LatencyStats),
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for kind, t := range m.latencies {
		s.Latency[kind] = t.Stats()
	}
	return s
}
