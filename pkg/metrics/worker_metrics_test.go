package metrics

import (
	"testing"
	"time"
)

func TestLatencyTracker_Stats(t *testing.T) {
	lt := NewLatencyTracker(100)
	for i := 1; i <= 100; i++ {
		lt.Record(time.Duration(i) * time.Millisecond)
	}

	s := lt.Stats()
	if s.Count != 100 {
		t.Errorf("Count = %d", s.Count)
	}
	if s.Max != 100*time.Millisecond {
		t.Errorf("Max = %v", s.Max)
	}
	if s.P50 != 50*time.Millisecond {
		t.Errorf("P50 = %v", s.P50)
	}

	// 윈도우 초과 시 오래된 샘플 제거
	lt.Record(time.Second)
	if got := lt.Stats().Count; got != 91 {
		t.Errorf("Count after overflow = %d, want 91", got)
	}
}

func TestSyncMetrics_Observe(t *testing.T) {
	m := NewSyncMetrics(10)
	m.Observe("list_threads", OutcomeAcked, time.Millisecond)
	m.Observe("list_threads", OutcomeRetried, time.Millisecond)
	m.Observe("backfill_thread", OutcomeDropped, time.Millisecond)
	m.Panic()

	s := m.Snapshot()
	if s.Processed != 3 || s.Acked != 1 || s.Retried != 1 || s.Dropped != 1 || s.Panics != 1 {
		t.Errorf("snapshot = %+v", s)
	}
	if s.Latency["list_threads"].Count != 2 {
		t.Errorf("latency = %+v", s.Latency)
	}
}

func TestAssessDBPoolHealth(t *testing.T) {
	tests := []struct {
		name  string
		stats DBPoolStats
		want  PoolHealthStatus
	}{
		{"unlimited", DBPoolStats{}, PoolHealthy},
		{"normal", DBPoolStats{MaxOpenConnections: 10, InUse: 2}, PoolHealthy},
		{"busy", DBPoolStats{MaxOpenConnections: 10, InUse: 8}, PoolDegraded},
		{"exhausted", DBPoolStats{MaxOpenConnections: 10, InUse: 10}, PoolUnhealthy},
		{"waiting", DBPoolStats{MaxOpenConnections: 10, InUse: 1, WaitCount: 3, WaitDuration: 6 * time.Second}, PoolDegraded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AssessDBPoolHealth(tt.stats).Status; got != tt.want {
				t.Errorf("status = %v, want %v", got, tt.want)
			}
		})
	}
}
