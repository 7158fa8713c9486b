package metrics

import (
	"database/sql"
	"sync"
	"time"
)

// =============================================================================
// Database Pool Monitor
// =============================================================================

// DBPoolStats holds database connection pool statistics.
type DBPoolStats struct {
	OpenConnections    int
	InUse              int
	Idle               int
	MaxOpenConnections int
	WaitCount          int64
	WaitDuration       time.Duration
}

func (s DBPoolStats) ToMap() map[string]any {
	return map[string]any{
		"open":             s.OpenConnections,
		"in_use":           s.InUse,
		"idle":             s.Idle,
		"max_open":         s.MaxOpenConnections,
		"wait_count":       s.WaitCount,
		"wait_duration_ms": s.WaitDuration.Milliseconds(),
	}
}

func GetDBPoolStats(db *sql.DB) DBPoolStats {
	if db == nil {
		return DBPoolStats{}
	}
	st := db.Stats()
	return DBPoolStats{
		OpenConnections:    st.OpenConnections,
		InUse:              st.InUse,
		Idle:               st.Idle,
		MaxOpenConnections: st.MaxOpenConnections,
		WaitCount:          st.WaitCount,
		WaitDuration:       st.WaitDuration,
	}
}

type PoolHealthStatus string

const (
	PoolHealthy   PoolHealthStatus = "healthy"
	PoolDegraded  PoolHealthStatus = "degraded"
	PoolUnhealthy PoolHealthStatus = "unhealthy"
)

type PoolHealth struct {
	Status      PoolHealthStatus
	Utilization float64
	Message     string
}

// AssessDBPoolHealth grades utilization; long waits degrade a healthy pool.
func AssessDBPoolHealth(stats DBPoolStats) PoolHealth {
	if stats.MaxOpenConnections == 0 {
		return PoolHealth{Status: PoolHealthy, Message: "unlimited connections"}
	}

	h := PoolHealth{Utilization: float64(stats.InUse) / float64(stats.MaxOpenConnections)}
	switch {
	case h.Utilization >= 0.95:
		h.Status, h.Message = PoolUnhealthy, "pool nearly exhausted"
	case h.Utilization >= 0.80:
		h.Status, h.Message = PoolDegraded, "high pool utilization"
	default:
		h.Status, h.Message = PoolHealthy, "pool operating normally"
	}

	if stats.WaitCount > 0 && stats.WaitDuration > 5*time.Second {
		if h.Status == PoolHealthy {
			h.Status = PoolDegraded
		}
		h.Message = "elevated connection wait times"
	}
	return h
}

// =============================================================================
// Global registry
// =============================================================================

var (
	poolsMu sync.RWMutex
	pools   = make(map[string]*sql.DB)
)

// RegisterPool adds a pool to the global monitor.
func RegisterPool(name string, db *sql.DB) {
	poolsMu.Lock()
	defer poolsMu.Unlock()
	pools[name] = db
}

func UnregisterPool(name string) {
	poolsMu.Lock()
	defer poolsMu.Unlock()
	delete(pools, name)
}

// GetAllPoolHealth returns stats and health for every registered pool.
func GetAllPoolHealth() map[string]PoolHealth {
	poolsMu.RLock()
	defer poolsMu.RUnlock()

	out := make(map[string]PoolHealth, len(pools))
	for name, db := range pools {
		out[name] = AssessDBPoolHealth(GetDBPoolStats(db))
	}
	return out
}
