package database

import (
	"context"
	"database/sql"
	"time"
)

// HealthStatus is the database section of the /health payload: a ping
// round-trip plus a snapshot of the connection pool.
type HealthStatus struct {
	Status string    `json:"status"`
	PingMs int64     `json:"ping_ms"`
	Pool   PoolStats `json:"pool"`
}

// PoolStats mirrors the sql.DBStats fields worth watching in production:
// saturation (open vs max) and contention (waits for a free connection).
type PoolStats struct {
	Open      int   `json:"open"`
	InUse     int   `json:"in_use"`
	Idle      int   `json:"idle"`
	MaxOpen   int   `json:"max_open"`
	WaitCount int64 `json:"wait_count"`
	WaitMs    int64 `json:"wait_ms"`
}

// Health pings the database and reports pool statistics. On ping failure the
// partial status is returned alongside the error so the handler can still
// render it.
func Health(ctx context.Context, db *sql.DB) (*HealthStatus, error) {
	start := time.Now()
	if err := db.PingContext(ctx); err != nil {
		return &HealthStatus{
			Status: "unhealthy",
			PingMs: time.Since(start).Milliseconds(),
		}, err
	}

	stats := db.Stats()
	return &HealthStatus{
		Status: "healthy",
		PingMs: time.Since(start).Milliseconds(),
		Pool: PoolStats{
			Open:      stats.OpenConnections,
			InUse:     stats.InUse,
			Idle:      stats.Idle,
			MaxOpen:   stats.MaxOpenConnections,
			WaitCount: stats.WaitCount,
			WaitMs:    stats.WaitDuration.Milliseconds(),
		},
	}, nil
}
