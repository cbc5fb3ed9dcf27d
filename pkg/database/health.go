package database

import (
	"context"
	"database/sql"
	"time"
)

// HealthStatus is the health endpoint's view of the database: one ping
// round-trip plus a snapshot of connection pool pressure.
type HealthStatus struct {
	Status       string `json:"status"`
	LatencyMS    int64  `json:"latency_ms"`
	Open         int    `json:"open_connections"`
	InUse        int    `json:"in_use"`
	Idle         int    `json:"idle"`
	WaitCount    int64  `json:"wait_count"`
	MaxOpenConns int    `json:"max_open_conns"`
}

// Health pings the database and reports pool statistics. A failed ping
// still returns a status carrying the measured latency, so the endpoint
// can show how long the attempt took.
func Health(ctx context.Context, db *sql.DB) (*HealthStatus, error) {
	start := time.Now()
	err := db.PingContext(ctx)
	hs := &HealthStatus{LatencyMS: time.Since(start).Milliseconds()}
	if err != nil {
		hs.Status = "unhealthy"
		return hs, err
	}

	stats := db.Stats()
	hs.Status = "healthy"
	hs.Open = stats.OpenConnections
	hs.InUse = stats.InUse
	hs.Idle = stats.Idle
	hs.WaitCount = stats.WaitCount
	hs.MaxOpenConns = stats.MaxOpenConnections
	return hs, nil
}
