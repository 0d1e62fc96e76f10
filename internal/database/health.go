package database

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Pinger is the subset of *sql.DB the health check needs.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Health is the connectivity report served by /healthz.
type Health struct {
	Database string `json:"database"`
	Redis    string `json:"redis"`
}

// OK reports whether every dependency answered.
func (h Health) OK() bool {
	return h.Database == "connected" && h.Redis == "connected"
}

// CheckHealth pings MariaDB and Redis with a short timeout each.
func CheckHealth(ctx context.Context, db Pinger, rdb redis.Cmdable) Health {
	h := Health{Database: "unavailable", Redis: "unavailable"}

	dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	if db != nil && db.PingContext(dbCtx) == nil {
		h.Database = "connected"
	}
	cancel()

	rCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	if rdb != nil && rdb.Ping(rCtx).Err() == nil {
		h.Redis = "connected"
	}
	cancel()

	return h
}
