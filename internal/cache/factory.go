package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Config struct {
	Backend    string // "memory" or "redis"
	Prefix     string
	OpTimeout  time.Duration
	MaxEntries int
	Now        func() time.Time
}

// NewBackend picks the storage once at startup. "redis" yields Redis in front
// of a local map; if Redis does not answer PING the failover starts degraded
// instead of failing the process.
func NewBackend(ctx context.Context, cfg Config, redisClient redis.UniversalClient, logger *zap.Logger) Backend {
	if logger == nil {
		logger = zap.NewNop()
	}

	local := NewMemoryBackend(MemoryConfig{
		MaxEntries: cfg.MaxEntries,
		Now:        cfg.Now,
	})

	switch cfg.Backend {
	case "redis":
		if redisClient == nil {
			logger.Warn("redis backend requested without a client, using memory")
			return local
		}
		remote := NewRedisBackend(redisClient, RedisConfig{
			Prefix:    cfg.Prefix,
			OpTimeout: cfg.OpTimeout,
		})
		failover := NewFailoverBackend(remote, local, logger)
		if err := remote.Ping(ctx); err != nil {
			failover.MarkDegraded(err)
		}
		return failover
	default:
		return local
	}
}
