package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"canvascache/internal/metrics"
	"canvascache/pkg/logging/logging"
)

// LoggingBackend wraps a Backend with logging + metrics.
type LoggingBackend struct {
	inner Backend
}

// NewLoggingBackend returns a backend that logs and records metrics.
func NewLoggingBackend(inner Backend) *LoggingBackend {
	return &LoggingBackend{inner: inner}
}

func (b *LoggingBackend) Name() string { return b.inner.Name() }

// Unwrap returns the decorated backend.
func (b *LoggingBackend) Unwrap() Backend { return b.inner }

func (b *LoggingBackend) Degraded() bool {
	if d, ok := b.inner.(DegradedReporter); ok {
		return d.Degraded()
	}
	return false
}

func (b *LoggingBackend) Probe(ctx context.Context) error {
	if p, ok := b.inner.(Prober); ok {
		return p.Probe(ctx)
	}
	return b.inner.Ping(ctx)
}

func (b *LoggingBackend) Get(ctx context.Context, key IdentityKey) (*Entry, bool, error) {
	start := time.Now()
	entry, ok, err := b.inner.Get(ctx, key)

	result := "miss"
	if err != nil {
		result = "error"
	} else if ok {
		result = "hit"
	}
	b.record(ctx, "get", result, start, err, keyFields(key)...)

	return entry, ok, err
}

func (b *LoggingBackend) Put(ctx context.Context, entry Entry, ttl time.Duration) error {
	start := time.Now()
	err := b.inner.Put(ctx, entry, ttl)

	fields := append(keyFields(entry.Identity),
		zap.Duration("ttl", ttl),
		zap.String("fingerprint", entry.Fingerprint),
	)
	b.record(ctx, "put", resultOf(err), start, err, fields...)

	return err
}

func (b *LoggingBackend) Delete(ctx context.Context, key IdentityKey) error {
	start := time.Now()
	err := b.inner.Delete(ctx, key)
	b.record(ctx, "delete", resultOf(err), start, err, keyFields(key)...)
	return err
}

func (b *LoggingBackend) Entries(ctx context.Context) ([]Entry, error) {
	start := time.Now()
	entries, err := b.inner.Entries(ctx)
	b.record(ctx, "entries", resultOf(err), start, err, zap.Int("count", len(entries)))
	return entries, err
}

func (b *LoggingBackend) EvictExpired(ctx context.Context) (int, error) {
	start := time.Now()
	n, err := b.inner.EvictExpired(ctx)
	b.record(ctx, "evict_expired", resultOf(err), start, err, zap.Int("evicted", n))
	return n, err
}

func (b *LoggingBackend) Ping(ctx context.Context) error {
	start := time.Now()
	err := b.inner.Ping(ctx)
	b.record(ctx, "ping", resultOf(err), start, err)
	return err
}

func (b *LoggingBackend) record(ctx context.Context, op, result string, start time.Time, err error, extra ...zap.Field) {
	elapsed := time.Since(start)
	backend := b.inner.Name()

	metrics.CacheOpSeconds.WithLabelValues(backend, op, result).Observe(elapsed.Seconds())

	fields := append([]zap.Field{
		zap.String("cache_backend", backend),
		zap.String("cache_result", result), // hit | miss | ok | error
		zap.Float64("latency_ms", float64(elapsed.Microseconds())/1000.0),
	}, extra...)

	logger := logging.L(ctx)
	if err != nil {
		logger.Error("cache_"+op, append(fields, zap.Error(err))...)
		return
	}
	logger.Debug("cache_"+op, fields...)
}

func resultOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func keyFields(k IdentityKey) []zap.Field {
	return []zap.Field{
		zap.String("cache_kind", string(k.Kind)),
		zap.String("user_id", k.UserID),
		zap.String("problem_id", k.ProblemID),
		zap.String("session_id", k.SessionID),
	}
}
