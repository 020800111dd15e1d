package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"canvascache/internal/metrics"
)

// FailoverBackend serves from primary until a call fails, then serves every
// call from fallback until Probe sees primary answer again. Callers never see
// primary errors. Deletes issued while degraded are replayed against primary
// before it serves again, so an evicted entry cannot resurface.
type FailoverBackend struct {
	primary  Backend
	fallback Backend
	degraded atomic.Bool
	logger   *zap.Logger

	// mu guards pending and orders recording against the restore in Probe.
	mu      sync.Mutex
	pending map[string]IdentityKey
}

func NewFailoverBackend(primary, fallback Backend, logger *zap.Logger) *FailoverBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FailoverBackend{
		primary:  primary,
		fallback: fallback,
		logger:   logger.Named("cache_failover"),
		pending:  make(map[string]IdentityKey),
	}
}

func (f *FailoverBackend) Name() string {
	if f.degraded.Load() {
		return f.fallback.Name()
	}
	return f.primary.Name()
}

// Degraded reports whether calls currently go to the fallback.
func (f *FailoverBackend) Degraded() bool { return f.degraded.Load() }

// fail records a primary failure. It returns false when the error came from
// the caller's own context, which must not trip the failover.
func (f *FailoverBackend) fail(ctx context.Context, op string, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	wrapped := fmt.Errorf("%w: %s %s: %w", ErrBackendUnavailable, f.primary.Name(), op, err)
	metrics.BackendFallbacksTotal.WithLabelValues(op).Inc()
	if f.degraded.CompareAndSwap(false, true) {
		f.logger.Warn("cache backend degraded, serving from fallback",
			zap.String("primary", f.primary.Name()),
			zap.String("fallback", f.fallback.Name()),
			zap.String("op", op),
			zap.Error(wrapped),
		)
	} else {
		f.logger.Debug("primary cache call failed while degraded", zap.String("op", op), zap.Error(wrapped))
	}
	return true
}

// MarkDegraded switches to the fallback without waiting for a failed call.
func (f *FailoverBackend) MarkDegraded(reason error) {
	if f.degraded.CompareAndSwap(false, true) {
		f.logger.Warn("cache backend degraded, serving from fallback",
			zap.String("primary", f.primary.Name()),
			zap.String("fallback", f.fallback.Name()),
			zap.Error(fmt.Errorf("%w: %w", ErrBackendUnavailable, reason)),
		)
	}
}

// Probe pings primary and leaves degraded mode when it answers and every
// delete missed while degraded has been applied to it.
func (f *FailoverBackend) Probe(ctx context.Context) error {
	if err := f.primary.Ping(ctx); err != nil {
		if !f.degraded.Load() {
			f.fail(ctx, "ping", err)
		}
		return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.degraded.Load() {
		return nil
	}
	for id, key := range f.pending {
		if err := f.primary.Delete(ctx, key); err != nil {
			f.logger.Warn("replaying delete on primary failed, staying degraded",
				zap.String("identity", id),
				zap.Int("pending", len(f.pending)),
				zap.Error(err),
			)
			return fmt.Errorf("%w: replay delete: %w", ErrBackendUnavailable, err)
		}
		delete(f.pending, id)
	}
	f.degraded.Store(false)
	f.logger.Info("cache backend restored", zap.String("primary", f.primary.Name()))
	return nil
}

// recordDelete queues key for replay and reports whether the backend was
// degraded. The check and the record share mu with the restore in Probe.
func (f *FailoverBackend) recordDelete(key IdentityKey) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.degraded.Load() {
		return false
	}
	f.pending[key.String()] = key
	return true
}

func (f *FailoverBackend) Get(ctx context.Context, key IdentityKey) (*Entry, bool, error) {
	if !f.degraded.Load() {
		e, ok, err := f.primary.Get(ctx, key)
		if err == nil || !f.fail(ctx, "get", err) {
			return e, ok, err
		}
	}
	return f.fallback.Get(ctx, key)
}

func (f *FailoverBackend) Put(ctx context.Context, entry Entry, ttl time.Duration) error {
	if !f.degraded.Load() {
		err := f.primary.Put(ctx, entry, ttl)
		if err == nil || !f.fail(ctx, "put", err) {
			return err
		}
	}
	return f.fallback.Put(ctx, entry, ttl)
}

func (f *FailoverBackend) Delete(ctx context.Context, key IdentityKey) error {
	// The fallback may hold a copy written while degraded.
	_ = f.fallback.Delete(ctx, key)
	if f.recordDelete(key) {
		return nil
	}
	err := f.primary.Delete(ctx, key)
	if err == nil || !f.fail(ctx, "delete", err) {
		return err
	}
	f.recordDelete(key)
	return nil
}

func (f *FailoverBackend) Entries(ctx context.Context) ([]Entry, error) {
	if !f.degraded.Load() {
		entries, err := f.primary.Entries(ctx)
		if err == nil || !f.fail(ctx, "entries", err) {
			return entries, err
		}
	}
	return f.fallback.Entries(ctx)
}

// EvictExpired always sweeps the fallback, and primary too while healthy.
func (f *FailoverBackend) EvictExpired(ctx context.Context) (int, error) {
	n, err := f.fallback.EvictExpired(ctx)
	if err != nil {
		return n, err
	}
	if f.degraded.Load() {
		return n, nil
	}
	m, err := f.primary.EvictExpired(ctx)
	if err != nil {
		if !f.fail(ctx, "evict_expired", err) {
			return n, err
		}
		return n, nil
	}
	return n + m, nil
}

// Ping checks whichever side is currently serving.
func (f *FailoverBackend) Ping(ctx context.Context) error {
	if f.degraded.Load() {
		return f.fallback.Ping(ctx)
	}
	return f.primary.Ping(ctx)
}
