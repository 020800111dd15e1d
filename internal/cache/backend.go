package cache

import (
	"context"
	"errors"
	"time"
)

// ErrBackendUnavailable marks failures of a shared backend that the failover
// layer absorbs by switching to the local one.
var ErrBackendUnavailable = errors.New("cache backend unavailable")

// ResultMeta is the optimization metadata kept with an entry. Pixel bytes are
// never cached.
type ResultMeta struct {
	Width            int     `msgpack:"width" json:"width"`
	Height           int     `msgpack:"height" json:"height"`
	Channels         int     `msgpack:"channels" json:"channels"`
	Fingerprint      string  `msgpack:"fingerprint" json:"fingerprint"`
	Quality          string  `msgpack:"quality" json:"quality"`
	CompressionRatio float64 `msgpack:"compression_ratio" json:"compression_ratio"`
	TokensEstimate   int     `msgpack:"tokens_estimate" json:"tokens_estimate"`
	OriginalSize     int     `msgpack:"original_size" json:"original_size"`
	OptimizedSize    int     `msgpack:"optimized_size" json:"optimized_size"`
	MIMEType         string  `msgpack:"mime_type" json:"mime_type"`
}

// Entry is the whole unit a backend stores. Writes replace it; fields are
// never updated one at a time.
type Entry struct {
	Identity IdentityKey `msgpack:"identity" json:"identity"`
	// Fingerprint of the source upload, compared on the next check.
	Fingerprint string     `msgpack:"fingerprint" json:"fingerprint"`
	CreatedAt   time.Time  `msgpack:"created_at" json:"created_at"`
	ExpiresAt   time.Time  `msgpack:"expires_at" json:"expires_at"`
	Result      ResultMeta `msgpack:"result" json:"result"`
}

// Expired reports whether the entry is past its expiry at now.
func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Backend is the storage capability behind ChangeCache. Implemented by the
// in-process map and by Redis; both honor the same contract:
//   - Get returns (nil, false, nil) on a miss or an expired entry.
//   - Put with ttl <= 0 removes the key.
//   - Returned entries are copies.
type Backend interface {
	Name() string
	Get(ctx context.Context, key IdentityKey) (*Entry, bool, error)
	Put(ctx context.Context, entry Entry, ttl time.Duration) error
	Delete(ctx context.Context, key IdentityKey) error
	Entries(ctx context.Context) ([]Entry, error)
	EvictExpired(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
}

// Prober is implemented by backends that can recover from a degraded state.
type Prober interface {
	Probe(ctx context.Context) error
}

// DegradedReporter is implemented by backends that can run in a fallback mode.
type DegradedReporter interface {
	Degraded() bool
}
