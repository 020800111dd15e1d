package cache

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"canvascache/internal/imageproc"
)

const (
	DefaultSimilarityThreshold = 0.85

	DefaultFindThreshold = 0.8
	DefaultFindLimit     = 10
)

// ChangeResult is the verdict of CheckChange.
type ChangeResult struct {
	HasChanged  bool                  `json:"has_changed"`
	Similarity  float64               `json:"similarity"`
	Fingerprint imageproc.Fingerprint `json:"fingerprint"`
	// Previous is the entry compared against, nil on first sight.
	Previous *Entry `json:"previous,omitempty"`
}

// Stats is a read-only aggregation over live entries.
type Stats struct {
	TotalEntries   int        `json:"total_entries"`
	ImageEntries   int        `json:"image_entries"`
	CanvasEntries  int        `json:"canvas_entries"`
	ActiveSessions int        `json:"active_sessions"`
	ActiveUsers    int        `json:"active_users"`
	OldestEntry    *time.Time `json:"oldest_entry,omitempty"`
	Backend        string     `json:"backend"`
	Degraded       bool       `json:"degraded"`
}

// Match is one FindSimilar hit.
type Match struct {
	Identity   IdentityKey `json:"identity"`
	Similarity float64     `json:"similarity"`
	Entry      Entry       `json:"entry"`
}

// ChangeCache remembers the last fingerprint per identity and decides whether
// a new upload differs enough to reprocess. It is the only writer of its backend.
type ChangeCache struct {
	backend Backend
	hasher  *imageproc.Hasher
	now     func() time.Time
	logger  *zap.Logger
}

type Option func(*ChangeCache)

// WithClock sets the clock used to stamp entries.
func WithClock(now func() time.Time) Option {
	return func(c *ChangeCache) { c.now = now }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *ChangeCache) { c.logger = logger }
}

func New(backend Backend, hasher *imageproc.Hasher, opts ...Option) *ChangeCache {
	c := &ChangeCache{
		backend: backend,
		hasher:  hasher,
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.hasher == nil {
		c.hasher = imageproc.DefaultHasher()
	}
	c.logger = c.logger.Named("changecache")
	return c
}

func (c *ChangeCache) Backend() Backend { return c.backend }

// CheckChange fingerprints data and compares it with the entry stored for key.
// A threshold outside (0, 1] selects DefaultSimilarityThreshold. Decode
// failures are returned as *imageproc.DecodeError; backend failures are
// logged and reported as "changed".
func (c *ChangeCache) CheckChange(ctx context.Context, key IdentityKey, data []byte, threshold float64) (ChangeResult, error) {
	key = key.Normalize()
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultSimilarityThreshold
	}

	fp, err := c.hasher.Hash(data)
	if err != nil {
		return ChangeResult{}, err
	}

	prev, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ChangeResult{}, ctxErr
		}
		c.logger.Warn("cache lookup failed, assuming changed",
			zap.String("identity", key.String()),
			zap.Error(err),
		)
		return ChangeResult{HasChanged: true, Fingerprint: fp}, nil
	}
	if !ok {
		return ChangeResult{HasChanged: true, Fingerprint: fp}, nil
	}

	sim := imageproc.Similarity(imageproc.Fingerprint(prev.Fingerprint), fp)
	return ChangeResult{
		HasChanged:  sim < threshold,
		Similarity:  sim,
		Fingerprint: fp,
		Previous:    prev,
	}, nil
}

// Store replaces the entry for key. fingerprint is the source fingerprint
// returned by CheckChange; ttl <= 0 leaves no entry behind.
func (c *ChangeCache) Store(ctx context.Context, key IdentityKey, fingerprint imageproc.Fingerprint, result *imageproc.OptimizationResult, ttl time.Duration) error {
	key = key.Normalize()
	if fingerprint == "" {
		return errors.New("store: empty fingerprint")
	}

	entry := Entry{
		Identity:    key,
		Fingerprint: string(fingerprint),
		CreatedAt:   c.now(),
	}
	if result != nil {
		entry.Result = ResultMeta{
			Width:            result.Width,
			Height:           result.Height,
			Channels:         result.Channels,
			Fingerprint:      string(result.Fingerprint),
			Quality:          string(result.Quality),
			CompressionRatio: result.CompressionRatio,
			TokensEstimate:   result.TokensEstimate,
			OriginalSize:     result.OriginalSize,
			OptimizedSize:    result.OptimizedSize,
			MIMEType:         result.MIMEType,
		}
	}
	return c.backend.Put(ctx, entry, ttl)
}

func (c *ChangeCache) Evict(ctx context.Context, key IdentityKey) error {
	return c.backend.Delete(ctx, key.Normalize())
}

// EvictExpired removes entries past their TTL and returns how many went.
func (c *ChangeCache) EvictExpired(ctx context.Context) (int, error) {
	return c.backend.EvictExpired(ctx)
}

// Entries lists live entries.
func (c *ChangeCache) Entries(ctx context.Context) ([]Entry, error) {
	return c.backend.Entries(ctx)
}

func (c *ChangeCache) Stats(ctx context.Context) (Stats, error) {
	entries, err := c.backend.Entries(ctx)
	if err != nil {
		return Stats{}, err
	}

	sessions := lo.UniqBy(entries, func(e Entry) string {
		return e.Identity.UserID + ":" + e.Identity.SessionID
	})
	users := lo.UniqBy(entries, func(e Entry) string { return e.Identity.UserID })

	st := Stats{
		TotalEntries:   len(entries),
		ImageEntries:   lo.CountBy(entries, func(e Entry) bool { return e.Identity.Kind == KindImage }),
		CanvasEntries:  lo.CountBy(entries, func(e Entry) bool { return e.Identity.Kind == KindCanvas }),
		ActiveSessions: len(sessions),
		ActiveUsers:    len(users),
		Backend:        c.backend.Name(),
	}
	if d, ok := c.backend.(DegradedReporter); ok {
		st.Degraded = d.Degraded()
	}
	if len(entries) > 0 {
		oldest := lo.MinBy(entries, func(a, b Entry) bool { return a.CreatedAt.Before(b.CreatedAt) }).CreatedAt
		st.OldestEntry = &oldest
	}
	return st, nil
}

// FindSimilar returns cached entries whose source fingerprint matches data
// with at least threshold similarity, best first.
func (c *ChangeCache) FindSimilar(ctx context.Context, data []byte, threshold float64, limit int) ([]Match, error) {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultFindThreshold
	}
	if limit <= 0 {
		limit = DefaultFindLimit
	}

	fp, err := c.hasher.Hash(data)
	if err != nil {
		return nil, err
	}

	entries, err := c.backend.Entries(ctx)
	if err != nil {
		return nil, err
	}

	matches := lo.FilterMap(entries, func(e Entry, _ int) (Match, bool) {
		sim := imageproc.Similarity(imageproc.Fingerprint(e.Fingerprint), fp)
		return Match{Identity: e.Identity, Similarity: sim, Entry: e}, sim >= threshold
	})
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].Identity.String() < matches[j].Identity.String()
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}
