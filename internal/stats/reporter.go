// Package stats aggregates change-detection outcomes for observability.
package stats

import (
	"context"
	"sort"
	"sync"

	"github.com/samber/lo"

	"canvascache/internal/cache"
	"canvascache/internal/metrics"
)

// Source provides the cache-side view.
type Source interface {
	Stats(ctx context.Context) (cache.Stats, error)
}

// Outcome is what one check-and-optimize call contributes.
type Outcome struct {
	Changed bool
	// Compared is false on first sight, when there was nothing to compare with.
	Compared   bool
	Similarity float64
	// Tokens is the estimate spent (changed) or avoided (unchanged).
	Tokens int
}

type Snapshot struct {
	cache.Stats

	Checks          int64    `json:"checks"`
	Changed         int64    `json:"changed"`
	Unchanged       int64    `json:"unchanged"`
	Failures        int64    `json:"failures"`
	HitRate         float64  `json:"hit_rate"`
	TokensSaved     int64    `json:"tokens_saved"`
	TokensSpent     int64    `json:"tokens_spent"`
	TrackedUsers    int      `json:"tracked_users"`
	Recommendations []string `json:"recommendations"`
}

type UserStats struct {
	UserID             string   `json:"user_id"`
	TotalSessions      int      `json:"total_sessions"`
	TotalChecks        int      `json:"total_checks"`
	TotalCanvasChanges int      `json:"total_canvas_changes"`
	TokensSaved        int64    `json:"tokens_saved"`
	TokensSpent        int64    `json:"tokens_spent"`
	AverageSimilarity  float64  `json:"average_similarity"`
	Efficiency         float64  `json:"efficiency"`
	Insights           []string `json:"insights"`
}

type userCounters struct {
	sessions      map[string]struct{}
	checks        int
	changes       int
	tokensSaved   int64
	tokensSpent   int64
	similaritySum float64
	compared      int
}

type Config struct {
	// MaxEntries of the local cache, used for the "nearly full" hint. Zero disables it.
	MaxEntries int
	// LargeCacheEntries is the size above which partitioning is suggested.
	LargeCacheEntries int
}

// Reporter keeps process-local counters. They reset on restart, like the cache.
type Reporter struct {
	source Source
	cfg    Config

	mu            sync.Mutex
	checks        int64
	changed       int64
	unchanged     int64
	failures      int64
	tokensSaved   int64
	tokensSpent   int64
	similaritySum float64
	compared      int64
	users         map[string]*userCounters
}

func NewReporter(source Source, cfg Config) *Reporter {
	if cfg.LargeCacheEntries <= 0 {
		cfg.LargeCacheEntries = 10000
	}
	return &Reporter{
		source: source,
		cfg:    cfg,
		users:  make(map[string]*userCounters),
	}
}

func (r *Reporter) RecordCheck(key cache.IdentityKey, o Outcome) {
	key = key.Normalize()

	result := "unchanged"
	if o.Changed {
		result = "changed"
	}
	metrics.ChangeChecksTotal.WithLabelValues(result).Inc()
	if o.Changed {
		metrics.TokensEstimatedTotal.Add(float64(o.Tokens))
	} else {
		metrics.TokensSavedTotal.Add(float64(o.Tokens))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[key.UserID]
	if !ok {
		u = &userCounters{sessions: make(map[string]struct{})}
		r.users[key.UserID] = u
	}
	u.sessions[key.SessionID] = struct{}{}
	u.checks++
	r.checks++

	if o.Changed {
		r.changed++
		r.tokensSpent += int64(o.Tokens)
		u.changes++
		u.tokensSpent += int64(o.Tokens)
	} else {
		r.unchanged++
		r.tokensSaved += int64(o.Tokens)
		u.tokensSaved += int64(o.Tokens)
	}
	if o.Compared {
		r.similaritySum += o.Similarity
		r.compared++
		u.similaritySum += o.Similarity
		u.compared++
	}
}

// RecordFailure counts a request that could not be checked at all.
func (r *Reporter) RecordFailure() {
	metrics.ChangeChecksTotal.WithLabelValues("error").Inc()
	r.mu.Lock()
	r.failures++
	r.mu.Unlock()
}

func (r *Reporter) Snapshot(ctx context.Context) (Snapshot, error) {
	st, err := r.source.Stats(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	r.mu.Lock()
	snap := Snapshot{
		Stats:        st,
		Checks:       r.checks,
		Changed:      r.changed,
		Unchanged:    r.unchanged,
		Failures:     r.failures,
		TokensSaved:  r.tokensSaved,
		TokensSpent:  r.tokensSpent,
		TrackedUsers: len(r.users),
	}
	avgSimilarity := 0.0
	if r.compared > 0 {
		avgSimilarity = r.similaritySum / float64(r.compared)
	}
	r.mu.Unlock()

	if snap.Checks > 0 {
		snap.HitRate = float64(snap.Unchanged) / float64(snap.Checks)
	}
	snap.Recommendations = r.recommendations(snap, avgSimilarity)
	return snap, nil
}

func (r *Reporter) recommendations(s Snapshot, avgSimilarity float64) []string {
	var out []string
	if r.cfg.MaxEntries > 0 && float64(s.TotalEntries) >= 0.9*float64(r.cfg.MaxEntries) {
		out = append(out, "Local cache is nearly full. Consider increasing MEMORY_MAX_ENTRIES or reducing the TTL.")
	}
	if s.TotalEntries > r.cfg.LargeCacheEntries {
		out = append(out, "Cache holds many entries. Consider partitioning by kind or prefix.")
	}
	if s.Degraded {
		out = append(out, "Shared cache is unreachable; entries are held in the local fallback only.")
	}
	if avgSimilarity > 0.95 {
		out = append(out, "Uploads are very similar to their predecessors. Consider raising the similarity threshold.")
	}
	if s.Changed > 0 && s.TokensSaved < s.Changed*50 {
		out = append(out, "Low token savings detected. Review change detection sensitivity.")
	}
	if len(out) == 0 {
		out = append(out, "Cache performance is optimal. No immediate optimizations needed.")
	}
	return out
}

// UserStats summarizes one user's checks. Unknown users yield zero values.
func (r *Reporter) UserStats(userID string) UserStats {
	r.mu.Lock()
	u, ok := r.users[userID]
	var out UserStats
	if ok {
		out = UserStats{
			UserID:             userID,
			TotalSessions:      len(u.sessions),
			TotalChecks:        u.checks,
			TotalCanvasChanges: u.changes,
			TokensSaved:        u.tokensSaved,
			TokensSpent:        u.tokensSpent,
		}
		if u.compared > 0 {
			out.AverageSimilarity = u.similaritySum / float64(u.compared)
		}
	}
	r.mu.Unlock()

	if !ok {
		return UserStats{UserID: userID, Insights: []string{}}
	}

	switch {
	case out.TotalCanvasChanges > 0:
		out.Efficiency = float64(out.TokensSaved) / float64(out.TotalCanvasChanges*200) * 100
	case out.TokensSaved > 0:
		out.Efficiency = 100
	}
	out.Insights = insights(out)
	return out
}

// Users lists tracked user ids, sorted.
func (r *Reporter) Users() []string {
	r.mu.Lock()
	ids := lo.Keys(r.users)
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func insights(u UserStats) []string {
	out := []string{}
	switch {
	case u.AverageSimilarity > 0.9:
		out = append(out, "High image similarity detected: changes between submissions are small and incremental.")
	case u.AverageSimilarity > 0 && u.AverageSimilarity < 0.5:
		out = append(out, "Low image similarity detected: submissions change significantly.")
	}
	switch {
	case u.Efficiency > 70:
		out = append(out, "Excellent cache efficiency. Unchanged uploads are saving significant processing cost.")
	case u.Efficiency < 30:
		out = append(out, "Low cache efficiency. Smaller changes between submissions would save more tokens.")
	}
	if u.TotalSessions > 10 {
		out = append(out, "Active user with a long session history.")
	}
	return out
}
