// Package canvas composes change detection and optimization into the single
// call the upload handlers make before asking the model for feedback.
package canvas

import (
	"context"
	"time"

	"go.uber.org/zap"

	"canvascache/internal/cache"
	"canvascache/internal/imageproc"
	"canvascache/internal/metrics"
	"canvascache/internal/stats"
	"canvascache/pkg/logging/logging"
)

type Options struct {
	// SimilarityThreshold defaults to 0.85.
	SimilarityThreshold float64
	// MaxDimensions defaults to 1024x1024.
	MaxDimensions imageproc.Dimensions
	ForceQuality  imageproc.Quality
	// TTL of the stored entry. Zero selects the configured TTL for the kind
	// (canvas 2h, image 24h by default); a negative value stores nothing.
	TTL time.Duration
}

type Result struct {
	HasChanged   bool                          `json:"has_changed"`
	Similarity   float64                       `json:"similarity"`
	Optimization *imageproc.OptimizationResult `json:"optimization,omitempty"`
	// FromCache is true when the upload matched the stored entry and no work was done.
	FromCache bool         `json:"from_cache"`
	Previous  *cache.Entry `json:"previous,omitempty"`
	// TokensCharged is what the caller should bill: zero when unchanged.
	TokensCharged int `json:"tokens_charged"`
}

type Processor struct {
	cache     *cache.ChangeCache
	optimizer *imageproc.Optimizer
	reporter  *stats.Reporter
	timeout   time.Duration
	defaults  Options
	ttls      map[cache.Kind]time.Duration
}

type Config struct {
	// Timeout bounds one CheckAndOptimize call. Zero means no extra bound.
	Timeout time.Duration
	// Defaults fill in zero fields of per-call Options.
	Defaults Options
	// TTLs overrides Kind.DefaultTTL per kind.
	TTLs map[cache.Kind]time.Duration
}

func NewProcessor(cc *cache.ChangeCache, optimizer *imageproc.Optimizer, reporter *stats.Reporter, cfg Config) *Processor {
	return &Processor{
		cache:     cc,
		optimizer: optimizer,
		reporter:  reporter,
		timeout:   cfg.Timeout,
		defaults:  cfg.Defaults,
		ttls:      cfg.TTLs,
	}
}

func (p *Processor) withDefaults(opts Options) Options {
	if opts.SimilarityThreshold <= 0 {
		opts.SimilarityThreshold = p.defaults.SimilarityThreshold
	}
	if opts.SimilarityThreshold <= 0 {
		opts.SimilarityThreshold = cache.DefaultSimilarityThreshold
	}
	if opts.MaxDimensions.Width <= 0 {
		opts.MaxDimensions.Width = p.defaults.MaxDimensions.Width
	}
	if opts.MaxDimensions.Height <= 0 {
		opts.MaxDimensions.Height = p.defaults.MaxDimensions.Height
	}
	if opts.ForceQuality == "" {
		opts.ForceQuality = p.defaults.ForceQuality
	}
	return opts
}

// CheckAndOptimize short-circuits when data matches the last upload for key.
// Otherwise it optimizes data, stores the new entry and returns the result for
// the model call. Only decode failures and cancellation are returned as errors;
// cache write failures are logged.
func (p *Processor) CheckAndOptimize(ctx context.Context, data []byte, key cache.IdentityKey, opts Options) (*Result, error) {
	key = key.Normalize()
	opts = p.withDefaults(opts)
	logger := logging.L(ctx).With(
		zap.String("cache_kind", string(key.Kind)),
		zap.String("user_id", key.UserID),
		zap.String("problem_id", key.ProblemID),
		zap.String("session_id", key.SessionID),
	)

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	check, err := p.cache.CheckChange(ctx, key, data, opts.SimilarityThreshold)
	if err != nil {
		p.recordFailure()
		return nil, err
	}

	if !check.HasChanged {
		saved := 0
		if check.Previous != nil {
			saved = check.Previous.Result.TokensEstimate
		}
		p.record(key, stats.Outcome{Compared: true, Similarity: check.Similarity, Tokens: saved})

		logger.Info("image_unchanged",
			zap.Float64("similarity", check.Similarity),
			zap.Int("tokens_saved", saved),
		)
		return &Result{
			HasChanged: false,
			Similarity: check.Similarity,
			FromCache:  true,
			Previous:   check.Previous,
		}, nil
	}

	start := time.Now()
	opt, err := p.optimizer.Optimize(ctx, data, imageproc.Options{
		ForceQuality:  opts.ForceQuality,
		MaxDimensions: opts.MaxDimensions,
	})
	if err != nil {
		p.recordFailure()
		return nil, err
	}
	metrics.OptimizeSeconds.WithLabelValues(string(opt.Quality)).Observe(time.Since(start).Seconds())

	ttl := opts.TTL
	if ttl == 0 {
		ttl = p.ttls[key.Kind]
	}
	if ttl == 0 {
		ttl = key.Kind.DefaultTTL()
	}
	if err := p.cache.Store(ctx, key, check.Fingerprint, opt, ttl); err != nil {
		logger.Warn("change_cache_store_error", zap.Error(err))
	}

	p.record(key, stats.Outcome{
		Changed:    true,
		Compared:   check.Previous != nil,
		Similarity: check.Similarity,
		Tokens:     opt.TokensEstimate,
	})

	logger.Info("image_changed",
		zap.Float64("similarity", check.Similarity),
		zap.String("quality", string(opt.Quality)),
		zap.Int("width", opt.Width),
		zap.Int("height", opt.Height),
		zap.Float64("compression_ratio", opt.CompressionRatio),
		zap.Int("tokens_estimate", opt.TokensEstimate),
		zap.Duration("optimize_duration", time.Since(start)),
	)

	return &Result{
		HasChanged:    true,
		Similarity:    check.Similarity,
		Optimization:  opt,
		Previous:      check.Previous,
		TokensCharged: opt.TokensEstimate,
	}, nil
}

func (p *Processor) record(key cache.IdentityKey, o stats.Outcome) {
	if p.reporter != nil {
		p.reporter.RecordCheck(key, o)
	}
}

func (p *Processor) recordFailure() {
	if p.reporter != nil {
		p.reporter.RecordFailure()
	}
}
