// Package scheduler runs the cache maintenance jobs on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Evicter drops expired cache entries.
type Evicter interface {
	EvictExpired(ctx context.Context) (int, error)
}

// Prober checks a degraded backend and restores it when it answers.
type Prober interface {
	Probe(ctx context.Context) error
}

type Config struct {
	EvictSchedule string
	ProbeSchedule string
	// JobTimeout bounds one job run. Defaults to 30s.
	JobTimeout time.Duration
}

type Janitor struct {
	cron    *cron.Cron
	evicter Evicter
	prober  Prober
	timeout time.Duration
	logger  *zap.Logger
}

// New registers the jobs. An empty schedule or a nil target skips that job.
func New(cfg Config, evicter Evicter, prober Prober, logger *zap.Logger) (*Janitor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Second
	}
	logger = logger.Named("janitor")

	cl := cronLogger{logger.Sugar()}
	j := &Janitor{
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		evicter: evicter,
		prober:  prober,
		timeout: cfg.JobTimeout,
		logger:  logger,
	}

	if evicter != nil && cfg.EvictSchedule != "" {
		if _, err := j.cron.AddFunc(cfg.EvictSchedule, func() { j.RunEvict(context.Background()) }); err != nil {
			return nil, fmt.Errorf("evict schedule %q: %w", cfg.EvictSchedule, err)
		}
	}
	if prober != nil && cfg.ProbeSchedule != "" {
		if _, err := j.cron.AddFunc(cfg.ProbeSchedule, func() { j.RunProbe(context.Background()) }); err != nil {
			return nil, fmt.Errorf("probe schedule %q: %w", cfg.ProbeSchedule, err)
		}
	}
	return j, nil
}

// Jobs reports how many jobs are registered.
func (j *Janitor) Jobs() int { return len(j.cron.Entries()) }

// Run starts the scheduler and blocks until ctx is done.
func (j *Janitor) Run(ctx context.Context) error {
	j.cron.Start()
	<-ctx.Done()

	stopped := j.cron.Stop()
	select {
	case <-stopped.Done():
		return nil
	case <-time.After(10 * time.Second):
		return errors.New("cron stop timeout")
	}
}

func (j *Janitor) RunEvict(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	start := time.Now()
	n, err := j.evicter.EvictExpired(ctx)
	if err != nil {
		j.logger.Error("evict expired failed", zap.Error(err))
		return 0
	}
	j.logger.Info("evicted expired entries", zap.Int("removed", n), zap.Duration("duration", time.Since(start)))
	return n
}

func (j *Janitor) RunProbe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	err := j.prober.Probe(ctx)
	if err != nil {
		j.logger.Debug("cache probe failed", zap.Error(err))
	}
	return err
}

type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
