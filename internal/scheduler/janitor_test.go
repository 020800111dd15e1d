package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"canvascache/internal/cache"
)

type countingEvicter struct {
	calls atomic.Int32
	err   error
}

func (e *countingEvicter) EvictExpired(context.Context) (int, error) {
	e.calls.Add(1)
	return 3, e.err
}

type probeFunc func(ctx context.Context) error

func (f probeFunc) Probe(ctx context.Context) error { return f(ctx) }

func TestNewRejectsBadSchedule(t *testing.T) {
	_, err := New(Config{EvictSchedule: "every now and then"}, &countingEvicter{}, nil, zaptest.NewLogger(t))
	require.Error(t, err)
}

func TestNewSkipsMissingJobs(t *testing.T) {
	j, err := New(Config{EvictSchedule: "@every 1h", ProbeSchedule: "@every 30s"}, &countingEvicter{}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, 1, j.Jobs())

	j, err = New(Config{EvictSchedule: "@every 1h", ProbeSchedule: "@every 30s"}, &countingEvicter{}, probeFunc(func(context.Context) error { return nil }), zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, 2, j.Jobs())
}

func TestRunEvictRemovesExpired(t *testing.T) {
	now := time.Now()
	backend := cache.NewMemoryBackend(cache.MemoryConfig{Now: func() time.Time { return now }})
	ctx := context.Background()
	key := cache.IdentityKey{Kind: cache.KindCanvas, UserID: "u1", ProblemID: "p1", SessionID: "s1"}
	require.NoError(t, backend.Put(ctx, cache.Entry{Identity: key, Fingerprint: "1010", CreatedAt: now}, time.Minute))

	now = now.Add(2 * time.Minute)

	j, err := New(Config{}, backend, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, 1, j.RunEvict(ctx))
	assert.Zero(t, backend.Len())
}

func TestRunEvictLogsFailure(t *testing.T) {
	e := &countingEvicter{err: errors.New("boom")}
	j, err := New(Config{}, e, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Zero(t, j.RunEvict(context.Background()))
	assert.Equal(t, int32(1), e.calls.Load())
}

func TestRunProbeHasDeadline(t *testing.T) {
	var hadDeadline bool
	p := probeFunc(func(ctx context.Context) error {
		_, hadDeadline = ctx.Deadline()
		return nil
	})
	j, err := New(Config{JobTimeout: time.Second}, nil, p, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, j.RunProbe(context.Background()))
	assert.True(t, hadDeadline)
}

func TestRunFiresScheduledJobs(t *testing.T) {
	e := &countingEvicter{}
	j, err := New(Config{EvictSchedule: "@every 1s"}, e, nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()

	assert.Eventually(t, func() bool { return e.calls.Load() > 0 }, 3*time.Second, 50*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
