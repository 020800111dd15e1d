package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func canvasKey(user, problem, session string) IdentityKey {
	return IdentityKey{Kind: KindCanvas, UserID: user, ProblemID: problem, SessionID: session}
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr:         mr.Addr(),
		MaxRetries:   -1,
		DialTimeout:  200 * time.Millisecond,
		ReadTimeout:  200 * time.Millisecond,
		WriteTimeout: 200 * time.Millisecond,
	})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

var errBroken = errors.New("broken backend")

// brokenBackend fails every call.
type brokenBackend struct{}

func (brokenBackend) Name() string { return "broken" }
func (brokenBackend) Get(context.Context, IdentityKey) (*Entry, bool, error) {
	return nil, false, errBroken
}
func (brokenBackend) Put(context.Context, Entry, time.Duration) error { return errBroken }
func (brokenBackend) Delete(context.Context, IdentityKey) error       { return errBroken }
func (brokenBackend) Entries(context.Context) ([]Entry, error)        { return nil, errBroken }
func (brokenBackend) EvictExpired(context.Context) (int, error)       { return 0, errBroken }
func (brokenBackend) Ping(context.Context) error                      { return errBroken }
