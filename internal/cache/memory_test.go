package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemoryBackend_TTL(t *testing.T) {
	clock := newFakeClock()
	b := NewMemoryBackend(MemoryConfig{Now: clock.Now})

	ctx := context.Background()
	key := canvasKey("u1", "p1", "")

	if err := b.Put(ctx, Entry{Identity: key, Fingerprint: "1010"}, 20*time.Minute); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, hit, err := b.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !hit {
		t.Fatalf("expected hit immediately after Put")
	}
	if got.Fingerprint != "1010" {
		t.Fatalf("expected fingerprint 1010, got %q", got.Fingerprint)
	}
	if want := clock.Now().Add(20 * time.Minute); !got.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %v, got %v", want, got.ExpiresAt)
	}

	clock.Advance(20 * time.Minute)

	_, hit, err = b.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get after TTL failed: %v", err)
	}
	if hit {
		t.Fatalf("expected miss after TTL expiry")
	}
	if b.Len() != 0 {
		t.Fatalf("expected expired entry to be dropped on read, len=%d", b.Len())
	}
}

func TestMemoryBackend_NonPositiveTTLDeletes(t *testing.T) {
	b := NewMemoryBackend(MemoryConfig{})
	ctx := context.Background()
	key := canvasKey("u1", "p1", "s1")

	_ = b.Put(ctx, Entry{Identity: key, Fingerprint: "1"}, time.Hour)
	if err := b.Put(ctx, Entry{Identity: key, Fingerprint: "0"}, 0); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if _, hit, _ := b.Get(ctx, key); hit {
		t.Fatalf("expected zero TTL to leave no entry")
	}
}

func TestMemoryBackend_ReturnsCopies(t *testing.T) {
	b := NewMemoryBackend(MemoryConfig{})
	ctx := context.Background()
	key := canvasKey("u1", "p1", "s1")
	_ = b.Put(ctx, Entry{Identity: key, Fingerprint: "1111"}, time.Hour)

	got, _, _ := b.Get(ctx, key)
	got.Fingerprint = "0000"

	again, _, _ := b.Get(ctx, key)
	if again.Fingerprint != "1111" {
		t.Fatalf("stored entry was mutated through a returned copy")
	}
}

func TestMemoryBackend_EvictExpired(t *testing.T) {
	clock := newFakeClock()
	b := NewMemoryBackend(MemoryConfig{Now: clock.Now})
	ctx := context.Background()

	_ = b.Put(ctx, Entry{Identity: canvasKey("u1", "p1", "s")}, time.Hour)
	_ = b.Put(ctx, Entry{Identity: canvasKey("u2", "p1", "s")}, time.Hour)
	_ = b.Put(ctx, Entry{Identity: canvasKey("u3", "p1", "s")}, 3*time.Hour)

	clock.Advance(2 * time.Hour)

	n, err := b.EvictExpired(ctx)
	if err != nil {
		t.Fatalf("EvictExpired failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 evictions, got %d", n)
	}
	entries, _ := b.Entries(ctx)
	if len(entries) != 1 || entries[0].Identity.UserID != "u3" {
		t.Fatalf("unexpected survivors: %#v", entries)
	}
}

func TestMemoryBackend_MaxEntriesDropsOldest(t *testing.T) {
	clock := newFakeClock()
	b := NewMemoryBackend(MemoryConfig{MaxEntries: 2, Now: clock.Now})
	ctx := context.Background()

	for _, user := range []string{"first", "second", "third"} {
		_ = b.Put(ctx, Entry{Identity: canvasKey(user, "p", "s"), CreatedAt: clock.Now()}, time.Hour)
		clock.Advance(time.Minute)
	}

	if b.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", b.Len())
	}
	if _, hit, _ := b.Get(ctx, canvasKey("first", "p", "s")); hit {
		t.Fatalf("expected oldest entry to be dropped")
	}
	if _, hit, _ := b.Get(ctx, canvasKey("third", "p", "s")); !hit {
		t.Fatalf("expected newest entry to be kept")
	}

	// Overwriting an existing key must not evict anything.
	_ = b.Put(ctx, Entry{Identity: canvasKey("third", "p", "s"), CreatedAt: clock.Now()}, time.Hour)
	if _, hit, _ := b.Get(ctx, canvasKey("second", "p", "s")); !hit {
		t.Fatalf("expected overwrite to keep other entries")
	}
}
