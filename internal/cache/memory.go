package cache

import (
	"context"
	"sync"
	"time"
)

type MemoryConfig struct {
	// MaxEntries bounds the map; the oldest entry is dropped to make room.
	// Zero means unbounded.
	MaxEntries int
	// Now is the clock used for expiry. Defaults to time.Now.
	Now func() time.Time
}

// MemoryBackend keeps entries in a process-local map. Expired entries are
// dropped lazily on read and in bulk by EvictExpired.
type MemoryBackend struct {
	mu         sync.RWMutex
	items      map[string]Entry
	maxEntries int
	now        func() time.Time
}

func NewMemoryBackend(cfg MemoryConfig) *MemoryBackend {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &MemoryBackend{
		items:      make(map[string]Entry),
		maxEntries: cfg.MaxEntries,
		now:        cfg.Now,
	}
}

func (b *MemoryBackend) Name() string { return "memory" }

func (b *MemoryBackend) Get(_ context.Context, key IdentityKey) (*Entry, bool, error) {
	k := key.String()

	b.mu.RLock()
	entry, ok := b.items[k]
	b.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}

	now := b.now()
	if entry.Expired(now) {
		b.mu.Lock()
		if e, exists := b.items[k]; exists && e.Expired(now) {
			delete(b.items, k)
		}
		b.mu.Unlock()
		return nil, false, nil
	}

	return &entry, true, nil
}

// Put stores entry under its identity. ttl <= 0 deletes instead.
func (b *MemoryBackend) Put(_ context.Context, entry Entry, ttl time.Duration) error {
	k := entry.Identity.String()

	if ttl <= 0 {
		b.mu.Lock()
		delete(b.items, k)
		b.mu.Unlock()
		return nil
	}

	entry.ExpiresAt = b.now().Add(ttl)

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.items[k]; !exists && b.maxEntries > 0 && len(b.items) >= b.maxEntries {
		b.makeRoomLocked()
	}
	b.items[k] = entry
	return nil
}

// makeRoomLocked drops expired entries, or the oldest one if none expired.
func (b *MemoryBackend) makeRoomLocked() {
	now := b.now()
	removed := 0
	var oldestKey string
	var oldest time.Time
	for k, e := range b.items {
		if e.Expired(now) {
			delete(b.items, k)
			removed++
			continue
		}
		if oldestKey == "" || e.CreatedAt.Before(oldest) {
			oldestKey, oldest = k, e.CreatedAt
		}
	}
	if removed == 0 && oldestKey != "" {
		delete(b.items, oldestKey)
	}
}

func (b *MemoryBackend) Delete(_ context.Context, key IdentityKey) error {
	b.mu.Lock()
	delete(b.items, key.String())
	b.mu.Unlock()
	return nil
}

// Entries returns copies of all live entries.
func (b *MemoryBackend) Entries(_ context.Context) ([]Entry, error) {
	now := b.now()

	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Entry, 0, len(b.items))
	for _, e := range b.items {
		if !e.Expired(now) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (b *MemoryBackend) EvictExpired(_ context.Context) (int, error) {
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for k, e := range b.items {
		if e.Expired(now) {
			delete(b.items, k)
			n++
		}
	}
	return n, nil
}

func (b *MemoryBackend) Ping(_ context.Context) error { return nil }

// Len returns the number of items currently in the map, expired or not.
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.items)
}
