package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

const scanBatch = 200

// RedisBackend stores msgpack-encoded entries in Redis and relies on
// server-side expiry.
type RedisBackend struct {
	client    redis.UniversalClient
	prefix    string
	opTimeout time.Duration
}

type RedisConfig struct {
	Prefix string
	// OpTimeout bounds every round trip. Defaults to 2s.
	OpTimeout time.Duration
}

// NewRedisBackend creates a Redis-backed store.
func NewRedisBackend(client redis.UniversalClient, config RedisConfig) *RedisBackend {
	if config.OpTimeout <= 0 {
		config.OpTimeout = 2 * time.Second
	}
	return &RedisBackend{
		client:    client,
		prefix:    config.Prefix,
		opTimeout: config.OpTimeout,
	}
}

func (b *RedisBackend) Name() string { return "redis" }

// key builds the final Redis key with prefix.
func (b *RedisBackend) key(k IdentityKey) string {
	if b.prefix == "" {
		return k.String()
	}
	return b.prefix + ":" + k.String()
}

// owns reports whether a scanned Redis key is one of ours. An empty prefix
// matches the whole keyspace, so the remainder must parse as an identity key.
func (b *RedisBackend) owns(raw string) bool {
	rest := raw
	if b.prefix != "" {
		var ok bool
		if rest, ok = strings.CutPrefix(raw, b.prefix+":"); !ok {
			return false
		}
	}
	_, ok := ParseIdentityKey(rest)
	return ok
}

func (b *RedisBackend) pattern() string {
	if b.prefix == "" {
		return "*"
	}
	return b.prefix + ":*"
}

func (b *RedisBackend) withTimeout(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, fmt.Errorf("context error: %w", err)
	}
	c, cancel := context.WithTimeout(ctx, b.opTimeout)
	return c, cancel, nil
}

// Get retrieves an entry. On Redis error it returns (nil, false, err) so the
// caller can fall back or treat it as a miss.
func (b *RedisBackend) Get(ctx context.Context, key IdentityKey) (*Entry, bool, error) {
	ctx, cancel, err := b.withTimeout(ctx)
	if err != nil {
		return nil, false, err
	}
	defer cancel()

	raw, err := b.client.Get(ctx, b.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		// Key does not exist, a clean miss.
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get failed: %w", err)
	}

	var entry Entry
	if err := msgpack.Unmarshal(raw, &entry); err != nil {
		return nil, false, fmt.Errorf("redis decode entry: %w", err)
	}
	if entry.Expired(time.Now()) {
		return nil, false, nil
	}
	return &entry, true, nil
}

// Put stores entry with a server-side TTL. ttl <= 0 deletes the key.
func (b *RedisBackend) Put(ctx context.Context, entry Entry, ttl time.Duration) error {
	if ttl <= 0 {
		return b.Delete(ctx, entry.Identity)
	}

	ctx, cancel, err := b.withTimeout(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	entry.ExpiresAt = time.Now().Add(ttl)
	raw, err := msgpack.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("redis encode entry: %w", err)
	}

	if err := b.client.Set(ctx, b.key(entry.Identity), raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Delete removes a key from cache.
func (b *RedisBackend) Delete(ctx context.Context, key IdentityKey) error {
	ctx, cancel, err := b.withTimeout(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	if err := b.client.Del(ctx, b.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// Entries scans the prefix and decodes every live entry. Keys that vanish or
// fail to decode between SCAN and MGET are skipped. Keys outside the identity
// key layout are never read, here or in EvictExpired.
func (b *RedisBackend) Entries(ctx context.Context) ([]Entry, error) {
	keys, err := b.scanKeys(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	out := make([]Entry, 0, len(keys))
	for start := 0; start < len(keys); start += scanBatch {
		end := min(start+scanBatch, len(keys))

		vals, err := b.mget(ctx, keys[start:end])
		if err != nil {
			return nil, err
		}
		for _, v := range vals {
			s, ok := v.(string)
			if !ok {
				continue
			}
			var e Entry
			if err := msgpack.Unmarshal([]byte(s), &e); err != nil {
				continue
			}
			if !e.Expired(now) {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

// EvictExpired deletes entries whose recorded expiry has passed. Redis
// normally expires them first, so this mostly returns 0.
func (b *RedisBackend) EvictExpired(ctx context.Context) (int, error) {
	keys, err := b.scanKeys(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	var stale []string
	for start := 0; start < len(keys); start += scanBatch {
		end := min(start+scanBatch, len(keys))
		batch := keys[start:end]

		vals, err := b.mget(ctx, batch)
		if err != nil {
			return 0, err
		}
		for i, v := range vals {
			s, ok := v.(string)
			if !ok {
				continue
			}
			var e Entry
			if err := msgpack.Unmarshal([]byte(s), &e); err != nil || e.Expired(now) {
				stale = append(stale, batch[i])
			}
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	cctx, cancel, err := b.withTimeout(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()

	n, err := b.client.Del(cctx, stale...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis del failed: %w", err)
	}
	return int(n), nil
}

// Ping checks if Redis connection is healthy.
func (b *RedisBackend) Ping(ctx context.Context) error {
	ctx, cancel, err := b.withTimeout(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

func (b *RedisBackend) scanKeys(ctx context.Context) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		cctx, cancel, err := b.withTimeout(ctx)
		if err != nil {
			return nil, err
		}
		batch, next, err := b.client.Scan(cctx, cursor, b.pattern(), scanBatch).Result()
		cancel()
		if err != nil {
			return nil, fmt.Errorf("redis scan failed: %w", err)
		}
		for _, k := range batch {
			if b.owns(k) {
				keys = append(keys, k)
			}
		}
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

func (b *RedisBackend) mget(ctx context.Context, keys []string) ([]interface{}, error) {
	cctx, cancel, err := b.withTimeout(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	vals, err := b.client.MGet(cctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget failed: %w", err)
	}
	return vals, nil
}
