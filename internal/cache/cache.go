// Package cache fronts the snapshot store with a best-effort hot book
// cache. Failures are swallowed; readers fall through to storage.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	redis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/nexusfeed/nexusfeed/internal/models"
)

const opTimeout = 500 * time.Millisecond

// Books stores the latest snapshot per instrument.
type Books interface {
	// SetSnapshot caches snap under its instrument. Best-effort.
	SetSnapshot(ctx context.Context, snap models.BookSnapshot)

	// GetSnapshot returns the cached snapshot, or nil on miss or
	// cache failure.
	GetSnapshot(ctx context.Context, instrument string) *models.BookSnapshot
}

func bookKey(instrument string) string {
	return fmt.Sprintf("book:%s", instrument)
}

// RedisBooks serves the hot book cache from Redis.
type RedisBooks struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisBooks wraps an existing Redis client. A zero ttl means the
// keys never expire.
func NewRedisBooks(client *redis.Client, ttl time.Duration) *RedisBooks {
	return &RedisBooks{client: client, ttl: ttl}
}

// NewRedis connects to addr and returns a book cache over it.
func NewRedis(addr string, dbIndex int, ttl time.Duration) *RedisBooks {
	return NewRedisBooks(redis.NewClient(&redis.Options{Addr: addr, DB: dbIndex}), ttl)
}

func (c *RedisBooks) SetSnapshot(ctx context.Context, snap models.BookSnapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		log.Debug().Err(err).Str("instrument", snap.Instrument).Msg("book cache encode failed")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := c.client.Set(ctx, bookKey(snap.Instrument), data, c.ttl).Err(); err != nil {
		log.Debug().Err(err).Str("instrument", snap.Instrument).Msg("book cache set failed")
	}
}

func (c *RedisBooks) GetSnapshot(ctx context.Context, instrument string) *models.BookSnapshot {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	data, err := c.client.Get(ctx, bookKey(instrument)).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Debug().Err(err).Str("instrument", instrument).Msg("book cache get failed")
		}
		return nil
	}
	var snap models.BookSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Debug().Err(err).Str("instrument", instrument).Msg("book cache decode failed")
		return nil
	}
	return &snap
}

// Ping checks Redis connectivity for the health endpoint.
func (c *RedisBooks) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return c.client.Ping(ctx).Err()
}

// MemoryBooks is the in-process fallback used when Redis is not
// configured, and the default in tests.
type MemoryBooks struct {
	mu    sync.RWMutex
	books map[string]models.BookSnapshot
}

// NewMemory returns an empty in-process book cache.
func NewMemory() *MemoryBooks {
	return &MemoryBooks{books: make(map[string]models.BookSnapshot)}
}

func (c *MemoryBooks) SetSnapshot(_ context.Context, snap models.BookSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.books[snap.Instrument] = snap
}

func (c *MemoryBooks) GetSnapshot(_ context.Context, instrument string) *models.BookSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.books[instrument]
	if !ok {
		return nil
	}
	return &snap
}
