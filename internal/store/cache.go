package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var ErrCacheMiss = errors.New("cache miss")

// Cache stores dashboard-facing snapshots (reserve status, per-user balance
// snapshots). Redis when available, otherwise an in-process map; both paths
// are best-effort and never load-bearing for bridge correctness.
type Cache struct {
	client *redis.Client

	mu     sync.RWMutex
	local  map[string]entry
	logger *zap.SugaredLogger
}

type entry struct {
	data      []byte
	expiresAt time.Time
}

func NewCache(addr string, logger *zap.SugaredLogger) *Cache {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		if logger != nil {
			logger.Warnw("Redis unavailable; using in-memory snapshot cache", "error", err)
		}
		return &Cache{
			local:  make(map[string]entry),
			logger: logger,
		}
	}

	return &Cache{
		client: client,
		logger: logger,
	}
}

// Cache key prefixes
const (
	KeyReserveStatus   = "nvb:reserve:status"
	KeyBalanceSnapshot = "nvb:balance:snapshot"
)

func (c *Cache) Get(ctx context.Context, key string, dest any) error {
	if c.client != nil {
		val, err := c.client.Get(ctx, key).Result()
		if err != nil {
			if err == redis.Nil {
				return ErrCacheMiss
			}
			return fmt.Errorf("cache get error: %w", err)
		}
		if err := json.Unmarshal([]byte(val), dest); err != nil {
			return fmt.Errorf("cache unmarshal error: %w", err)
		}
		return nil
	}

	c.mu.RLock()
	ent, ok := c.local[key]
	c.mu.RUnlock()
	if !ok || (!ent.expiresAt.IsZero() && time.Now().After(ent.expiresAt)) {
		return ErrCacheMiss
	}
	if err := json.Unmarshal(ent.data, dest); err != nil {
		return fmt.Errorf("cache unmarshal error: %w", err)
	}
	return nil
}

func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache marshal error: %w", err)
	}

	if c.client != nil {
		if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
			if c.logger != nil {
				c.logger.Errorw("Cache set error", "key", key, "error", err)
			}
			return fmt.Errorf("cache set error: %w", err)
		}
		return nil
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	c.mu.Lock()
	c.local[key] = entry{data: data, expiresAt: expiresAt}
	c.mu.Unlock()
	return nil
}

func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	if c.client != nil {
		if err := c.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("cache delete error: %w", err)
		}
		return nil
	}

	c.mu.Lock()
	for _, k := range keys {
		delete(c.local, k)
	}
	c.mu.Unlock()
	return nil
}

func (c *Cache) SetReserveStatus(ctx context.Context, value any, staleness time.Duration) error {
	return c.Set(ctx, KeyReserveStatus, value, staleness)
}

func (c *Cache) GetReserveStatus(ctx context.Context, dest any) error {
	return c.Get(ctx, KeyReserveStatus, dest)
}

func (c *Cache) SetBalanceSnapshot(ctx context.Context, identity string, value any, ttl time.Duration) error {
	return c.Set(ctx, fmt.Sprintf("%s:%s", KeyBalanceSnapshot, identity), value, ttl)
}

func (c *Cache) GetBalanceSnapshot(ctx context.Context, identity string, dest any) error {
	return c.Get(ctx, fmt.Sprintf("%s:%s", KeyBalanceSnapshot, identity), dest)
}

// IsInMemoryMode reports whether Redis was reachable at construction time.
func (c *Cache) IsInMemoryMode() bool {
	return c.client == nil
}

func (c *Cache) Ping(ctx context.Context) error {
	if c.client != nil {
		return c.client.Ping(ctx).Err()
	}
	return nil
}

func (c *Cache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
