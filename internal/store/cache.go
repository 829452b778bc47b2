package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/leafsii/leafsii-liquidity/internal/metrics"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var ErrCacheMiss = errors.New("cache miss")

type Cache struct {
	// nil when Redis was unreachable at startup
	client *redis.Client
	memory *memoryStore
	hub    *memoryHub

	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
}

// NewCache connects to Redis at addr. When the ping fails the cache runs
// in-process for both key/value and pub/sub.
func NewCache(addr string, logger *zap.SugaredLogger, metrics *metrics.Metrics) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		if logger != nil {
			logger.Warnw("Redis unavailable; using in-memory cache and pubsub", "addr", addr, "error", err)
		}
		return NewMemoryCache(logger, metrics), nil
	}

	return &Cache{
		client:  client,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// NewMemoryCache returns a cache that never touches Redis.
func NewMemoryCache(logger *zap.SugaredLogger, metrics *metrics.Metrics) *Cache {
	return &Cache{
		memory:  newMemoryStore(time.Minute),
		hub:     newMemoryHub(),
		logger:  logger,
		metrics: metrics,
	}
}

// Cache keys and pub/sub channels
const (
	keyIntentPrefix = "lq:intent:"
	keyDepositIDs   = "lq:deposits:"

	ChannelUserPrefix   = "lq:user:"
	ChannelIntentPrefix = "lq:intent:"
)

func KeyIntent(id string) string {
	return keyIntentPrefix + id
}

func KeyDepositIDs(owner string) string {
	return keyDepositIDs + strings.ToLower(owner)
}

func ChannelUser(owner string) string {
	return ChannelUserPrefix + strings.ToLower(owner)
}

func ChannelIntent(id string) string {
	return ChannelIntentPrefix + id
}

func (c *Cache) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := c.getBytes(ctx, key)
	if err != nil {
		if errors.Is(err, ErrCacheMiss) && c.metrics != nil {
			c.metrics.RecordCacheMiss(ctx, key)
		}
		return err
	}
	if c.metrics != nil {
		c.metrics.RecordCacheHit(ctx, key)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("cache unmarshal error: %w", err)
	}
	return nil
}

func (c *Cache) getBytes(ctx context.Context, key string) ([]byte, error) {
	if c.client == nil {
		data, ok := c.memory.get(key)
		if !ok {
			return nil, ErrCacheMiss
		}
		return data, nil
	}

	val, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		if c.logger != nil {
			c.logger.Errorw("Cache get error", "key", key, "error", err)
		}
		return nil, fmt.Errorf("cache get error: %w", err)
	}
	return val, nil
}

func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache marshal error: %w", err)
	}
	if c.client == nil {
		c.memory.set(key, data, ttl)
		return nil
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		if c.logger != nil {
			c.logger.Errorw("Cache set error", "key", key, "error", err)
		}
		return fmt.Errorf("cache set error: %w", err)
	}
	return nil
}

func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if c.client == nil {
		c.memory.del(keys...)
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		if c.logger != nil {
			c.logger.Errorw("Cache delete error", "keys", keys, "error", err)
		}
		return fmt.Errorf("cache delete error: %w", err)
	}
	return nil
}

func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	if c.client == nil {
		_, ok := c.memory.get(key)
		return ok, nil
	}
	n, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("cache exists error: %w", err)
	}
	return n > 0, nil
}

// Publish JSON-encodes message onto channel.
func (c *Cache) Publish(ctx context.Context, channel string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("publish marshal error: %w", err)
	}
	if c.client == nil {
		c.hub.publish(channel, string(data))
		return nil
	}
	if err := c.client.Publish(ctx, channel, data).Err(); err != nil {
		if c.logger != nil {
			c.logger.Errorw("Publish error", "channel", channel, "error", err)
		}
		return fmt.Errorf("publish error: %w", err)
	}
	return nil
}

// Subscribe listens on the given channels. Patterns ending in "*" match by
// prefix.
func (c *Cache) Subscribe(ctx context.Context, channels ...string) Subscription {
	if c.client == nil {
		return c.hub.subscribe(ctx, channels...)
	}

	var exact, patterns []string
	for _, ch := range channels {
		if strings.HasSuffix(ch, "*") {
			patterns = append(patterns, ch)
		} else {
			exact = append(exact, ch)
		}
	}

	ps := c.client.Subscribe(ctx, exact...)
	if len(patterns) > 0 {
		if err := ps.PSubscribe(ctx, patterns...); err != nil && c.logger != nil {
			c.logger.Errorw("Pattern subscribe error", "patterns", patterns, "error", err)
		}
	}
	return newRedisSubscription(ps)
}

func (c *Cache) IsInMemoryMode() bool {
	return c.client == nil
}

func (c *Cache) Ping(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	return c.client.Ping(ctx).Err()
}

func (c *Cache) Close() error {
	if c.client == nil {
		c.memory.close()
		return nil
	}
	return c.client.Close()
}
