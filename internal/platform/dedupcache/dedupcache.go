// Package dedupcache is a Redis-backed seen-id cache in front of the
// durable consumption store. It only short-circuits store lookups; a cache
// outage degrades to store reads, never to duplicate records.
package dedupcache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds Redis connection settings for the cache.
type Config struct {
	Addr     string
	Password string
	DB       int

	KeyPrefix string
	TTL       time.Duration
}

// DefaultConfig returns sensible defaults for local development.
func DefaultConfig() Config {
	return Config{
		Addr:      "localhost:6379",
		KeyPrefix: "creditflow:seen:",
		TTL:       24 * time.Hour,
	}
}

// Cache marks consumption ids as seen with a TTL.
type Cache struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// New connects to Redis and verifies the connection.
func New(cfg Config) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewWithClient(client, cfg), nil
}

// NewWithClient wraps an existing client, mainly for tests.
func NewWithClient(client *redis.Client, cfg Config) *Cache {
	defaults := DefaultConfig()
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaults.KeyPrefix
	}
	if cfg.TTL == 0 {
		cfg.TTL = defaults.TTL
	}
	return &Cache{client: client, keyPrefix: cfg.KeyPrefix, ttl: cfg.TTL}
}

func (c *Cache) key(id string) string {
	return c.keyPrefix + id
}

// Seen reports whether the id was marked within the TTL window.
func (c *Cache) Seen(ctx context.Context, id string) (bool, error) {
	n, err := c.client.Exists(ctx, c.key(id)).Result()
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", id, err)
	}
	return n > 0, nil
}

// Mark records the id. Marking an already-marked id refreshes its TTL.
func (c *Cache) Mark(ctx context.Context, id string) error {
	if err := c.client.Set(ctx, c.key(id), "1", c.ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", id, err)
	}
	return nil
}

// Close releases the underlying client.
func (c *Cache) Close() error {
	return c.client.Close()
}
