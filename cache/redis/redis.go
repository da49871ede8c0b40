// Package redis provides a Redis-backed cache.Store. Several processes that
// point at the same Redis and key prefix share cached room data, and a
// restarted process starts warm.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/loco-client-go/cache"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces every key written by the store.
const DefaultKeyPrefix = "loco:cache:"

// Config contains configuration options for the Redis store.
type Config struct {
	// Client is the Redis client instance. Required.
	Client *redis.Client

	// KeyPrefix is prepended to all Redis keys. Default: DefaultKeyPrefix.
	KeyPrefix string
}

// EnvConfig is the environment form of Config used by NewFromEnv.
type EnvConfig struct {
	Addr      string `env:"LOCO_REDIS_ADDR,default=localhost:6379"`
	Password  string `env:"LOCO_REDIS_PASSWORD"`
	DB        int    `env:"LOCO_REDIS_DB,default=0"`
	KeyPrefix string `env:"LOCO_REDIS_KEY_PREFIX,default=loco:cache:"`
}

// Store implements cache.Store using Redis.
type Store struct {
	client    *redis.Client
	keyPrefix string
}

type storedItem struct {
	Data      []byte     `json:"data"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Stale     bool       `json:"stale,omitempty"`
}

// New creates a Redis-backed store.
func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	return &Store{client: cfg.Client, keyPrefix: cfg.KeyPrefix}, nil
}

// NewFromEnv builds a store from LOCO_REDIS_* environment variables and
// checks connectivity.
func NewFromEnv(ctx context.Context) (*Store, error) {
	var ec EnvConfig
	if err := envdecode.Decode(&ec); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode redis env: %w", err)
	}
	client := redis.NewClient(&redis.Options{Addr: ec.Addr, Password: ec.Password, DB: ec.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", ec.Addr, err)
	}
	return New(Config{Client: client, KeyPrefix: ec.KeyPrefix})
}

// Get returns the item for key or nil if it is missing or expired.
func (s *Store) Get(ctx context.Context, key string) (*cache.Item, error) {
	raw, err := s.client.Get(ctx, s.keyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get key %s: %w", key, err)
	}

	var si storedItem
	if err := json.Unmarshal(raw, &si); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stored item: %w", err)
	}
	item := &cache.Item{Data: si.Data, CreatedAt: si.CreatedAt, ExpiresAt: si.ExpiresAt, Stale: si.Stale}
	if item.IsExpired() {
		s.client.Del(ctx, s.keyPrefix+key)
		return nil, nil
	}
	return item, nil
}

// Set stores data under key. The TTL option maps onto the Redis key expiry.
func (s *Store) Set(ctx context.Context, key string, data []byte, opts ...cache.Option) error {
	item := cache.NewItem(data, opts...)
	raw, err := json.Marshal(storedItem{Data: item.Data, CreatedAt: item.CreatedAt, ExpiresAt: item.ExpiresAt, Stale: item.Stale})
	if err != nil {
		return fmt.Errorf("failed to marshal stored item: %w", err)
	}

	var ttl time.Duration
	if item.ExpiresAt != nil {
		if ttl = time.Until(*item.ExpiresAt); ttl <= 0 {
			return s.Delete(ctx, key)
		}
	}
	if err := s.client.Set(ctx, s.keyPrefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

// Clear removes every key under the store's prefix.
func (s *Store) Clear(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.keyPrefix+"*", 100).Result()
		if err != nil {
			return fmt.Errorf("failed to scan keys: %w", err)
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("failed to delete keys: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

var _ cache.Store = (*Store)(nil)
