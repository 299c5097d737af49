// Package tiercache caches profile tiers in Redis in front of a slower lookup.
package tiercache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/3leaps/annoflow/pkg/profile"
)

const (
	DefaultTTL    = 5 * time.Minute
	DefaultPrefix = "annoflow:tier:"
)

// Config holds the Redis connection settings.
type Config struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// NewClient creates a Redis client for cfg.
func NewClient(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Cache is a read-through profile.Lookup.
//
// Cache failures never fail a lookup; they fall through to the wrapped lookup.
type Cache struct {
	client redis.UniversalClient
	next   profile.Lookup
	ttl    time.Duration
	prefix string
	logger *zap.Logger
}

// Option configures a Cache.
type Option func(*Cache)

func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

func WithPrefix(prefix string) Option {
	return func(c *Cache) { c.prefix = prefix }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// New wraps next with a Redis cache.
func New(client redis.UniversalClient, next profile.Lookup, opts ...Option) *Cache {
	c := &Cache{
		client: client,
		next:   next,
		ttl:    DefaultTTL,
		prefix: DefaultPrefix,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) key(userID string) string {
	return c.prefix + userID
}

// Tier implements profile.Lookup.
func (c *Cache) Tier(ctx context.Context, userID string) (profile.Tier, error) {
	key := c.key(userID)
	val, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		if t, perr := profile.ParseTier(val); perr == nil {
			return t, nil
		}
		c.logger.Warn("Discarding unparseable cached tier", zap.String("user_id", userID), zap.String("value", val))
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warn("Tier cache read failed", zap.String("user_id", userID), zap.Error(err))
	}

	t, err := c.next.Tier(ctx, userID)
	if err != nil {
		return "", err
	}
	if err := c.client.Set(ctx, key, string(t), c.ttl).Err(); err != nil {
		c.logger.Warn("Tier cache write failed", zap.String("user_id", userID), zap.Error(err))
	}
	return t, nil
}

// SetTier updates the wrapped backend and drops the cached entry.
func (c *Cache) SetTier(ctx context.Context, userID string, tier profile.Tier) error {
	u, ok := c.next.(profile.Updater)
	if !ok {
		return profile.ErrReadOnly
	}
	if err := u.SetTier(ctx, userID, tier); err != nil {
		return err
	}
	return c.Invalidate(ctx, userID)
}

// Invalidate removes the cached tier for userID.
func (c *Cache) Invalidate(ctx context.Context, userID string) error {
	if err := c.client.Del(ctx, c.key(userID)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
