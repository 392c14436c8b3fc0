// Package presence holds the shared presence cache adapters.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-presence-relay/pkg/relay"
)

const keyPrefix = "presence:"

// redisClient defines the interface we need from go-redis.
type redisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Close() error
}

// RedisPresenceCache implements relay.PresenceCache. Each user maps to one key
// holding the JSON ConnectionInfo; the TTL bounds how long a crashed instance
// can leave a user looking online.
type RedisPresenceCache struct {
	client redisClient
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedisPresenceCache is the constructor for the RedisPresenceCache.
// A zero ttl stores entries without expiry.
func NewRedisPresenceCache(client redisClient, ttl time.Duration, logger zerolog.Logger) (*RedisPresenceCache, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	return &RedisPresenceCache{
		client: client,
		ttl:    ttl,
		logger: logger.With().Str("component", "RedisPresenceCache").Logger(),
	}, nil
}

func userKey(userID string) string {
	return keyPrefix + userID
}

// Set records that userID is connected to the instance named in info.
func (c *RedisPresenceCache) Set(ctx context.Context, userID string, info relay.ConnectionInfo) error {
	payload, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}
	if err := c.client.Set(ctx, userKey(userID), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set presence for %s: %w", userID, err)
	}
	c.logger.Debug().Str("user", userID).Str("instance", info.ServerInstanceID).Msg("Presence set.")
	return nil
}

// Fetch returns relay.ErrNotFound when the user has no presence entry.
func (c *RedisPresenceCache) Fetch(ctx context.Context, userID string) (relay.ConnectionInfo, error) {
	raw, err := c.client.Get(ctx, userKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return relay.ConnectionInfo{}, relay.ErrNotFound
	}
	if err != nil {
		return relay.ConnectionInfo{}, fmt.Errorf("failed to fetch presence for %s: %w", userID, err)
	}
	var info relay.ConnectionInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return relay.ConnectionInfo{}, fmt.Errorf("corrupt presence entry for %s: %w", userID, err)
	}
	return info, nil
}

func (c *RedisPresenceCache) Delete(ctx context.Context, userID string) error {
	if err := c.client.Del(ctx, userKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to delete presence for %s: %w", userID, err)
	}
	return nil
}

func (c *RedisPresenceCache) Close() error {
	return c.client.Close()
}
