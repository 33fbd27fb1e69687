// Package redis connects the engine to Redis pub/sub: external events in,
// notifications and negotiator commands out, and slot ownership locks.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "wlantunnel"

// Client wraps the Redis operations used by the engine.
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
}

// NewClient creates a new Redis client.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Key helpers
func eventsChannel(slot int) string {
	return fmt.Sprintf("%s:events:%d", keyPrefix, slot)
}

func notifyChannel(slot int) string {
	return fmt.Sprintf("%s:notify:%d", keyPrefix, slot)
}

func commandChannel(slot int) string {
	return fmt.Sprintf("%s:negotiator:%d:commands", keyPrefix, slot)
}

func resultChannel(slot int) string {
	return fmt.Sprintf("%s:negotiator:%d:results", keyPrefix, slot)
}

func lockKey(slot int) string {
	return fmt.Sprintf("%s:owner:%d", keyPrefix, slot)
}

func snapshotKey(slot int) string {
	return fmt.Sprintf("%s:snapshot:%d", keyPrefix, slot)
}

// slotFromChannel extracts the slot index from a channel such as
// "wlantunnel:events:1" or "wlantunnel:negotiator:1:results".
func slotFromChannel(channel string) (int, error) {
	parts := strings.Split(channel, ":")
	if len(parts) < 3 || parts[0] != keyPrefix {
		return 0, fmt.Errorf("invalid channel: %s", channel)
	}
	slot, err := strconv.Atoi(parts[2])
	if err != nil || slot < 0 {
		return 0, fmt.Errorf("invalid slot in channel %s", channel)
	}
	return slot, nil
}

// PublishJSON encodes v and publishes it on channel.
func (c *Client) PublishJSON(ctx context.Context, channel string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := c.rdb.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s failed: %w", channel, err)
	}
	return nil
}

// ErrLockHeld is returned when another instance owns a slot.
var ErrLockHeld = errors.New("slot owned by another instance")

// AcquireSlotLock claims ownership of slot for owner.
func (c *Client) AcquireSlotLock(ctx context.Context, slot int, owner string, ttl time.Duration) error {
	ok, err := c.rdb.SetNX(ctx, lockKey(slot), owner, ttl).Result()
	if err != nil {
		return fmt.Errorf("setnx failed: %w", err)
	}
	if ok {
		return nil
	}
	current, err := c.rdb.Get(ctx, lockKey(slot)).Result()
	if err == nil && current == owner {
		return c.RefreshSlotLock(ctx, slot, ttl)
	}
	return fmt.Errorf("slot %d: %w", slot, ErrLockHeld)
}

// RefreshSlotLock extends the TTL of a slot lock.
func (c *Client) RefreshSlotLock(ctx context.Context, slot int, ttl time.Duration) error {
	return c.rdb.Expire(ctx, lockKey(slot), ttl).Err()
}

// ReleaseSlotLock releases a slot lock.
func (c *Client) ReleaseSlotLock(ctx context.Context, slot int) error {
	return c.rdb.Del(ctx, lockKey(slot)).Err()
}
