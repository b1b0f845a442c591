package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// AttrCache holds the last polled attribute snapshot per device so panel
// reads never have to round-trip to the platform.
type AttrCache struct{ rdb *redis.Client }

func NewAttrCache(rdb *redis.Client) *AttrCache { return &AttrCache{rdb: rdb} }

func attrKey(deviceID string) string { return "greenhouse:attrs:" + deviceID }

func (c *AttrCache) Set(ctx context.Context, deviceID string, attrsJSON []byte) error {
	return c.rdb.Set(ctx, attrKey(deviceID), attrsJSON, 24*time.Hour).Err()
}

func (c *AttrCache) Get(ctx context.Context, deviceID string) ([]byte, error) {
	b, err := c.rdb.Get(ctx, attrKey(deviceID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return b, err
}

// OnlineCache is a short-lived cache of the platform's online flag per
// device. The admission gate reads it so a burst of commands against one
// device probes the platform once, not once per command.
type OnlineCache struct{ rdb *redis.Client }

func NewOnlineCache(rdb *redis.Client) *OnlineCache { return &OnlineCache{rdb: rdb} }

func onlineKey(deviceID string) string { return "greenhouse:online:" + deviceID }

func (c *OnlineCache) Set(ctx context.Context, deviceID string, online bool, ttl time.Duration) error {
	v := "0"
	if online {
		v = "1"
	}
	return c.rdb.Set(ctx, onlineKey(deviceID), v, ttl).Err()
}

// Get returns (online, found, error).
func (c *OnlineCache) Get(ctx context.Context, deviceID string) (bool, bool, error) {
	v, err := c.rdb.Get(ctx, onlineKey(deviceID)).Result()
	if err == redis.Nil {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return v == "1", true, nil
}
