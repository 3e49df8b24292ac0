package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// GetInstruments returns a cached instrument master payload.
func (c *Client) GetInstruments(ctx context.Context, broker string) ([]byte, bool, error) {
	data, err := c.rdb.Get(ctx, c.instrumentsKey(broker)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get instruments failed: %w", err)
	}
	return data, true, nil
}

// SetInstruments caches an instrument master payload for ttl.
func (c *Client) SetInstruments(ctx context.Context, broker string, payload []byte, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, c.instrumentsKey(broker), payload, ttl).Err(); err != nil {
		return fmt.Errorf("set instruments failed: %w", err)
	}
	return nil
}
