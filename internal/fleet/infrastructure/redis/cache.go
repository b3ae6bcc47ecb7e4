package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"

	fleet "edgefleet/internal/fleet/domain"
)

// SummaryCache keeps fleet summaries in Redis as JSON strings.
type SummaryCache struct {
	client *redis.Client
}

// NewSummaryCache constructs a cache.
func NewSummaryCache(client *redis.Client) (*SummaryCache, error) {
	if client == nil {
		return nil, errors.New("fleet cache: nil client")
	}
	return &SummaryCache{client: client}, nil
}

// Get returns nil, nil on a miss.
func (c *SummaryCache) Get(ctx context.Context, key string) (*fleet.Summary, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var summary fleet.Summary
	if err := json.Unmarshal([]byte(val), &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

// Set stores summary under key for ttl.
func (c *SummaryCache) Set(ctx context.Context, key string, summary fleet.Summary, ttl time.Duration) error {
	body, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, body, ttl).Err()
}
