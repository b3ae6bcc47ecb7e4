package notify

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/go-redis/redis/v8"
)

// DefaultStream is the Redis stream alert events are appended to.
const DefaultStream = "edgefleet:alerts"

// RedisStreamChannel appends notifications to a Redis stream for downstream consumers.
type RedisStreamChannel struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisStreamChannel constructs a stream channel. maxLen <= 0 disables trimming.
func NewRedisStreamChannel(client *redis.Client, stream string, maxLen int64) (*RedisStreamChannel, error) {
	if client == nil {
		return nil, errors.New("redis stream channel: nil client")
	}
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisStreamChannel{client: client, stream: stream, maxLen: maxLen}, nil
}

// Name implements Channel.
func (r *RedisStreamChannel) Name() string { return "redis_stream" }

// Send implements Channel.
func (r *RedisStreamChannel) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg.Alert)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]interface{}{
			"event":    msg.Event,
			"alert_id": msg.Alert.ID,
			"device":   msg.Alert.DeviceID,
			"severity": string(msg.Alert.Severity),
			"alert":    string(body),
		},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	return r.client.XAdd(ctx, args).Err()
}
