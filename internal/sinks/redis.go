package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSink keeps hourly per-label counters of windows in which each label was seen.
type RedisSink struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisSink wraps an existing client. A zero ttl leaves keys without expiry.
func NewRedisSink(client redis.Cmdable, ttl time.Duration) *RedisSink {
	return &RedisSink{client: client, ttl: ttl}
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisSink, *redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return NewRedisSink(client, ttl), client, nil
}

func (s *RedisSink) Name() string { return "redis" }

// Deliver increments hm:label:<label>:<YYYYMMDDHH> for every label of the window.
func (s *RedisSink) Deliver(ctx context.Context, msg Message) error {
	if len(msg.Labels) == 0 {
		return ErrSkipped
	}

	pipe := s.client.Pipeline()
	for _, label := range msg.Labels {
		key := LabelKey(label, msg.Timestamp)
		pipe.Incr(ctx, key)
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

// HourlyCount reads the counter of label for the hour containing t.
func (s *RedisSink) HourlyCount(ctx context.Context, label string, t time.Time) (int64, error) {
	n, err := s.client.Get(ctx, LabelKey(label, t)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

// LabelKey is the counter key of label for the UTC hour containing t.
func LabelKey(label string, t time.Time) string {
	return fmt.Sprintf("hm:label:%s:%s", label, t.UTC().Format("2006010215"))
}
