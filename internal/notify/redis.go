package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisSink publishes events as JSON on a Redis Pub/Sub channel.
type RedisSink struct {
	rdb     redis.UniversalClient
	channel string
	logger  *zap.Logger
}

// NewRedisSink creates a Pub/Sub sink.
func NewRedisSink(rdb redis.UniversalClient, channel string, logger *zap.Logger) *RedisSink {
	if channel == "" {
		channel = "teamexec:events"
	}
	return &RedisSink{rdb: rdb, channel: channel, logger: logger}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := s.rdb.Publish(ctx, s.channel, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", s.channel, err)
	}
	return nil
}

// Subscribe streams events from the channel until ctx is done.
func (s *RedisSink) Subscribe(ctx context.Context) (<-chan Event, error) {
	sub := s.rdb.Subscribe(ctx, s.channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", s.channel, err)
	}
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					s.logger.Warn("drop malformed event", zap.Error(err))
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close is a no-op; the client is owned by the caller.
func (s *RedisSink) Close() error { return nil }
