package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const streamPrefix = "teamexec:bus:"

// RedisBackend stores each execution's log in a Redis Stream.
type RedisBackend struct {
	rdb    redis.UniversalClient
	maxLen int64
	logger *zap.Logger
}

// NewRedisBackend creates a Streams-backed log. maxLen caps each stream
// approximately; zero keeps everything.
func NewRedisBackend(rdb redis.UniversalClient, maxLen int64, logger *zap.Logger) *RedisBackend {
	return &RedisBackend{rdb: rdb, maxLen: maxLen, logger: logger}
}

func streamKey(executionID string) string { return streamPrefix + executionID }

func (r *RedisBackend) Append(ctx context.Context, msg *Message) (string, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	args := &redis.XAddArgs{
		Stream: streamKey(msg.ExecutionID),
		Values: map[string]interface{}{"data": string(data)},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	id, err := r.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("append to %s: %w", args.Stream, err)
	}
	return id, nil
}

func (r *RedisBackend) List(ctx context.Context, executionID string) ([]*Message, error) {
	entries, err := r.rdb.XRange(ctx, streamKey(executionID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("range %s: %w", executionID, err)
	}
	out := make([]*Message, 0, len(entries))
	for _, e := range entries {
		if m := decodeEntry(e); m != nil {
			out = append(out, m)
		}
	}
	return out, nil
}

func decodeEntry(e redis.XMessage) *Message {
	data, ok := e.Values["data"].(string)
	if !ok {
		return nil
	}
	var m Message
	if json.Unmarshal([]byte(data), &m) != nil {
		return nil
	}
	return &m
}

// Follow reads the stream with blocking XREAD calls starting after cursor.
func (r *RedisBackend) Follow(ctx context.Context, executionID, cursor string) (<-chan *Message, error) {
	if cursor == "" {
		cursor = "0"
	}
	ch := make(chan *Message, 16)
	stream := streamKey(executionID)

	go func() {
		defer close(ch)
		lastID := cursor
		for {
			if ctx.Err() != nil {
				return
			}
			results, err := r.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   10,
				Block:   500 * time.Millisecond,
			}).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				r.logger.Warn("follow stream failed", zap.String("stream", stream), zap.Error(err))
				select {
				case <-time.After(100 * time.Millisecond):
					continue
				case <-ctx.Done():
					return
				}
			}
			for _, res := range results {
				for _, e := range res.Messages {
					lastID = e.ID
					m := decodeEntry(e)
					if m == nil {
						continue
					}
					select {
					case ch <- m:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return ch, nil
}

func (r *RedisBackend) Drop(ctx context.Context, executionID string) error {
	return r.rdb.Del(ctx, streamKey(executionID)).Err()
}
