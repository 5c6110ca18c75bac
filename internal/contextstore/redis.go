package contextstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "teamexec:ctx:"

// Redis keeps variables in a hash and messages in a list per execution.
type Redis struct {
	rdb    redis.UniversalClient
	logger *zap.Logger
}

// NewRedis creates a Redis-backed store on an existing client.
func NewRedis(rdb redis.UniversalClient, logger *zap.Logger) *Redis {
	return &Redis{rdb: rdb, logger: logger}
}

func varsKey(executionID string) string { return keyPrefix + executionID + ":vars" }
func msgsKey(executionID string) string { return keyPrefix + executionID + ":msgs" }

func (r *Redis) GetContext(ctx context.Context, executionID string) (map[string]Entry, error) {
	raw, err := r.rdb.HGetAll(ctx, varsKey(executionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get context %s: %w", executionID, err)
	}
	out := make(map[string]Entry, len(raw))
	for k, v := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			r.logger.Warn("skipping corrupt context entry",
				zap.String("execution", executionID), zap.String("key", k), zap.Error(err))
			continue
		}
		out[k] = e
	}
	return out, nil
}

func (r *Redis) GetVariable(ctx context.Context, executionID, key string) (*Entry, error) {
	v, err := r.rdb.HGet(ctx, varsKey(executionID), key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get variable %s: %w", key, err)
	}
	var e Entry
	if err := json.Unmarshal([]byte(v), &e); err != nil {
		return nil, fmt.Errorf("decode variable %s: %w", key, err)
	}
	return &e, nil
}

func (r *Redis) SetVariable(ctx context.Context, executionID, key string, value json.RawMessage, writer string) error {
	data, err := json.Marshal(Entry{
		Key:        key,
		Value:      value,
		LastWriter: writer,
		UpdatedAt:  time.Now(),
	})
	if err != nil {
		return fmt.Errorf("encode variable %s: %w", key, err)
	}
	// HSET replaces the field atomically, which is all last-writer-wins needs.
	if err := r.rdb.HSet(ctx, varsKey(executionID), key, data).Err(); err != nil {
		return fmt.Errorf("set variable %s: %w", key, err)
	}
	return nil
}

func (r *Redis) DeleteVariable(ctx context.Context, executionID, key string) error {
	if err := r.rdb.HDel(ctx, varsKey(executionID), key).Err(); err != nil {
		return fmt.Errorf("delete variable %s: %w", key, err)
	}
	return nil
}

func (r *Redis) AddMessage(ctx context.Context, executionID, agentID, msgType, content string) error {
	data, err := json.Marshal(&Message{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		Type:      msgType,
		Content:   content,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	// LPUSH keeps the list newest-first.
	if err := r.rdb.LPush(ctx, msgsKey(executionID), data).Err(); err != nil {
		return fmt.Errorf("add message: %w", err)
	}
	return nil
}

func (r *Redis) GetMessages(ctx context.Context, executionID string, limit int, filter MessageFilter) ([]*Message, error) {
	limit = normalizeLimit(limit)
	stop := int64(limit - 1)
	if filter != (MessageFilter{}) {
		stop = -1
	}
	raw, err := r.rdb.LRange(ctx, msgsKey(executionID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	var out []*Message
	for _, v := range raw {
		if len(out) >= limit {
			break
		}
		var m Message
		if json.Unmarshal([]byte(v), &m) != nil {
			continue
		}
		if filter.match(&m) {
			out = append(out, &m)
		}
	}
	return out, nil
}

func (r *Redis) Drop(ctx context.Context, executionID string) error {
	if err := r.rdb.Del(ctx, varsKey(executionID), msgsKey(executionID)).Err(); err != nil {
		return fmt.Errorf("drop context %s: %w", executionID, err)
	}
	return nil
}
