package contextstore

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"redis":  NewRedis(rdb, zap.NewNop()),
	}
}

func TestVariablesLastWriterWins(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.SetVariable(ctx, "exec-1", "topic", StringValue("go"), "agent-1"))
			require.NoError(t, s.SetVariable(ctx, "exec-1", "topic", StringValue("rust"), "agent-2"))

			e, err := s.GetVariable(ctx, "exec-1", "topic")
			require.NoError(t, err)
			require.NotNil(t, e)
			assert.Equal(t, "rust", e.AsString())
			assert.Equal(t, "agent-2", e.LastWriter)

			all, err := s.GetContext(ctx, "exec-1")
			require.NoError(t, err)
			assert.Len(t, all, 1)

			require.NoError(t, s.DeleteVariable(ctx, "exec-1", "topic"))
			e, err = s.GetVariable(ctx, "exec-1", "topic")
			require.NoError(t, err)
			assert.Nil(t, e)
		})
	}
}

func TestExecutionsAreIsolated(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.SetVariable(ctx, "exec-1", "k", json.RawMessage(`{"n":1}`), "a"))
			require.NoError(t, s.AddMessage(ctx, "exec-1", "a", "note", "hello"))

			e, err := s.GetVariable(ctx, "exec-2", "k")
			require.NoError(t, err)
			assert.Nil(t, e)
			msgs, err := s.GetMessages(ctx, "exec-2", 10, MessageFilter{})
			require.NoError(t, err)
			assert.Empty(t, msgs)

			require.NoError(t, s.Drop(ctx, "exec-1"))
			all, err := s.GetContext(ctx, "exec-1")
			require.NoError(t, err)
			assert.Empty(t, all)
		})
	}
}

func TestGetMessagesNewestFirstWithFilters(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 5; i++ {
				agent := "agent-1"
				if i%2 == 1 {
					agent = "agent-2"
				}
				require.NoError(t, s.AddMessage(ctx, "exec-1", agent, "note", fmt.Sprintf("m%d", i)))
			}
			require.NoError(t, s.AddMessage(ctx, "exec-1", "agent-1", "status", "done"))

			msgs, err := s.GetMessages(ctx, "exec-1", 3, MessageFilter{})
			require.NoError(t, err)
			require.Len(t, msgs, 3)
			assert.Equal(t, "done", msgs[0].Content)
			assert.Equal(t, "m4", msgs[1].Content)
			assert.Equal(t, "m3", msgs[2].Content)

			msgs, err = s.GetMessages(ctx, "exec-1", 10, MessageFilter{AgentID: "agent-2"})
			require.NoError(t, err)
			require.Len(t, msgs, 2)
			assert.Equal(t, "m3", msgs[0].Content)
			assert.Equal(t, "m1", msgs[1].Content)

			msgs, err = s.GetMessages(ctx, "exec-1", 10, MessageFilter{AgentID: "agent-1", Type: "note"})
			require.NoError(t, err)
			assert.Len(t, msgs, 3)
		})
	}
}
