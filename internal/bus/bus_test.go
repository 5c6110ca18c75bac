package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newMemoryBus() *Bus {
	return New(NewMemoryBackend(), zap.NewNop())
}

func newRedisBus(t *testing.T) *Bus {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(NewRedisBackend(rdb, 1000, zap.NewNop()), zap.NewNop())
}

func TestInbox(t *testing.T) {
	ctx := context.Background()
	buses := map[string]*Bus{"memory": newMemoryBus(), "redis": newRedisBus(t)}
	for name, b := range buses {
		t.Run(name, func(t *testing.T) {
			_, err := b.Send(ctx, "exec-1", "a", "b", "task", "draft an outline")
			require.NoError(t, err)
			_, err = b.Send(ctx, "exec-1", "a", "c", "task", "not for b")
			require.NoError(t, err)
			_, err = b.Broadcast(ctx, "exec-1", "c", "status", "ready")
			require.NoError(t, err)
			_, err = b.Broadcast(ctx, "exec-1", "b", "status", "b's own broadcast")
			require.NoError(t, err)
			_, err = b.Send(ctx, "exec-2", "a", "b", "task", "other execution")
			require.NoError(t, err)

			inbox, err := b.GetMessages(ctx, "exec-1", "b", 10, Filter{})
			require.NoError(t, err)
			require.Len(t, inbox, 2)
			assert.Equal(t, "ready", inbox[0].Content)
			assert.True(t, inbox[0].Broadcast())
			assert.Equal(t, "draft an outline", inbox[1].Content)

			inbox, err = b.GetMessages(ctx, "exec-1", "b", 10, Filter{From: "a", Type: "task"})
			require.NoError(t, err)
			require.Len(t, inbox, 1)

			inbox, err = b.GetMessages(ctx, "exec-1", "b", 1, Filter{})
			require.NoError(t, err)
			assert.Len(t, inbox, 1)
		})
	}
}

func TestRequestResponseTimesOut(t *testing.T) {
	b := newMemoryBus()
	start := time.Now()
	_, err := b.RequestResponse(context.Background(), "exec-1", "a", "b", "question", "anyone?", 100*time.Millisecond)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 100*time.Millisecond, te.Timeout)
	assert.GreaterOrEqual(t, elapsed, 90*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestRequestResponseZeroTimeoutIsTyped(t *testing.T) {
	ctx := context.Background()
	for name, b := range map[string]*Bus{"memory": newMemoryBus(), "redis": newRedisBus(t)} {
		t.Run(name, func(t *testing.T) {
			_, err := b.RequestResponse(ctx, "exec-0", "a", "b", "question", "now?", 0)
			require.Error(t, err)
			var te *TimeoutError
			require.ErrorAs(t, err, &te)
			assert.Zero(t, te.Timeout)

			// the request was still delivered
			inbox, err := b.GetMessages(ctx, "exec-0", "b", 10, Filter{Type: "question"})
			require.NoError(t, err)
			require.Len(t, inbox, 1)
			assert.True(t, inbox[0].IsRequest)
		})
	}
}

func TestMemoryFollowEndsOnDrop(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m := NewMemoryBackend()
	_, err := m.Append(ctx, &Message{ExecutionID: "exec-1", From: "a", Type: "note"})
	require.NoError(t, err)

	ch, err := m.Follow(ctx, "exec-1", "0")
	require.NoError(t, err)
	require.NoError(t, m.Drop(ctx, "exec-1"))

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-ctx.Done():
		t.Fatal("follower still running after drop")
	}

	m.mu.Lock()
	_, exists := m.logs["exec-1"]
	m.mu.Unlock()
	assert.False(t, exists)

	_, err = m.Append(ctx, &Message{ExecutionID: "exec-1", From: "a", Type: "note", Content: "after purge"})
	require.NoError(t, err)
	msgs, err := m.List(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "after purge", msgs[0].Content)
}

func TestRequestResponseReturnsParentCancellation(t *testing.T) {
	b := newMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.RequestResponse(ctx, "exec-1", "a", "b", "question", "?", time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRequestResponseReceivesReply(t *testing.T) {
	b := newMemoryBus()
	ctx := context.Background()

	go func() {
		for i := 0; i < 200; i++ {
			inbox, _ := b.GetMessages(ctx, "exec-1", "b", 10, Filter{Type: "question"})
			for _, m := range inbox {
				if m.IsRequest {
					_, _ = b.Send(ctx, "exec-1", "b", "a", ResponseType, "unrelated chatter")
					_, _ = b.RespondToRequest(ctx, "exec-1", m.ID, "b", "42")
					return
				}
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	reply, err := b.RequestResponse(ctx, "exec-1", "a", "b", "question", "meaning of life?", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "42", reply.Content)
	assert.Equal(t, "b", reply.From)
	assert.Equal(t, "a", reply.To)
	assert.NotEmpty(t, reply.InReplyTo)
}

func TestRespondToRequestValidates(t *testing.T) {
	ctx := context.Background()
	for name, b := range map[string]*Bus{"memory": newMemoryBus(), "redis": newRedisBus(t)} {
		t.Run(name, func(t *testing.T) {
			_, err := b.RespondToRequest(ctx, "exec-1", "missing", "b", "x")
			assert.ErrorIs(t, err, ErrMessageNotFound)

			id, err := b.Send(ctx, "exec-1", "a", "b", "note", "fyi")
			require.NoError(t, err)
			_, err = b.RespondToRequest(ctx, "exec-1", id, "b", "x")
			assert.ErrorIs(t, err, ErrNotRequest)
		})
	}
}
