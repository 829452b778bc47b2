package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c := NewMemoryCache(zap.NewNop().Sugar(), nil)
	t.Cleanup(func() { c.Close() })
	return c
}

func receive(t *testing.T, sub Subscription) *Message {
	t.Helper()
	select {
	case msg, ok := <-sub.Messages():
		require.True(t, ok, "subscription closed")
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestNewCache_FallsBackToMemory(t *testing.T) {
	c, err := NewCache("127.0.0.1:1", zap.NewNop().Sugar(), nil)
	require.NoError(t, err)
	defer c.Close()

	assert.True(t, c.IsInMemoryMode())
	assert.NoError(t, c.Ping(context.Background()))
}

func TestCache_GetSetDelete(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	type position struct {
		IDs []uint64 `json:"ids"`
	}

	var got position
	assert.ErrorIs(t, c.Get(ctx, KeyDepositIDs("0xABC"), &got), ErrCacheMiss)

	require.NoError(t, c.Set(ctx, KeyDepositIDs("0xABC"), position{IDs: []uint64{1, 2}}, time.Minute))
	require.NoError(t, c.Get(ctx, KeyDepositIDs("0xabc"), &got))
	assert.Equal(t, []uint64{1, 2}, got.IDs)

	ok, err := c.Exists(ctx, KeyDepositIDs("0xabc"))
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, c.Delete(ctx, KeyDepositIDs("0xabc")))
	assert.ErrorIs(t, c.Get(ctx, KeyDepositIDs("0xabc"), &got), ErrCacheMiss)
}

func TestCache_TTLExpiry(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.memory.now = func() time.Time { return now }

	require.NoError(t, c.Set(ctx, KeyIntent("ttl"), "x", time.Second))
	var s string
	require.NoError(t, c.Get(ctx, KeyIntent("ttl"), &s))

	now = now.Add(2 * time.Second)
	assert.ErrorIs(t, c.Get(ctx, KeyIntent("ttl"), &s), ErrCacheMiss)
}

func TestInMemoryPubSub(t *testing.T) {
	c := newTestCache(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	intentSub := c.Subscribe(ctx, ChannelIntent("abc"))
	userSub := c.Subscribe(ctx, ChannelUserPrefix+"*")
	defer intentSub.Close()
	defer userSub.Close()

	require.NoError(t, c.Publish(ctx, ChannelIntent("abc"), map[string]string{"state": "Confirmed"}))
	msg := receive(t, intentSub)
	assert.Equal(t, "lq:intent:abc", msg.Channel)
	assert.JSONEq(t, `{"state":"Confirmed"}`, msg.Payload)

	require.NoError(t, c.Publish(ctx, ChannelUser("0xDEF"), "hello"))
	msg = receive(t, userSub)
	assert.Equal(t, "lq:user:0xdef", msg.Channel)
	assert.Equal(t, `"hello"`, msg.Payload)

	select {
	case m := <-intentSub.Messages():
		t.Fatalf("unexpected message on intent subscription: %+v", m)
	default:
	}
}

func TestInMemoryPubSub_CancelClosesSubscription(t *testing.T) {
	c := newTestCache(t)
	ctx, cancel := context.WithCancel(context.Background())

	sub := c.Subscribe(ctx, "lq:x")
	cancel()

	select {
	case _, ok := <-sub.Messages():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed after cancel")
	}
	assert.NoError(t, c.Publish(context.Background(), "lq:x", 1))
}

func TestMatchChannel(t *testing.T) {
	tests := []struct {
		pattern string
		channel string
		want    bool
	}{
		{"lq:user:*", "lq:user:0xabc", true},
		{"lq:user:*", "lq:intent:1", false},
		{"lq:intent:1", "lq:intent:1", true},
		{"lq:intent:1", "lq:intent:12", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.channel, func(t *testing.T) {
			assert.Equal(t, tt.want, matchChannel(tt.pattern, tt.channel))
		})
	}
}
