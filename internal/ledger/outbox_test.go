package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryOutbox_EnqueueIsKeyedByReference(t *testing.T) {
	outbox := NewMemoryOutbox()
	ctx := context.Background()
	at := time.Now()

	first, created, err := outbox.Enqueue(ctx, sampleRecord("0x1"), at)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := outbox.Enqueue(ctx, sampleRecord("0x1"), at.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, at, second.AvailableAt)
}

func TestMemoryOutbox_ClaimDueLeases(t *testing.T) {
	outbox := NewMemoryOutbox()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	_, _, _ = outbox.Enqueue(ctx, sampleRecord("0x1"), now.Add(-time.Minute))
	_, _, _ = outbox.Enqueue(ctx, sampleRecord("0x2"), now.Add(-time.Second))
	_, _, _ = outbox.Enqueue(ctx, sampleRecord("0x3"), now.Add(time.Hour))

	due, err := outbox.ClaimDue(ctx, now, now.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "0x1", due[0].Ref())
	assert.Equal(t, "0x2", due[1].Ref())

	again, err := outbox.ClaimDue(ctx, now, now.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, again, "leased entries are not claimed twice")

	limited, err := outbox.ClaimDue(ctx, now.Add(2*time.Hour), now.Add(3*time.Hour), 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestMemoryOutbox_Transitions(t *testing.T) {
	outbox := NewMemoryOutbox()
	ctx := context.Background()
	now := time.Now()

	_, _, _ = outbox.Enqueue(ctx, sampleRecord("0x1"), now)
	require.NoError(t, outbox.MarkRetry(ctx, "0x1", now.Add(time.Minute), "boom"))
	e, _ := outbox.Get(ctx, "0x1")
	assert.Equal(t, StatusPending, e.Status)
	assert.Equal(t, int32(1), e.Attempts)
	assert.Equal(t, "boom", e.LastError)

	require.NoError(t, outbox.MarkFailed(ctx, "0x1", "gave up"))
	e, _ = outbox.Get(ctx, "0x1")
	assert.Equal(t, StatusFailed, e.Status)

	require.NoError(t, outbox.Reschedule(ctx, "0x1", now))
	e, _ = outbox.Get(ctx, "0x1")
	assert.Equal(t, StatusPending, e.Status)

	require.NoError(t, outbox.MarkDone(ctx, "0x1"))
	require.NoError(t, outbox.Reschedule(ctx, "0x1", now))
	e, _ = outbox.Get(ctx, "0x1")
	assert.Equal(t, StatusDone, e.Status, "done entries stay done")

	assert.ErrorIs(t, outbox.MarkDone(ctx, "0xmissing"), ErrNotFound)
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("failed")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, s)

	s, err = ParseStatus("")
	require.NoError(t, err)
	assert.Equal(t, Status(""), s)

	_, err = ParseStatus("bogus")
	assert.Error(t, err)
}
