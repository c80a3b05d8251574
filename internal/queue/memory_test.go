package queue

import (
	"context"
	"testing"
	"time"

	"rebalancer/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(tradeID string) core.TradeMessage {
	return core.TradeMessage{RunID: "run-1", TradeID: tradeID, Symbol: "AAPL", Action: core.ActionSell}
}

func TestMemoryQueueRoundTrip(t *testing.T) {
	q := NewMemoryQueue(8)
	ctx := context.Background()

	require.NoError(t, q.Send(ctx, msg("t-1"), "run-1", "t-1"))
	require.NoError(t, q.Send(ctx, msg("t-2"), "run-1", "t-2"))

	got, err := q.ReceiveBatch(ctx, 10, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "t-1", got[0].Body.TradeID)
	assert.Equal(t, 1, got[0].Attempt)
}

func TestMemoryQueueDeduplicates(t *testing.T) {
	q := NewMemoryQueue(8)
	ctx := context.Background()

	require.NoError(t, q.Send(ctx, msg("t-1"), "run-1", "t-1"))
	require.NoError(t, q.Send(ctx, msg("t-1"), "run-1", "t-1"))

	got, err := q.ReceiveBatch(ctx, 10, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestMemoryQueueNackRedelivers(t *testing.T) {
	q := NewMemoryQueue(8)
	ctx := context.Background()

	require.NoError(t, q.Send(ctx, msg("t-1"), "run-1", "t-1"))
	got, err := q.ReceiveBatch(ctx, 1, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, got, 1)

	require.NoError(t, q.Nack(ctx, got[0]))
	again, err := q.ReceiveBatch(ctx, 1, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, 2, again[0].Attempt)
}

func TestMemoryQueueEmptyReceiveTimesOut(t *testing.T) {
	q := NewMemoryQueue(8)
	start := time.Now()
	got, err := q.ReceiveBatch(context.Background(), 5, 30*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}
