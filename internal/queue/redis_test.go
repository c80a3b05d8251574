package queue

import (
	"context"
	"testing"
	"time"

	"rebalancer/internal/core"
	"rebalancer/pkg/logging"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisQueue(t *testing.T) (*miniredis.Miniredis, *redis.Client, *RedisQueue) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q, err := NewRedisQueue(context.Background(), client, RedisOptions{
		Stream:    "trades",
		Group:     "workers",
		Consumer:  "w1",
		DedupTTL:  time.Hour,
		ClaimIdle: time.Minute,
	}, logging.GetGlobalLogger())
	require.NoError(t, err)
	return mr, client, q
}

func redisTradeMsg(tradeID string) core.TradeMessage {
	return core.TradeMessage{
		RunID:       "run-1",
		TradeID:     tradeID,
		Symbol:      "AAPL",
		Action:      core.ActionSell,
		TradeAmount: decimal.NewFromInt(100),
		Phase:       core.PhaseSell,
	}
}

func TestRedisSendSuppressesDuplicates(t *testing.T) {
	_, client, q := newTestRedisQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Send(ctx, redisTradeMsg("t1"), "run-1", "t1"))
	require.NoError(t, q.Send(ctx, redisTradeMsg("t1"), "run-1", "t1"))

	n, err := client.XLen(ctx, "trades").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRedisSendMarksDedupOnlyAfterEnqueue(t *testing.T) {
	mr, client, q := newTestRedisQueue(t)
	ctx := context.Background()

	// Replace the stream with a plain string so the XADD fails mid-send
	mr.Del("trades")
	require.NoError(t, mr.Set("trades", "not-a-stream"))

	err := q.Send(ctx, redisTradeMsg("t1"), "run-1", "t1")
	require.Error(t, err)
	assert.False(t, mr.Exists("trades:dedup:t1"),
		"failed send must not leave a dedup key behind")

	// No dedup residue, so the recovery re-send reaches the stream
	mr.Del("trades")
	require.NoError(t, q.Send(ctx, redisTradeMsg("t1"), "run-1", "t1"))

	n, err := client.XLen(ctx, "trades").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.True(t, mr.Exists("trades:dedup:t1"))
}

func TestRedisReceiveAndAck(t *testing.T) {
	_, _, q := newTestRedisQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Send(ctx, redisTradeMsg("t1"), "run-1", "t1"))

	msgs, err := q.ReceiveBatch(ctx, 10, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "t1", msgs[0].Body.TradeID)
	assert.Equal(t, 1, msgs[0].Attempt)
	require.NoError(t, q.Ack(ctx, msgs[0]))
}
