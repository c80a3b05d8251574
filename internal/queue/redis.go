package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"rebalancer/internal/core"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the Redis Streams transport
type RedisOptions struct {
	Stream   string
	Group    string
	Consumer string
	// DedupTTL bounds how long a trade id suppresses re-sends. Should
	// comfortably exceed the run TTL.
	DedupTTL time.Duration
	// ClaimIdle is the pending-entry idle time after which another consumer
	// may claim a message whose owner crashed.
	ClaimIdle time.Duration
}

// DefaultRedisOptions returns production defaults
func DefaultRedisOptions(consumer string) RedisOptions {
	return RedisOptions{
		Stream:    "trades",
		Group:     "workers",
		Consumer:  consumer,
		DedupTTL:  48 * time.Hour,
		ClaimIdle: 5 * time.Minute,
	}
}

// RedisQueue is the production TradeQueue on Redis Streams with a consumer
// group. Dedup is a TTL key per trade id, written only after the entry is in
// the stream; delivery counts come from the pending entries list.
type RedisQueue struct {
	client *redis.Client
	opts   RedisOptions
	logger core.ILogger
}

var _ core.TradeQueue = (*RedisQueue)(nil)

// NewRedisQueue creates the stream and consumer group if absent
func NewRedisQueue(ctx context.Context, client *redis.Client, opts RedisOptions, logger core.ILogger) (*RedisQueue, error) {
	err := client.XGroupCreateMkStream(ctx, opts.Stream, opts.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create consumer group %s/%s: %w", opts.Stream, opts.Group, err)
	}
	return &RedisQueue{
		client: client,
		opts:   opts,
		logger: logger.WithField("component", "redis_queue"),
	}, nil
}

func (q *RedisQueue) dedupKey(dedupID string) string {
	return q.opts.Stream + ":dedup:" + dedupID
}

// Send enqueues one trade message. The dedup key is committed only after the
// XADD succeeds: a crash or error between the two calls then costs at worst a
// duplicate delivery, which the worker's idempotency checks absorb, instead
// of suppressing recovery re-sends for DedupTTL.
func (q *RedisQueue) Send(ctx context.Context, msg core.TradeMessage, groupKey, dedupID string) error {
	seen, err := q.client.Exists(ctx, q.dedupKey(dedupID)).Result()
	if err != nil {
		return fmt.Errorf("dedup check %s: %w", dedupID, err)
	}
	if seen > 0 {
		q.logger.Debug("Duplicate send suppressed", "dedup_id", dedupID)
		return nil
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal trade %s: %w", msg.TradeID, err)
	}
	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.opts.Stream,
		Values: map[string]interface{}{
			"body":      string(body),
			"group_key": groupKey,
			"attempt":   1,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd trade %s: %w", msg.TradeID, err)
	}

	if err := q.client.Set(ctx, q.dedupKey(dedupID), "1", q.opts.DedupTTL).Err(); err != nil {
		// The entry is already in the stream; a missed mark only risks one
		// extra delivery on the next send
		q.logger.Warn("Dedup mark failed after enqueue", "dedup_id", dedupID, "error", err)
	}
	return nil
}

func (q *RedisQueue) ReceiveBatch(ctx context.Context, max int, wait time.Duration) ([]core.QueueMessage, error) {
	if max <= 0 {
		max = 1
	}

	// Recover messages whose consumer died before acking
	if claimed, err := q.claimStale(ctx, max); err != nil {
		q.logger.Warn("Stale-claim sweep failed", "error", err)
	} else if len(claimed) > 0 {
		return claimed, nil
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.opts.Group,
		Consumer: q.opts.Consumer,
		Streams:  []string{q.opts.Stream, ">"},
		Count:    int64(max),
		Block:    wait,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup %s: %w", q.opts.Stream, err)
	}

	var out []core.QueueMessage
	for _, s := range streams {
		for _, m := range s.Messages {
			qm, parseErr := q.parse(m)
			if parseErr != nil {
				q.logger.Error("Dropping unparseable message",
					"message_id", m.ID, "error", parseErr)
				q.client.XAck(ctx, q.opts.Stream, q.opts.Group, m.ID)
				continue
			}
			out = append(out, qm)
		}
	}
	return out, nil
}

func (q *RedisQueue) claimStale(ctx context.Context, max int) ([]core.QueueMessage, error) {
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.opts.Stream,
		Group:    q.opts.Group,
		Consumer: q.opts.Consumer,
		MinIdle:  q.opts.ClaimIdle,
		Start:    "0-0",
		Count:    int64(max),
	}).Result()
	if err != nil {
		return nil, err
	}
	var out []core.QueueMessage
	for _, m := range msgs {
		qm, parseErr := q.parse(m)
		if parseErr != nil {
			q.client.XAck(ctx, q.opts.Stream, q.opts.Group, m.ID)
			continue
		}
		qm.Attempt++
		out = append(out, qm)
	}
	return out, nil
}

func (q *RedisQueue) parse(m redis.XMessage) (core.QueueMessage, error) {
	raw, ok := m.Values["body"].(string)
	if !ok {
		return core.QueueMessage{}, fmt.Errorf("message %s has no body", m.ID)
	}
	var body core.TradeMessage
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		return core.QueueMessage{}, fmt.Errorf("decode message %s: %w", m.ID, err)
	}
	attempt := 1
	if a, ok := m.Values["attempt"].(string); ok {
		if n, err := strconv.Atoi(a); err == nil {
			attempt = n
		}
	}
	return core.QueueMessage{Body: body, ReceiptID: m.ID, Attempt: attempt}, nil
}

func (q *RedisQueue) Ack(ctx context.Context, msg core.QueueMessage) error {
	if err := q.client.XAck(ctx, q.opts.Stream, q.opts.Group, msg.ReceiptID).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", msg.ReceiptID, err)
	}
	return nil
}

// Nack re-adds the message with the attempt bumped and acks the original
// delivery so it is not also re-claimed later.
func (q *RedisQueue) Nack(ctx context.Context, msg core.QueueMessage) error {
	body, err := json.Marshal(msg.Body)
	if err != nil {
		return fmt.Errorf("marshal nack %s: %w", msg.Body.TradeID, err)
	}
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.opts.Stream,
		Values: map[string]interface{}{
			"body":    string(body),
			"attempt": msg.Attempt + 1,
		},
	})
	pipe.XAck(ctx, q.opts.Stream, q.opts.Group, msg.ReceiptID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("nack %s: %w", msg.ReceiptID, err)
	}
	return nil
}
