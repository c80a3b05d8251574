package worker

import (
	"context"
	"time"

	"rebalancer/internal/core"
	"rebalancer/pkg/concurrency"
)

// ConsumerConfig tunes the queue polling loop
type ConsumerConfig struct {
	BatchSize   int
	ReceiveWait time.Duration
	MaxParallel int
}

// DefaultConsumerConfig returns production defaults
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		BatchSize:   10,
		ReceiveWait: 5 * time.Second,
		MaxParallel: 8,
	}
}

// Consumer pulls trade messages off the queue and fans them out to the
// worker across a bounded pool.
type Consumer struct {
	queue  core.TradeQueue
	worker *Worker
	pool   *concurrency.WorkerPool
	cfg    ConsumerConfig
	logger core.ILogger
}

// NewConsumer creates a consumer loop around the worker
func NewConsumer(queue core.TradeQueue, w *Worker, cfg ConsumerConfig, logger core.ILogger) *Consumer {
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "trade_consumer",
		MaxWorkers:  cfg.MaxParallel,
		MaxCapacity: cfg.BatchSize * 4,
	}, logger)
	return &Consumer{
		queue:  queue,
		worker: w,
		pool:   pool,
		cfg:    cfg,
		logger: logger.WithField("component", "consumer"),
	}
}

// Run polls the queue until the context is cancelled
func (c *Consumer) Run(ctx context.Context) error {
	defer c.pool.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, err := c.queue.ReceiveBatch(ctx, c.cfg.BatchSize, c.cfg.ReceiveWait)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("Receive failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		for _, msg := range msgs {
			m := msg
			if err := c.pool.Submit(func() { c.dispatch(ctx, m) }); err != nil {
				c.logger.Warn("Pool full, returning message to queue", "trade_id", m.Body.TradeID)
				if nackErr := c.queue.Nack(ctx, m); nackErr != nil {
					c.logger.Error("Nack failed", "trade_id", m.Body.TradeID, "error", nackErr)
				}
			}
		}
	}
}

// dispatch runs one message through the worker and settles it with the queue
func (c *Consumer) dispatch(ctx context.Context, m core.QueueMessage) {
	outcome, err := c.worker.Handle(ctx, &m.Body)
	if err != nil {
		c.logger.Error("Trade handling error, requeueing",
			"trade_id", m.Body.TradeID, "attempt", m.Attempt, "error", err)
		if nackErr := c.queue.Nack(ctx, m); nackErr != nil {
			c.logger.Error("Nack failed", "trade_id", m.Body.TradeID, "error", nackErr)
		}
		return
	}
	if ackErr := c.queue.Ack(ctx, m); ackErr != nil {
		c.logger.Error("Ack failed", "trade_id", m.Body.TradeID, "error", ackErr)
	}
	c.logger.Debug("Message settled", "trade_id", m.Body.TradeID, "outcome", string(outcome))
}
