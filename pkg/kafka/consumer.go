// Package kafka provides Kafka clients backed by segmentio/kafka-go. The
// consumer fans messages out to one ordered worker per partition, so a slow
// partition never blocks its siblings, while the producer publishes
// JSON-encoded envelopes.
package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/salespipe/crm-analytics-platform/pkg/config"
)

// RawMessage is the transport-level view of a single Kafka message handed to
// the pipeline. It exists only for the duration of the dispatch.
type RawMessage struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Handler is invoked once per message. A nil return commits the offset;
// returning an error leaves the offset uncommitted and ends the consumer
// session, so the group rebalances and the broker redelivers everything from
// the last committed offset.
type Handler func(ctx context.Context, msg RawMessage) error

// fetcher is the slice of *kafka.Reader the consumer relies on; tests swap in
// an in-memory implementation.
type fetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads one topic within a consumer group and dispatches each
// message to a per-partition worker. Within a partition messages are handled
// strictly in arrival order; across partitions workers run concurrently,
// bounded by the shared semaphore.
type Consumer struct {
	reader     fetcher
	handler    Handler
	sem        *semaphore.Weighted
	queueDepth int
	logger     *slog.Logger
}

// NewConsumer creates a Consumer for the given topic and handler. The
// semaphore bounds in-flight handler calls across every consumer that shares
// it.
func NewConsumer(cfg config.KafkaConfig, topic string, handler Handler, sem *semaphore.Weighted) *Consumer {
	start := kafka.FirstOffset
	if cfg.StartOffset == "last" {
		start = kafka.LastOffset
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       topic,
		GroupID:     cfg.ConsumerGroup,
		MinBytes:    1e3,
		MaxBytes:    10e6,
		StartOffset: start,
	})
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 64
	}
	return &Consumer{
		reader:     r,
		handler:    handler,
		sem:        sem,
		queueDepth: depth,
		logger:     slog.Default().With("component", "kafka-consumer", "topic", topic),
	}
}

// Start enters the fetch loop, routing messages to partition workers until
// ctx is cancelled or a handler reports a failure. On shutdown it stops
// fetching, lets in-flight handlers finish (a started message is never
// cancelled mid-transaction), drops queued-but-unstarted messages
// uncommitted, and closes the reader.
//
// A handler error is fatal for the session. Committing a later offset would
// mark every earlier one consumed, so continuing past a failed message would
// silently drop it; instead the session ends with the offset uncommitted and
// the group rebalances, resuming from the last commit.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("consumer started")
	eg, ctx := errgroup.WithContext(ctx)
	workers := make(map[int]chan kafka.Message)

	eg.Go(func() error {
		defer func() {
			for _, ch := range workers {
				close(ch)
			}
		}()
		for {
			msg, err := c.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				c.logger.Error("failed to fetch message", "error", err)
				continue
			}
			ch, ok := workers[msg.Partition]
			if !ok {
				ch = make(chan kafka.Message, c.queueDepth)
				workers[msg.Partition] = ch
				partition := msg.Partition
				worker := ch
				eg.Go(func() error { return c.runPartition(ctx, partition, worker) })
			}
			select {
			case ch <- msg:
			case <-ctx.Done():
				return nil
			}
		}
	})

	err := eg.Wait()
	if cerr := c.reader.Close(); cerr != nil {
		c.logger.Error("failed to close reader", "error", cerr)
	}
	c.logger.Info("consumer stopped")
	return err
}

// runPartition handles one partition's messages sequentially, committing each
// offset only after the handler returns nil. A handler error ends the worker
// and, through the errgroup, the whole session, so no later offset can be
// committed over the failed one.
func (c *Consumer) runPartition(ctx context.Context, partition int, ch <-chan kafka.Message) error {
	logger := c.logger.With("partition", partition)
	logger.Debug("partition worker started")

	for msg := range ch {
		if ctx.Err() != nil {
			// Shutting down: leave the offset uncommitted so the broker
			// redelivers the message to the next session.
			continue
		}
		if err := c.sem.Acquire(ctx, 1); err != nil {
			continue
		}
		// Detach from the shutdown signal: an in-flight message runs its
		// transaction to completion before the consumer disconnects.
		procCtx := context.WithoutCancel(ctx)
		err := c.handler(procCtx, rawMessage(msg))
		c.sem.Release(1)
		if err != nil {
			logger.Error("failed to process message, ending session for redelivery",
				"offset", msg.Offset,
				"error", err,
			)
			return fmt.Errorf("processing %s/%d@%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
		}
		if err := c.reader.CommitMessages(procCtx, msg); err != nil {
			logger.Error("failed to commit message",
				"offset", msg.Offset,
				"error", err,
			)
		}
	}
	return nil
}

func rawMessage(msg kafka.Message) RawMessage {
	var headers map[string]string
	if len(msg.Headers) > 0 {
		headers = make(map[string]string, len(msg.Headers))
		for _, h := range msg.Headers {
			headers[h.Key] = string(h.Value)
		}
	}
	return RawMessage{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       msg.Key,
		Value:     msg.Value,
		Headers:   headers,
		Timestamp: msg.Time,
	}
}

// Group runs one Consumer per subscribed topic with a shared worker limit.
type Group struct {
	consumers []*Consumer
	logger    *slog.Logger
}

// NewGroup creates a consumer per non-empty configured topic, all sharing one
// in-flight semaphore sized by cfg.WorkerLimit.
func NewGroup(cfg config.KafkaConfig, handler Handler) *Group {
	limit := cfg.WorkerLimit
	if limit <= 0 {
		limit = 16
	}
	sem := semaphore.NewWeighted(int64(limit))

	var consumers []*Consumer
	for _, topic := range cfg.Topics.All() {
		if topic == "" {
			continue
		}
		consumers = append(consumers, NewConsumer(cfg, topic, handler, sem))
	}
	return &Group{
		consumers: consumers,
		logger:    slog.Default().With("component", "kafka-consumer-group", "group_id", cfg.ConsumerGroup),
	}
}

// Start runs all topic consumers until ctx is cancelled or one fails.
func (g *Group) Start(ctx context.Context) error {
	g.logger.Info("consumer group starting", "topics", len(g.consumers))
	eg, ctx := errgroup.WithContext(ctx)
	for _, c := range g.consumers {
		c := c
		eg.Go(func() error { return c.Start(ctx) })
	}
	return eg.Wait()
}
