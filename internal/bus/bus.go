// Package bus wraps the Kafka producer and consumer used to broker
// inference requests and their per-chunk responses.
//
// Delivery is at-least-once: the producer requires a single broker ack and
// the consumers auto-commit offsets on an interval, so both duplicates and
// redeliveries are possible. Messages are keyed by request id, which keeps
// all frames of one request on one partition and therefore in order.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	publishTimeout = 5 * time.Second
	commitInterval = time.Second
)

// Producer publishes JSON payloads to any topic of the bus.
// It is safe for concurrent use and should be long-lived.
type Producer struct {
	w   *kafka.Writer
	log *slog.Logger
}

// NewProducer creates a Producer for the given brokers.
// The topic is chosen per message so one producer serves both the request
// and the response topic.
func NewProducer(brokers []string, log *slog.Logger) *Producer {
	if log == nil {
		log = slog.Default()
	}
	return &Producer{
		w: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{}, // per-key partition affinity
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
			BatchTimeout:           10 * time.Millisecond,
		},
		log: log,
	}
}

// Publish marshals payload as JSON and writes it to topic keyed by key.
// The key determines the partition, preserving order for a single request id.
func (p *Producer) Publish(ctx context.Context, topic, key string, payload any) error {
	value, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("bus: marshal payload for %s: %w", topic, err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = p.w.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("bus: publish to %s: %w", topic, err)
	}

	p.log.Debug("bus_publish",
		slog.String("topic", topic),
		slog.String("key", key),
		slog.Int("bytes", len(value)),
	)
	return nil
}

// Close flushes pending batches and releases the writer.
func (p *Producer) Close() error {
	return p.w.Close()
}

// Handler processes one raw message value. Errors are the handler's own
// business — the consumer commits regardless, matching at-least-once
// auto-commit semantics.
type Handler func(ctx context.Context, value []byte)

// Consumer reads one topic within a consumer group and hands every message
// to a Handler. It owns a kafka.Reader and must be closed after Run returns.
type Consumer struct {
	r   *kafka.Reader
	log *slog.Logger
}

// NewConsumer creates a Consumer for topic in the given consumer group.
func NewConsumer(brokers []string, topic, groupID string, log *slog.Logger) *Consumer {
	if log == nil {
		log = slog.Default()
	}
	return &Consumer{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:        brokers,
			Topic:          topic,
			GroupID:        groupID,
			MinBytes:       1,
			MaxBytes:       1 << 20, // 1MB max
			MaxWait:        250 * time.Millisecond,
			StartOffset:    kafka.FirstOffset,
			CommitInterval: commitInterval, // auto-commit
		}),
		log: log,
	}
}

// Run consumes messages until ctx is cancelled, invoking handle for each.
// Transient read errors are logged and retried; the only way out is
// context cancellation, which returns nil.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	for {
		msg, err := c.r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error("bus_read_error",
				slog.String("topic", c.r.Config().Topic),
				slog.String("error", err.Error()),
			)
			// Back off briefly so a dead broker doesn't spin the loop.
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		c.log.Debug("bus_consume",
			slog.String("topic", msg.Topic),
			slog.Int("partition", msg.Partition),
			slog.Int64("offset", msg.Offset),
		)
		handle(ctx, msg.Value)
	}
}

// Close releases the reader and its group membership.
func (c *Consumer) Close() error {
	return c.r.Close()
}

// Health reports whether the first reachable broker answers a metadata
// request. Used by GET /health.
func Health(ctx context.Context, brokers []string) error {
	if len(brokers) == 0 {
		return fmt.Errorf("bus: no brokers configured")
	}

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var lastErr error
	for _, addr := range brokers {
		conn, err := kafka.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		_, err = conn.Brokers()
		_ = conn.Close()
		if err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("bus: no broker reachable: %w", lastErr)
}
