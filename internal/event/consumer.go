package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/davidschrooten/elastic-scout/config"
	"github.com/davidschrooten/elastic-scout/internal/indexer"
	"github.com/davidschrooten/elastic-scout/internal/metrics"
)

// maxHandlerRetries is the number of attempts made for a change before the
// message is committed and skipped.
const maxHandlerRetries = 3

// Handler applies a decoded change.
type Handler func(ctx context.Context, change indexer.Change) error

// Reader is the subset of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer feeds change events from a Kafka topic into the indexer.
type Consumer struct {
	reader    Reader
	handler   Handler
	logger    *zap.Logger
	backoff   time.Duration
	closeOnce sync.Once
}

// NewConsumer creates a consumer group reader for cfg.Topic.
func NewConsumer(cfg config.KafkaConfig, handler Handler, logger *zap.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return NewConsumerWithReader(r, handler, logger.With(zap.String("topic", cfg.Topic)))
}

// NewConsumerWithReader creates a consumer on top of an existing reader.
func NewConsumerWithReader(r Reader, handler Handler, logger *zap.Logger) *Consumer {
	return &Consumer{
		reader:  r,
		handler: handler,
		logger:  logger,
		backoff: 100 * time.Millisecond,
	}
}

// DecodeChange parses a change event message value.
func DecodeChange(value []byte) (indexer.Change, error) {
	var change indexer.Change
	if err := json.Unmarshal(value, &change); err != nil {
		return change, fmt.Errorf("failed to decode change event: %w", err)
	}
	if change.Index == "" {
		return change, errors.New("change event has no index")
	}
	if change.Op == "" {
		change.Op = indexer.OpUpsert
	}
	return change, nil
}

// Start consumes messages until ctx is canceled. Messages are committed
// once handled; undecodable messages and changes that keep failing are
// committed and skipped.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("change consumer started")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("change consumer stopping")
				return c.Close()
			}
			c.logger.Error("failed to fetch message", zap.Error(err))
			if !c.sleep(ctx, c.backoff) {
				return c.Close()
			}
			continue
		}

		logger := c.logger.With(zap.Int("partition", msg.Partition), zap.Int64("offset", msg.Offset))

		change, err := DecodeChange(msg.Value)
		if err != nil {
			metrics.ChangeEvents.WithLabelValues("invalid", "error").Inc()
			logger.Error("skipping undecodable change event", zap.Error(err))
			c.commit(ctx, msg, logger)
			continue
		}

		if err := c.handle(ctx, change, logger); err != nil {
			if ctx.Err() != nil {
				return c.Close()
			}
			logger.Error("change failed after all retries, skipping",
				zap.String("index", change.Index),
				zap.String("op", change.Op),
				zap.Error(err))
		}
		c.commit(ctx, msg, logger)
	}
}

func (c *Consumer) handle(ctx context.Context, change indexer.Change, logger *zap.Logger) error {
	var lastErr error
	for attempt := 1; attempt <= maxHandlerRetries; attempt++ {
		lastErr = c.handler(ctx, change)
		metrics.ChangeEvents.WithLabelValues(change.Op, metrics.Status(lastErr)).Inc()
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, indexer.ErrUnknownIndex) || errors.Is(lastErr, indexer.ErrUnknownOp) {
			return lastErr
		}

		logger.Warn("change handler failed, will retry",
			zap.String("index", change.Index),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))

		if attempt < maxHandlerRetries && !c.sleep(ctx, time.Duration(attempt)*c.backoff) {
			return ctx.Err()
		}
	}
	return lastErr
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message, logger *zap.Logger) {
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		logger.Error("failed to commit message", zap.Error(err))
	}
}

func (c *Consumer) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// Close closes the reader. It is safe to call multiple times.
func (c *Consumer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.reader.Close()
	})
	return err
}
