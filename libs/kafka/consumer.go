package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
)

type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error
}

type Consumer struct {
	group        sarama.ConsumerGroup
	logger       *slog.Logger
	dlqPublisher Publisher
	dlqTopic     string
	maxAttempts  int
	retryBackoff time.Duration
}

func NewConsumer(brokers []string, groupID string, logger *slog.Logger) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if groupID == "" {
		return nil, fmt.Errorf("kafka consumer group required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_6_0_0
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Group.Session.Timeout = 30 * time.Second
	cfg.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}

	return &Consumer{
		group:        group,
		logger:       logger,
		maxAttempts:  3,
		retryBackoff: 500 * time.Millisecond,
	}, nil
}

// WithDLQ routes messages that fail permanently to topic. An empty topic
// disables dead-lettering.
func (c *Consumer) WithDLQ(publisher Publisher, topic string) *Consumer {
	c.dlqPublisher = publisher
	c.dlqTopic = topic
	return c
}

// WithRetry sets how often a transiently failing message is handled before it
// is dead-lettered, and the base delay between attempts.
func (c *Consumer) WithRetry(maxAttempts int, backoff time.Duration) *Consumer {
	if maxAttempts > 0 {
		c.maxAttempts = maxAttempts
	}
	if backoff > 0 {
		c.retryBackoff = backoff
	}
	return c
}

func (c *Consumer) Consume(ctx context.Context, topics []string, handler MessageHandler) error {
	if handler == nil {
		return fmt.Errorf("message handler required")
	}

	cgHandler := &consumerGroupHandler{
		handler:      handler,
		logger:       c.logger,
		dlqPublisher: c.dlqPublisher,
		dlqTopic:     c.dlqTopic,
		maxAttempts:  c.maxAttempts,
		retryBackoff: c.retryBackoff,
	}

	go func() {
		for err := range c.group.Errors() {
			c.logger.Error("kafka consumer group error", "error", err)
		}
	}()

	for {
		if err := c.group.Consume(ctx, topics, cgHandler); err != nil {
			c.logger.Error("kafka consume error", "error", err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			time.Sleep(2 * time.Second)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Consumer) Close() error {
	if c.group == nil {
		return nil
	}
	return c.group.Close()
}

type consumerGroupHandler struct {
	handler      MessageHandler
	logger       *slog.Logger
	dlqPublisher Publisher
	dlqTopic     string
	maxAttempts  int
	retryBackoff time.Duration
}

func (h *consumerGroupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim handles messages in offset order and marks each one only after
// it was handled or dead-lettered. A message that can be neither stops the
// claim unmarked; the next session resumes from it.
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		if err := h.process(session.Context(), msg); err != nil {
			h.logger.Error("kafka message left unmarked",
				"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)
			return err
		}
		session.MarkMessage(msg, "")
	}
	return nil
}

func (h *consumerGroupHandler) process(ctx context.Context, msg *sarama.ConsumerMessage) error {
	maxAttempts := h.maxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = h.handler.HandleMessage(ctx, msg)
		if err == nil {
			return nil
		}
		var dlqErr *DLQError
		if errors.As(err, &dlqErr) {
			return h.deadLetter(ctx, msg, dlqErr, attempt)
		}
		h.logger.Warn("kafka message handler error",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset,
			"attempt", attempt, "error", err)
		if attempt == maxAttempts {
			break
		}
		if waitErr := sleepCtx(ctx, h.retryBackoff*time.Duration(attempt)); waitErr != nil {
			return waitErr
		}
	}
	return h.deadLetter(ctx, msg, &DLQError{Err: err, Reason: ReasonMaxAttempts}, maxAttempts)
}

// deadLetter publishes msg to the DLQ topic. Without a DLQ, permanently invalid
// messages are dropped with a warning, while exhausted retries return an error
// so the message stays unmarked.
func (h *consumerGroupHandler) deadLetter(ctx context.Context, msg *sarama.ConsumerMessage, dlqErr *DLQError, attempts int) error {
	if h.dlqPublisher == nil || h.dlqTopic == "" {
		if dlqErr.Reason == ReasonMaxAttempts {
			return fmt.Errorf("no dead letter topic for exhausted message: %w", dlqErr)
		}
		h.logger.Warn("dropping kafka message without dlq",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", dlqErr)
		return nil
	}
	dl := consumeDeadLetter(msg, dlqErr, attempts)
	if _, _, err := h.dlqPublisher.PublishJSON(ctx, h.dlqTopic, string(msg.Key), dl); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	h.logger.Warn("kafka message dead-lettered",
		"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset,
		"event_id", dl.EventID, "reason", dl.Reason, "attempts", attempts)
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
