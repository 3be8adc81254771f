package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/ashureev/supportdesk/internal/chat"
)

const (
	consumeRetryDelay = 2 * time.Second

	messageRetryDelay    = 500 * time.Millisecond
	maxMessageRetryDelay = 30 * time.Second
)

// NewSaramaConfig returns the consumer group settings for order events.
func NewSaramaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_8_0_0
	cfg.ClientID = "supportdesk"
	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	return cfg
}

// Consumer feeds order events from a Kafka topic into the trigger.
type Consumer struct {
	group      sarama.ConsumerGroup
	topics     []string
	trig       *Trigger
	retryDelay time.Duration
}

// NewConsumer joins the consumer group.
func NewConsumer(brokers []string, groupID, topic string, trig *Trigger) (*Consumer, error) {
	group, err := sarama.NewConsumerGroup(brokers, groupID, NewSaramaConfig())
	if err != nil {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}
	return &Consumer{group: group, topics: []string{topic}, trig: trig, retryDelay: messageRetryDelay}, nil
}

// Setup is run at the beginning of a new session, before ConsumeClaim.
func (c *Consumer) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

// Cleanup is run at the end of a session, once all ConsumeClaim goroutines have exited.
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim processes one partition in order. Offsets commit
// cumulatively, so a message that fails is retried in place and nothing
// after it is marked until it succeeds.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if !c.handle(ctx, msg) {
				// Left unmarked; redelivered to the next claim owner.
				return nil
			}
			session.MarkMessage(msg, "")
		case <-ctx.Done():
			return nil
		}
	}
}

// handle retries msg with backoff until it is done with. Returns false if
// ctx ends first.
func (c *Consumer) handle(ctx context.Context, msg *sarama.ConsumerMessage) bool {
	delay := c.retryDelay
	if delay <= 0 {
		delay = messageRetryDelay
	}
	for attempt := 1; ; attempt++ {
		if c.process(ctx, msg) {
			return true
		}
		slog.Warn("Retrying order event",
			"partition", msg.Partition, "offset", msg.Offset, "attempt", attempt, "delay", delay)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
		delay = min(delay*2, maxMessageRetryDelay)
	}
}

// process reports whether the message is done with.
func (c *Consumer) process(ctx context.Context, msg *sarama.ConsumerMessage) bool {
	var o Order
	if err := json.Unmarshal(msg.Value, &o); err != nil {
		slog.Warn("Dropping malformed order event",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)
		return true
	}

	res, err := c.trig.Handle(ctx, o)
	switch {
	case err == nil:
		slog.Debug("Order event handled", "order_id", o.OrderID, "session_id", res.SessionID, "created", res.Created)
		return true
	case errors.Is(err, ErrNotQualifying), errors.Is(err, chat.ErrInvalidInput):
		slog.Debug("Skipping order event", "order_id", o.OrderID, "status", o.Status, "reason", err)
		return true
	case errors.Is(err, ErrInProgress):
		// Another delivery holds the claim and may still release it.
		slog.Info("Order event in progress elsewhere", "order_id", o.OrderID, "offset", msg.Offset)
		return false
	default:
		slog.Error("Failed to handle order event",
			"order_id", o.OrderID, "partition", msg.Partition, "offset", msg.Offset, "error", err)
		return false
	}
}

// Start consumes until ctx is cancelled or the group is closed.
func (c *Consumer) Start(ctx context.Context) error {
	go func() {
		for err := range c.group.Errors() {
			slog.Warn("Kafka consumer error", "error", err)
		}
	}()

	slog.Info("Order event consumer started", "topics", c.topics)
	for {
		if err := c.group.Consume(ctx, c.topics, c); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			slog.Error("Kafka consume failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(consumeRetryDelay):
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Close leaves the consumer group.
func (c *Consumer) Close() error {
	return c.group.Close()
}
