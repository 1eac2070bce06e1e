package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

const (
	MaxRetries        = 3
	InitialRetryDelay = 1 * time.Second
	MaxRetryDelay     = 30 * time.Second
)

// OrderEventHandler processes order lifecycle events. IsRetryable lets the
// consumer distinguish transient failures (worth a backoff retry) from
// poison messages that go straight to the DLQ.
type OrderEventHandler interface {
	HandleOrderCreated(event OrderCreatedEvent) error
	HandleStatusChanged(event OrderStatusChangedEvent) error
	IsRetryable(err error) bool
}

// ConsumerMetrics counters are updated atomically: the group runs one
// ConsumeClaim per claimed partition, so increments arrive from several
// goroutines at once.
type ConsumerMetrics struct {
	Processed int64
	Retries   int64
	DLQ       int64
	Succeeded int64
	Failed    int64
}

// Consumer reads both order topics in one consumer group, retries transient
// failures with capped exponential backoff, and parks exhausted or poison
// messages on the DLQ topic with failure metadata in the headers.
type Consumer struct {
	group    sarama.ConsumerGroup
	producer sarama.SyncProducer
	handler  OrderEventHandler
	logger   *logrus.Logger
	topics   []string
	metrics  *ConsumerMetrics
}

func NewConsumer(brokers, groupID string, handler OrderEventHandler, logger *logrus.Logger) (*Consumer, error) {
	consumerConfig := sarama.NewConfig()
	consumerConfig.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	consumerConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	consumerConfig.Version = sarama.V2_6_0_0

	group, err := sarama.NewConsumerGroup(strings.Split(brokers, ","), groupID, consumerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	producerConfig := sarama.NewConfig()
	producerConfig.Producer.RequiredAcks = sarama.WaitForAll
	producerConfig.Producer.Retry.Max = 5
	producerConfig.Producer.Return.Successes = true
	producerConfig.Version = sarama.V2_6_0_0

	producer, err := sarama.NewSyncProducer(strings.Split(brokers, ","), producerConfig)
	if err != nil {
		group.Close()
		return nil, fmt.Errorf("failed to create producer for DLQ: %w", err)
	}

	return &Consumer{
		group:    group,
		producer: producer,
		handler:  handler,
		logger:   logger,
		topics:   []string{OrderCreatedTopic, OrderStatusChangedTopic},
		metrics:  &ConsumerMetrics{},
	}, nil
}

func (c *Consumer) Start(ctx context.Context) error {
	handler := &groupHandler{
		handler:  c.handler,
		producer: c.producer,
		logger:   c.logger,
		metrics:  c.metrics,
	}

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Kafka consumer context cancelled")
			return nil
		default:
			if err := c.group.Consume(ctx, c.topics, handler); err != nil {
				c.logger.WithError(err).Error("Error consuming from Kafka")
				return err
			}
		}
	}
}

func (c *Consumer) Metrics() ConsumerMetrics {
	return c.metrics.snapshot()
}

func (m *ConsumerMetrics) snapshot() ConsumerMetrics {
	return ConsumerMetrics{
		Processed: atomic.LoadInt64(&m.Processed),
		Retries:   atomic.LoadInt64(&m.Retries),
		DLQ:       atomic.LoadInt64(&m.DLQ),
		Succeeded: atomic.LoadInt64(&m.Succeeded),
		Failed:    atomic.LoadInt64(&m.Failed),
	}
}

func (c *Consumer) Close() error {
	if err := c.producer.Close(); err != nil {
		c.logger.WithError(err).Error("Failed to close DLQ producer")
	}
	return c.group.Close()
}

type groupHandler struct {
	handler  OrderEventHandler
	producer sarama.SyncProducer
	logger   *logrus.Logger
	metrics  *ConsumerMetrics
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.logger.Info("Kafka consumer group session setup")
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.logger.Info("Kafka consumer group session cleanup")
	return nil
}

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message := <-claim.Messages():
			if message == nil {
				return nil
			}

			atomic.AddInt64(&h.metrics.Processed, 1)
			if err := h.handleWithRetry(message); err != nil {
				atomic.AddInt64(&h.metrics.Failed, 1)
				if dlqErr := h.sendToDLQ(message, err); dlqErr != nil {
					h.logger.WithError(dlqErr).Error("Failed to park message on DLQ")
				} else {
					atomic.AddInt64(&h.metrics.DLQ, 1)
				}
			} else {
				atomic.AddInt64(&h.metrics.Succeeded, 1)
			}
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

func (h *groupHandler) handleWithRetry(message *sarama.ConsumerMessage) error {
	dispatch, err := h.dispatcher(message)
	if err != nil {
		// Undecodable payloads cannot succeed on retry.
		return err
	}

	delay := InitialRetryDelay
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if attempt > 0 {
			h.logger.WithFields(logrus.Fields{
				"topic":   message.Topic,
				"key":     string(message.Key),
				"attempt": attempt,
				"delay":   delay,
			}).Info("Retrying event processing")
			time.Sleep(delay)
			atomic.AddInt64(&h.metrics.Retries, 1)

			delay *= 2
			if delay > MaxRetryDelay {
				delay = MaxRetryDelay
			}
		}

		err = dispatch()
		if err == nil {
			return nil
		}
		if !h.handler.IsRetryable(err) {
			h.logger.WithError(err).Error("Non-retryable error processing event")
			return err
		}
		h.logger.WithError(err).WithField("attempt", attempt+1).Warn("Retryable error processing event")
	}

	return fmt.Errorf("exhausted retries for %s key %s: %w", message.Topic, string(message.Key), err)
}

func (h *groupHandler) dispatcher(message *sarama.ConsumerMessage) (func() error, error) {
	switch message.Topic {
	case OrderCreatedTopic:
		var event OrderCreatedEvent
		if err := json.Unmarshal(message.Value, &event); err != nil {
			return nil, fmt.Errorf("failed to unmarshal order created event: %w", err)
		}
		return func() error { return h.handler.HandleOrderCreated(event) }, nil
	case OrderStatusChangedTopic:
		var event OrderStatusChangedEvent
		if err := json.Unmarshal(message.Value, &event); err != nil {
			return nil, fmt.Errorf("failed to unmarshal status changed event: %w", err)
		}
		return func() error { return h.handler.HandleStatusChanged(event) }, nil
	default:
		return nil, fmt.Errorf("unexpected topic %s", message.Topic)
	}
}

func (h *groupHandler) sendToDLQ(message *sarama.ConsumerMessage, cause error) error {
	headers := []sarama.RecordHeader{
		{Key: []byte("original_topic"), Value: []byte(message.Topic)},
		{Key: []byte("error_message"), Value: []byte(cause.Error())},
		{Key: []byte("failure_time"), Value: []byte(time.Now().Format(time.RFC3339))},
		{Key: []byte("retry_count"), Value: []byte(strconv.Itoa(MaxRetries))},
	}

	msg := &sarama.ProducerMessage{
		Topic:   OrderEventsDLQTopic,
		Key:     sarama.ByteEncoder(message.Key),
		Value:   sarama.ByteEncoder(message.Value),
		Headers: headers,
	}

	partition, offset, err := h.producer.SendMessage(msg)
	if err != nil {
		return err
	}

	h.logger.WithFields(logrus.Fields{
		"dlq_topic":      OrderEventsDLQTopic,
		"original_topic": message.Topic,
		"partition":      partition,
		"offset":         offset,
		"key":            string(message.Key),
	}).Warn("Message parked on DLQ")

	return nil
}
