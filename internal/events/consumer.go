package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

const (
	MaxRetries        = 3
	InitialRetryDelay = time.Second
	MaxRetryDelay     = 30 * time.Second
)

// ErrPermanent marks a handler error that retrying cannot fix.
var ErrPermanent = errors.New("permanent event failure")

type OrderEventHandler interface {
	HandleOrderEvent(ctx context.Context, event OrderEvent) error
}

type OrderEventHandlerFunc func(ctx context.Context, event OrderEvent) error

func (f OrderEventHandlerFunc) HandleOrderEvent(ctx context.Context, event OrderEvent) error {
	return f(ctx, event)
}

// DeadLetterTopic is where events that keep failing end up.
func DeadLetterTopic(topic string) string {
	return topic + ".dlq"
}

type KafkaConsumer struct {
	consumerGroup sarama.ConsumerGroup
	dlq           sarama.SyncProducer
	handler       *consumerGroupHandler
	topics        []string
	logger        *logrus.Logger
}

func NewKafkaConsumer(brokers []string, groupID, topic string, handler OrderEventHandler, logger *logrus.Logger) (*KafkaConsumer, error) {
	config := newSaramaConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest

	consumerGroup, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}
	dlq, err := sarama.NewSyncProducer(brokers, newSaramaConfig())
	if err != nil {
		consumerGroup.Close()
		return nil, fmt.Errorf("failed to create producer for DLQ: %w", err)
	}

	if topic == "" {
		topic = DefaultTopic
	}
	return &KafkaConsumer{
		consumerGroup: consumerGroup,
		dlq:           dlq,
		handler:       newConsumerGroupHandler(handler, dlq, logger),
		topics:        []string{topic},
		logger:        logger,
	}, nil
}

// Start consumes until ctx is cancelled. Consume returns on every rebalance,
// so it is called in a loop.
func (c *KafkaConsumer) Start(ctx context.Context) error {
	for {
		if err := c.consumerGroup.Consume(ctx, c.topics, c.handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.logger.WithError(err).Error("Error consuming from Kafka")
			return err
		}
		if ctx.Err() != nil {
			c.logger.Info("Kafka consumer context cancelled")
			return nil
		}
	}
}

func (c *KafkaConsumer) Stats() ConsumerStats {
	return c.handler.stats()
}

func (c *KafkaConsumer) Close() error {
	if err := c.dlq.Close(); err != nil {
		c.logger.WithError(err).Error("Failed to close DLQ producer")
	}
	return c.consumerGroup.Close()
}

type ConsumerStats struct {
	Processed    int64 `json:"processed"`
	Succeeded    int64 `json:"succeeded"`
	Retried      int64 `json:"retried"`
	DeadLettered int64 `json:"dead_lettered"`
}

type consumerGroupHandler struct {
	handler    OrderEventHandler
	dlq        sarama.SyncProducer
	retryDelay time.Duration
	logger     *logrus.Logger

	processed, succeeded, retried, deadLettered atomic.Int64
}

func newConsumerGroupHandler(handler OrderEventHandler, dlq sarama.SyncProducer, logger *logrus.Logger) *consumerGroupHandler {
	return &consumerGroupHandler{
		handler:    handler,
		dlq:        dlq,
		retryDelay: InitialRetryDelay,
		logger:     logger,
	}
}

func (h *consumerGroupHandler) stats() ConsumerStats {
	return ConsumerStats{
		Processed:    h.processed.Load(),
		Succeeded:    h.succeeded.Load(),
		Retried:      h.retried.Load(),
		DeadLettered: h.deadLettered.Load(),
	}
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.logger.Info("Kafka consumer group session setup")
	return nil
}

func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.logger.Info("Kafka consumer group session cleanup")
	return nil
}

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.process(session.Context(), message); err != nil {
				// Not marked: the message is redelivered after a restart.
				h.logger.WithError(err).Error("Failed to process or dead-letter message")
				continue
			}
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

// process handles one message. It returns an error only when the message
// could neither be handled nor dead-lettered.
func (h *consumerGroupHandler) process(ctx context.Context, message *sarama.ConsumerMessage) error {
	h.processed.Add(1)

	var event OrderEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return h.deadLetter(message, fmt.Errorf("%w: decode: %v", ErrPermanent, err))
	}

	log := h.logger.WithFields(logrus.Fields{
		"topic":      message.Topic,
		"partition":  message.Partition,
		"offset":     message.Offset,
		"order_id":   event.OrderID,
		"event_type": event.Type,
	})

	delay := h.retryDelay
	var err error
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if attempt > 0 {
			h.retried.Add(1)
			log.WithFields(logrus.Fields{"attempt": attempt, "delay": delay}).Info("Retrying order event")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
			if delay > MaxRetryDelay {
				delay = MaxRetryDelay
			}
		}

		if err = h.handler.HandleOrderEvent(ctx, event); err == nil {
			h.succeeded.Add(1)
			log.Debug("Order event handled")
			return nil
		}
		if errors.Is(err, ErrPermanent) {
			break
		}
		log.WithError(err).Warn("Retryable error handling order event")
	}

	return h.deadLetter(message, err)
}

func (h *consumerGroupHandler) deadLetter(message *sarama.ConsumerMessage, cause error) error {
	topic := DeadLetterTopic(message.Topic)
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.ByteEncoder(message.Key),
		Value: sarama.ByteEncoder(message.Value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("original_topic"), Value: []byte(message.Topic)},
			{Key: []byte("original_partition"), Value: []byte(strconv.Itoa(int(message.Partition)))},
			{Key: []byte("original_offset"), Value: []byte(strconv.FormatInt(message.Offset, 10))},
			{Key: []byte("error"), Value: []byte(cause.Error())},
			{Key: []byte("failure_time"), Value: []byte(time.Now().UTC().Format(time.RFC3339))},
		},
	}

	partition, offset, err := h.dlq.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to send to DLQ: %w", err)
	}
	h.deadLettered.Add(1)

	h.logger.WithFields(logrus.Fields{
		"dlq_topic":     topic,
		"dlq_partition": partition,
		"dlq_offset":    offset,
		"original_key":  string(message.Key),
		"error":         cause.Error(),
	}).Warn("Message sent to dead letter queue")
	return nil
}
