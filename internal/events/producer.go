// Package events ships order domain events through Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/jogardn/orderboard/internal/circuitbreaker"
	"github.com/jogardn/orderboard/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const DefaultTopic = "order.events"

// OrderEvent is the record written for every order creation or status
// change. It carries enough to act on without calling the order service.
type OrderEvent struct {
	EventID     string             `json:"event_id"`
	Type        string             `json:"type"`
	TenantID    string             `json:"tenant_id"`
	OrderID     string             `json:"order_id"`
	OrderNumber string             `json:"order_number"`
	BusinessDay string             `json:"business_day"`
	Status      models.OrderStatus `json:"status"`
	OrderType   models.OrderType   `json:"order_type"`
	Total       decimal.Decimal    `json:"total"`
	IsPaid      bool               `json:"is_paid"`
	ItemsCount  int                `json:"items_count"`
	UpdatedAt   time.Time          `json:"updated_at"`
	EventTime   time.Time          `json:"event_time"`
}

func NewOrderEvent(eventType string, order *models.Order) OrderEvent {
	count := 0
	for _, item := range order.Items {
		count += item.Quantity
	}
	return OrderEvent{
		EventID:     uuid.NewString(),
		Type:        eventType,
		TenantID:    order.TenantID,
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		BusinessDay: order.BusinessDay,
		Status:      order.Status,
		OrderType:   order.Type,
		Total:       order.Total,
		IsPaid:      order.IsPaid,
		ItemsCount:  count,
		UpdatedAt:   order.UpdatedAt,
		EventTime:   time.Now().UTC(),
	}
}

func newSaramaConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Version = sarama.V2_6_0_0
	return config
}

type KafkaProducer struct {
	producer sarama.SyncProducer
	topic    string
	breaker  *circuitbreaker.CircuitBreaker
	logger   *logrus.Logger
}

func NewKafkaProducer(brokers []string, topic string, breaker *circuitbreaker.CircuitBreaker, logger *logrus.Logger) (*KafkaProducer, error) {
	producer, err := sarama.NewSyncProducer(brokers, newSaramaConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return newKafkaProducer(producer, topic, breaker, logger), nil
}

func newKafkaProducer(producer sarama.SyncProducer, topic string, breaker *circuitbreaker.CircuitBreaker, logger *logrus.Logger) *KafkaProducer {
	if topic == "" {
		topic = DefaultTopic
	}
	return &KafkaProducer{
		producer: producer,
		topic:    topic,
		breaker:  breaker,
		logger:   logger,
	}
}

// PublishOrderEvent writes one event keyed by order id, so every event of an
// order lands on the same partition in order.
func (p *KafkaProducer) PublishOrderEvent(ctx context.Context, eventType string, order *models.Order) error {
	event := NewOrderEvent(eventType, order)
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal order event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.OrderID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(eventType)},
			{Key: []byte("tenant_id"), Value: []byte(event.TenantID)},
		},
	}

	send := func(context.Context) error {
		partition, offset, err := p.producer.SendMessage(msg)
		if err != nil {
			return err
		}
		p.logger.WithFields(logrus.Fields{
			"topic":      p.topic,
			"partition":  partition,
			"offset":     offset,
			"order_id":   event.OrderID,
			"event_type": eventType,
		}).Info("Event published to Kafka")
		return nil
	}

	if p.breaker != nil {
		err = p.breaker.Execute(ctx, send)
	} else {
		err = send(ctx)
	}
	if err != nil {
		return fmt.Errorf("publish %s for order %s: %w", eventType, event.OrderID, err)
	}
	return nil
}

func (p *KafkaProducer) Close() error {
	return p.producer.Close()
}
