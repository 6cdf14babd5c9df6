// Command order-events follows the order event stream and its dead letter
// topic and logs what it sees.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/IBM/sarama"
	"github.com/jogardn/orderboard/internal/config"
	"github.com/jogardn/orderboard/internal/events"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg := config.Load()
	if cfg.KafkaBrokers == "" {
		logger.Fatal("KAFKA_BROKERS is required")
	}
	brokers := strings.Split(cfg.KafkaBrokers, ",")

	consumer, err := events.NewKafkaConsumer(brokers, cfg.EventsGroup, cfg.EventsTopic, logHandler(logger), logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create event consumer")
	}
	defer consumer.Close()

	dlqConfig := sarama.NewConfig()
	dlqConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	dlqConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	dlqConfig.Version = sarama.V2_6_0_0

	dlqTopic := events.DeadLetterTopic(cfg.EventsTopic)
	dlqGroup, err := sarama.NewConsumerGroup(brokers, cfg.EventsGroup+"-dlq", dlqConfig)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create DLQ consumer")
	}
	defer dlqGroup.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return consumer.Start(gctx)
	})
	g.Go(func() error {
		handler := &dlqHandler{logger: logger}
		for {
			if err := dlqGroup.Consume(gctx, []string{dlqTopic}, handler); err != nil {
				return fmt.Errorf("consume %s: %w", dlqTopic, err)
			}
			if gctx.Err() != nil {
				return nil
			}
		}
	})

	logger.WithFields(logrus.Fields{
		"topic":     cfg.EventsTopic,
		"dlq_topic": dlqTopic,
		"group":     cfg.EventsGroup,
	}).Info("Order event monitor started")

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("Order event monitor stopped with error")
	}
	logger.WithField("stats", consumer.Stats()).Info("Shutting down order event monitor...")
}

// logHandler records every order event. Events without a tenant are
// malformed and go straight to the dead letter topic.
func logHandler(logger *logrus.Logger) events.OrderEventHandler {
	return events.OrderEventHandlerFunc(func(ctx context.Context, ev events.OrderEvent) error {
		if ev.TenantID == "" {
			return fmt.Errorf("%w: event for order %s has no tenant", events.ErrPermanent, ev.OrderID)
		}
		logger.WithFields(logrus.Fields{
			"event_type":   ev.Type,
			"tenant_id":    ev.TenantID,
			"order_id":     ev.OrderID,
			"order_number": ev.OrderNumber,
			"status":       ev.Status,
			"items":        ev.ItemsCount,
			"total":        ev.Total.StringFixed(2),
		}).Info("Order event")
		return nil
	})
}

type dlqHandler struct {
	logger *logrus.Logger
}

func (h *dlqHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *dlqHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *dlqHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		fields := logrus.Fields{
			"topic":     message.Topic,
			"partition": message.Partition,
			"offset":    message.Offset,
			"key":       string(message.Key),
		}
		for _, header := range message.Headers {
			fields[string(header.Key)] = string(header.Value)
		}
		h.logger.WithFields(fields).Warn("DLQ message detected")
		session.MarkMessage(message, "")
	}
	return nil
}
