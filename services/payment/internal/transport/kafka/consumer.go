package kafka

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/IBM/sarama"
	"github.com/sakashimaa/marketplace-payments/pkg/db"
	generalDomain "github.com/sakashimaa/marketplace-payments/pkg/domain"
	"github.com/sakashimaa/marketplace-payments/pkg/kafka"
	"github.com/sakashimaa/marketplace-payments/pkg/mylogger"
	outboxDomain "github.com/sakashimaa/marketplace-payments/pkg/outbox/domain"
	outboxUtils "github.com/sakashimaa/marketplace-payments/pkg/outbox/utils"
	"github.com/sakashimaa/marketplace-payments/services/payment/internal/domain"
	"github.com/sakashimaa/marketplace-payments/services/payment/internal/repository"
	"go.uber.org/zap"
)

const consumerName = "payment-service"

// EscrowSettler is the part of the escrow ledger driven by order events.
type EscrowSettler interface {
	ReleaseForOrder(ctx context.Context, orderID int64, reason string) (*domain.EscrowTransaction, error)
	RefundForOrder(ctx context.Context, orderID int64, reason string) (*domain.EscrowTransaction, error)
}

type dedupFunc func(ctx context.Context, eventID int64, action func(ctx context.Context) error) error

type Consumer struct {
	escrow EscrowSettler
	dedup  dedupFunc
	logger *zap.Logger
}

func NewConsumer(escrow EscrowSettler, transactor db.Transactor, logger *zap.Logger) *Consumer {
	return &Consumer{
		escrow: escrow,
		dedup: func(ctx context.Context, eventID int64, action func(ctx context.Context) error) error {
			return outboxUtils.ProcessWithDeduplication(ctx, transactor, logger, consumerName, eventID, action)
		},
		logger: logger,
	}
}

func (c *Consumer) Start(ctx context.Context, brokers []string, groupID, topic string) error {
	consumerGroup := kafka.NewConsumerGroup(
		brokers,
		groupID,
		[]string{topic},
		c.processMessage,
		c.logger,
	)

	return consumerGroup.Run(ctx)
}

func (c *Consumer) processMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	mylogger.Info(
		ctx,
		c.logger,
		"Processing message",
		zap.String("topic", msg.Topic),
		zap.Int64("offset", msg.Offset),
	)

	var envelope outboxDomain.Envelope
	if err := json.Unmarshal(msg.Value, &envelope); err != nil {
		// Poison message: acknowledge so the partition keeps moving.
		mylogger.Error(ctx, c.logger, "Error unmarshalling envelope", zap.Error(err))
		return nil
	}

	var action func(ctx context.Context) error

	switch envelope.Event {
	case generalDomain.EventOrderDelivered:
		var event generalDomain.OrderDeliveredEvent
		if err := json.Unmarshal(envelope.Payload, &event); err != nil {
			mylogger.Warn(ctx, c.logger, "Error unmarshalling OrderDelivered", zap.Error(err))
			return nil
		}

		action = func(ctx context.Context) error {
			_, err := c.escrow.ReleaseForOrder(ctx, event.OrderID, domain.ReasonDeliveryConfirmed)
			return c.settled(ctx, envelope.Event, event.OrderID, err)
		}
	case generalDomain.EventOrderDisputed:
		var event generalDomain.OrderDisputedEvent
		if err := json.Unmarshal(envelope.Payload, &event); err != nil {
			mylogger.Warn(ctx, c.logger, "Error unmarshalling OrderDisputed", zap.Error(err))
			return nil
		}

		action = func(ctx context.Context) error {
			_, err := c.escrow.RefundForOrder(ctx, event.OrderID, domain.ReasonBuyerDispute)
			return c.settled(ctx, envelope.Event, event.OrderID, err)
		}
	default:
		mylogger.Debug(ctx, c.logger, "Ignored event type", zap.String("event_type", envelope.Event))
		return nil
	}

	if envelope.EventID == 0 {
		return action(ctx)
	}

	return c.dedup(ctx, envelope.EventID, action)
}

// settled drops outcomes that a redelivery could never change.
func (c *Consumer) settled(ctx context.Context, eventType string, orderID int64, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrEscrowNotFound), errors.Is(err, domain.ErrEscrowNotHeld):
		mylogger.Info(ctx, c.logger, "No held escrow for order, skipping",
			zap.String("event_type", eventType),
			zap.Int64("order_id", orderID),
		)
		return nil
	default:
		return err
	}
}
