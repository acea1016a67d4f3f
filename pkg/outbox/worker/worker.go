package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sakashimaa/marketplace-payments/pkg/db"
	"github.com/sakashimaa/marketplace-payments/pkg/mylogger"
	"github.com/sakashimaa/marketplace-payments/pkg/outbox/domain"
	"github.com/sakashimaa/marketplace-payments/pkg/outbox/repository"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type KafkaProducer interface {
	ProduceMessage(ctx context.Context, topic string, message interface{}) error
}

type Options struct {
	BatchSize int
	Interval  time.Duration
}

type OutboxProcessor struct {
	transactor    db.Transactor
	repo          repository.OutboxRepository
	kafkaProducer KafkaProducer
	logger        *zap.Logger
	batchSize     int
	interval      time.Duration
	tracer        trace.Tracer
}

func NewOutboxProcessor(
	transactor db.Transactor,
	repo repository.OutboxRepository,
	producer KafkaProducer,
	logger *zap.Logger,
	opts Options,
) *OutboxProcessor {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.Interval <= 0 {
		opts.Interval = 500 * time.Millisecond
	}

	return &OutboxProcessor{
		transactor:    transactor,
		repo:          repo,
		kafkaProducer: producer,
		logger:        logger,
		batchSize:     opts.BatchSize,
		interval:      opts.Interval,
		tracer:        otel.Tracer("outbox-worker"),
	}
}

func (p *OutboxProcessor) Start(ctx context.Context) {
	mylogger.Info(ctx, p.logger, "Starting outbox processor", zap.Duration("interval", p.interval))

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			mylogger.Info(ctx, p.logger, "Outbox processor stopping")
			return
		case <-ticker.C:
			if _, err := p.ProcessBatch(ctx); err != nil {
				mylogger.Error(ctx, p.logger, "Error processing outbox batch", zap.Error(err))
			}
		}
	}
}

// ProcessBatch publishes one batch and returns how many events made it to Kafka.
func (p *OutboxProcessor) ProcessBatch(ctx context.Context) (int, error) {
	ctx, span := p.tracer.Start(ctx, "OutboxProcessor.ProcessBatch")
	defer span.End()

	published := 0
	err := p.transactor.WithinTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		events, err := p.repo.GetUnpublishedEvents(ctx, tx, p.batchSize)
		if err != nil {
			return err
		}

		if len(events) == 0 {
			return nil
		}

		mylogger.Debug(ctx, p.logger, "Processing outbox events", zap.Int("count", len(events)))

		for _, event := range events {
			if p.publish(ctx, tx, event) {
				published++
			}
		}

		return nil
	})
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	span.SetAttributes(attribute.Int("published", published))

	return published, nil
}

func (p *OutboxProcessor) publish(ctx context.Context, tx pgx.Tx, event *domain.OutboxEvent) bool {
	var envelope domain.Envelope
	if err := json.Unmarshal(event.Payload, &envelope); err != nil {
		mylogger.Error(
			ctx,
			p.logger,
			"outbox worker unmarshal event payload failed",
			zap.Int64("id", event.Id),
			zap.Error(err),
		)

		p.markFailed(ctx, tx, event, err)
		return false
	}

	envelope.EventID = event.Id

	if err := p.kafkaProducer.ProduceMessage(ctx, event.Topic, envelope); err != nil {
		mylogger.Error(
			ctx,
			p.logger,
			"outbox worker produce message failed",
			zap.Int64("id", event.Id),
			zap.String("event_type", event.EventType),
			zap.Error(err),
		)

		p.markFailed(ctx, tx, event, err)
		return false
	}

	if err := p.repo.MarkEventPublished(ctx, tx, event.Id); err != nil {
		mylogger.Error(
			ctx,
			p.logger,
			"outbox worker mark event published failed",
			zap.Int64("id", event.Id),
			zap.Error(err),
		)

		return false
	}

	return true
}

func (p *OutboxProcessor) markFailed(ctx context.Context, tx pgx.Tx, event *domain.OutboxEvent, cause error) {
	if err := p.repo.MarkEventFailed(ctx, tx, event.Id, cause.Error()); err != nil {
		mylogger.Error(
			ctx,
			p.logger,
			"outbox worker mark event failed failed",
			zap.Int64("id", event.Id),
			zap.Error(err),
		)
	}
}
