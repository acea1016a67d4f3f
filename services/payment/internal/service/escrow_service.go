package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sakashimaa/marketplace-payments/pkg/db"
	generalDomain "github.com/sakashimaa/marketplace-payments/pkg/domain"
	"github.com/sakashimaa/marketplace-payments/pkg/mylogger"
	outboxDomain "github.com/sakashimaa/marketplace-payments/pkg/outbox/domain"
	outboxRepository "github.com/sakashimaa/marketplace-payments/pkg/outbox/repository"
	"github.com/sakashimaa/marketplace-payments/services/payment/internal/domain"
	"github.com/sakashimaa/marketplace-payments/services/payment/internal/metrics"
	"github.com/sakashimaa/marketplace-payments/services/payment/internal/repository"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	DefaultHoldPeriod    = 7 * 24 * time.Hour
	autoReleaseBatchSize = 100
)

type HoldRequest struct {
	PaymentID int64
	Amount    int64
	SellerID  int64
	BuyerID   int64
}

type EscrowLedger interface {
	HoldFunds(ctx context.Context, req HoldRequest) (*domain.EscrowTransaction, error)
	HoldFundsTx(ctx context.Context, tx pgx.Tx, req HoldRequest) (*domain.EscrowTransaction, error)
	ReleaseFunds(ctx context.Context, id uuid.UUID, reason string) (*domain.EscrowTransaction, error)
	RefundFunds(ctx context.Context, id uuid.UUID, reason string) (*domain.EscrowTransaction, error)
	ReleaseForOrder(ctx context.Context, orderID int64, reason string) (*domain.EscrowTransaction, error)
	RefundForOrder(ctx context.Context, orderID int64, reason string) (*domain.EscrowTransaction, error)
	AutoReleaseExpired(ctx context.Context) (int, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.EscrowTransaction, error)
}

type EscrowOptions struct {
	HoldPeriod time.Duration
	Topic      string
	Now        func() time.Time
	// OnSettled runs after a release or refund commits.
	OnSettled  func(ctx context.Context, paymentID int64)
}

type escrowLedger struct {
	transactor  db.Transactor
	escrowRepo  repository.EscrowRepository
	paymentRepo repository.PaymentRepository
	walletRepo  repository.WalletRepository
	outboxRepo  outboxRepository.OutboxRepository
	metrics     *metrics.Metrics
	logger      *zap.Logger
	tracer      trace.Tracer
	holdPeriod  time.Duration
	topic       string
	now         func() time.Time
	onSettled   func(ctx context.Context, paymentID int64)
}

func NewEscrowLedger(
	transactor db.Transactor,
	escrowRepo repository.EscrowRepository,
	paymentRepo repository.PaymentRepository,
	walletRepo repository.WalletRepository,
	outboxRepo outboxRepository.OutboxRepository,
	m *metrics.Metrics,
	logger *zap.Logger,
	opts EscrowOptions,
) EscrowLedger {
	if opts.HoldPeriod <= 0 {
		opts.HoldPeriod = DefaultHoldPeriod
	}
	if opts.Topic == "" {
		opts.Topic = DefaultPaymentTopic
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &escrowLedger{
		transactor:  transactor,
		escrowRepo:  escrowRepo,
		paymentRepo: paymentRepo,
		walletRepo:  walletRepo,
		outboxRepo:  outboxRepo,
		metrics:     m,
		logger:      logger,
		tracer:      otel.Tracer("service/escrow_ledger"),
		holdPeriod:  opts.HoldPeriod,
		topic:       opts.Topic,
		now:         opts.Now,
		onSettled:   opts.OnSettled,
	}
}

func (l *escrowLedger) HoldFunds(ctx context.Context, req HoldRequest) (*domain.EscrowTransaction, error) {
	var escrow *domain.EscrowTransaction

	err := l.transactor.WithinTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		escrow, err = l.HoldFundsTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	return escrow, nil
}

func (l *escrowLedger) HoldFundsTx(ctx context.Context, tx pgx.Tx, req HoldRequest) (*domain.EscrowTransaction, error) {
	ctx, span := l.tracer.Start(ctx, "EscrowLedger.HoldFunds")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("payment_id", req.PaymentID),
		attribute.Int64("seller_id", req.SellerID),
		attribute.Int64("buyer_id", req.BuyerID),
		attribute.Int64("amount", req.Amount),
	)

	if req.Amount <= 0 {
		return nil, domain.ErrInvalidEscrowAmount
	}

	payment, err := l.paymentRepo.GetByIDForUpdate(ctx, tx, req.PaymentID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	for _, userID := range []int64{req.SellerID, req.BuyerID} {
		ok, err := l.walletRepo.UserExists(ctx, tx, userID)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		if !ok {
			mylogger.Warn(ctx, l.logger, "Escrow party not found", zap.Int64("user_id", userID))
			return nil, fmt.Errorf("%w: user %d", repository.ErrUserNotFound, userID)
		}
	}

	escrow := &domain.EscrowTransaction{
		ID:               uuid.New(),
		PaymentID:        payment.ID,
		OrderID:          payment.OrderID,
		Amount:           req.Amount,
		SellerID:         req.SellerID,
		BuyerID:          req.BuyerID,
		Status:           domain.EscrowHeld,
		ReleaseCondition: domain.ReleaseConditionDelivery,
		Version:          1,
		HeldAt:           l.now().UTC(),
	}

	if err := l.escrowRepo.Create(ctx, tx, escrow); err != nil {
		span.RecordError(err)
		return nil, err
	}

	payment.Metadata.Escrow = escrow.Info()
	if err := l.paymentRepo.Update(ctx, tx, payment); err != nil {
		span.RecordError(err)
		return nil, err
	}

	if err := l.saveEvent(ctx, tx, generalDomain.EventEscrowHeld, escrow, escrow.HeldAt); err != nil {
		span.RecordError(err)
		return nil, err
	}

	l.metrics.EscrowTransition(string(domain.EscrowHeld))

	mylogger.Info(ctx, l.logger, "Funds held in escrow",
		zap.String("escrow_id", escrow.ID.String()),
		zap.Int64("payment_id", escrow.PaymentID),
		zap.Int64("amount", escrow.Amount),
	)

	return escrow, nil
}

func (l *escrowLedger) ReleaseFunds(ctx context.Context, id uuid.UUID, reason string) (*domain.EscrowTransaction, error) {
	if reason == "" {
		reason = domain.ReasonDeliveryConfirmed
	}

	return l.settle(ctx, id, domain.EscrowReleased, reason)
}

func (l *escrowLedger) RefundFunds(ctx context.Context, id uuid.UUID, reason string) (*domain.EscrowTransaction, error) {
	if reason == "" {
		reason = domain.ReasonBuyerDispute
	}

	return l.settle(ctx, id, domain.EscrowRefunded, reason)
}

func (l *escrowLedger) ReleaseForOrder(ctx context.Context, orderID int64, reason string) (*domain.EscrowTransaction, error) {
	escrow, err := l.escrowRepo.GetHeldByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	return l.ReleaseFunds(ctx, escrow.ID, reason)
}

func (l *escrowLedger) RefundForOrder(ctx context.Context, orderID int64, reason string) (*domain.EscrowTransaction, error) {
	escrow, err := l.escrowRepo.GetHeldByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	return l.RefundFunds(ctx, escrow.ID, reason)
}

// settle moves a held escrow to its terminal status and credits the
// receiving party in the same transaction.
func (l *escrowLedger) settle(
	ctx context.Context,
	id uuid.UUID,
	status domain.EscrowStatus,
	reason string,
) (*domain.EscrowTransaction, error) {
	ctx, span := l.tracer.Start(ctx, "EscrowLedger.settle")
	defer span.End()

	span.SetAttributes(
		attribute.String("escrow_id", id.String()),
		attribute.String("status", string(status)),
		attribute.String("reason", reason),
	)

	var escrow *domain.EscrowTransaction

	err := l.transactor.WithinTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		escrow, err = l.escrowRepo.GetByID(ctx, tx, id)
		if err != nil {
			return err
		}

		if escrow.Status != domain.EscrowHeld {
			return fmt.Errorf("%w: escrow %s is %s", domain.ErrEscrowNotHeld, id, escrow.Status)
		}

		at := l.now().UTC()
		if err := l.escrowRepo.Transition(ctx, tx, escrow, status, reason, at); err != nil {
			if errors.Is(err, repository.ErrEscrowStateConflict) {
				return fmt.Errorf("%w: escrow %s changed concurrently", domain.ErrEscrowNotHeld, id)
			}
			return err
		}

		entry := &domain.WalletEntry{
			UserID:   escrow.SellerID,
			EscrowID: escrow.ID,
			Kind:     domain.WalletEntryEscrowRelease,
			Amount:   escrow.Amount,
		}
		eventType := generalDomain.EventEscrowReleased
		if status == domain.EscrowRefunded {
			entry.UserID = escrow.BuyerID
			entry.Kind = domain.WalletEntryEscrowRefund
			eventType = generalDomain.EventEscrowRefunded
		}

		if err := l.walletRepo.Credit(ctx, tx, entry); err != nil {
			return err
		}

		payment, err := l.paymentRepo.GetByIDForUpdate(ctx, tx, escrow.PaymentID)
		if err != nil {
			return err
		}

		payment.Metadata.Escrow = escrow.Info()
		if err := l.paymentRepo.Update(ctx, tx, payment); err != nil {
			return err
		}

		return l.saveEvent(ctx, tx, eventType, escrow, at)
	})
	if err != nil {
		span.RecordError(err)
		mylogger.Warn(ctx, l.logger, "Escrow transition failed",
			zap.String("escrow_id", id.String()),
			zap.String("status", string(status)),
			zap.Error(err),
		)

		return nil, err
	}

	l.metrics.EscrowTransition(string(status))
	if l.onSettled != nil {
		l.onSettled(ctx, escrow.PaymentID)
	}

	mylogger.Info(ctx, l.logger, "Escrow settled",
		zap.String("escrow_id", escrow.ID.String()),
		zap.String("status", string(escrow.Status)),
		zap.String("reason", reason),
		zap.Int64("amount", escrow.Amount),
	)

	return escrow, nil
}

// AutoReleaseExpired releases escrows held strictly longer than the hold period.
func (l *escrowLedger) AutoReleaseExpired(ctx context.Context) (int, error) {
	ctx, span := l.tracer.Start(ctx, "EscrowLedger.AutoReleaseExpired")
	defer span.End()

	cutoff := l.now().UTC().Add(-l.holdPeriod)
	released := 0
	failed := make(map[uuid.UUID]struct{})

	for {
		batch, err := l.escrowRepo.ListHeldBefore(ctx, cutoff, autoReleaseBatchSize)
		if err != nil {
			span.RecordError(err)
			return released, err
		}

		progress := false
		for _, escrow := range batch {
			if _, seen := failed[escrow.ID]; seen {
				continue
			}

			if _, err := l.ReleaseFunds(ctx, escrow.ID, domain.ReasonAutoReleaseExpired); err != nil {
				if !errors.Is(err, domain.ErrEscrowNotHeld) {
					mylogger.Error(ctx, l.logger, "Auto release failed",
						zap.String("escrow_id", escrow.ID.String()),
						zap.Error(err),
					)
				}
				failed[escrow.ID] = struct{}{}
				continue
			}

			released++
			progress = true
		}

		if len(batch) < autoReleaseBatchSize || !progress {
			break
		}
	}

	span.SetAttributes(attribute.Int("released", released))
	if released > 0 {
		mylogger.Info(ctx, l.logger, "Expired escrows released", zap.Int("count", released))
	}

	return released, nil
}

func (l *escrowLedger) Get(ctx context.Context, id uuid.UUID) (*domain.EscrowTransaction, error) {
	return l.escrowRepo.GetByID(ctx, nil, id)
}

func (l *escrowLedger) saveEvent(
	ctx context.Context,
	tx pgx.Tx,
	eventType string,
	escrow *domain.EscrowTransaction,
	at time.Time,
) error {
	payload := generalDomain.EscrowEvent{
		EscrowID:   escrow.ID.String(),
		PaymentID:  escrow.PaymentID,
		OrderID:    escrow.OrderID,
		SellerID:   escrow.SellerID,
		BuyerID:    escrow.BuyerID,
		Amount:     escrow.Amount,
		Status:     string(escrow.Status),
		OccurredAt: at,
	}
	if escrow.Reason != nil {
		payload.Reason = *escrow.Reason
	}

	event, err := outboxDomain.NewOutboxEvent(l.topic, "escrow", escrow.ID.String(), eventType, payload)
	if err != nil {
		return err
	}

	return l.outboxRepo.SaveOutboxEvent(ctx, tx, event)
}
