package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sakashimaa/marketplace-payments/pkg/db"
	generalDomain "github.com/sakashimaa/marketplace-payments/pkg/domain"
	"github.com/sakashimaa/marketplace-payments/pkg/mylogger"
	outboxDomain "github.com/sakashimaa/marketplace-payments/pkg/outbox/domain"
	outboxRepository "github.com/sakashimaa/marketplace-payments/pkg/outbox/repository"
	"github.com/sakashimaa/marketplace-payments/services/payment/internal/domain"
	"github.com/sakashimaa/marketplace-payments/services/payment/internal/metrics"
	"github.com/sakashimaa/marketplace-payments/services/payment/internal/provider"
	"github.com/sakashimaa/marketplace-payments/services/payment/internal/repository"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	DefaultPaymentTopic = "payment_events"

	defaultListLimit = 20
	maxListLimit     = 100
)

type CreatePaymentInput struct {
	OrderID     int64
	UserID      int64
	Method      string
	Provider    domain.Provider
	Amount      int64
	Currency    string
	Description string
	UseEscrow   bool
}

type PaymentService interface {
	CreatePayment(ctx context.Context, in CreatePaymentInput) (*domain.Payment, error)
	// HandleWebhook returns a nil payment when the event carries nothing to apply.
	HandleWebhook(ctx context.Context, name domain.Provider, req provider.WebhookRequest) (*domain.Payment, error)
	RefundPayment(ctx context.Context, paymentID, amount int64) (*domain.Payment, error)
	ListPayments(ctx context.Context, userID int64, limit, offset int) ([]domain.Payment, int64, error)
	GetPayment(ctx context.Context, paymentID, userID int64) (*domain.Payment, error)
}

type paymentService struct {
	transactor  db.Transactor
	orderRepo   repository.OrderRepository
	paymentRepo repository.PaymentRepository
	outboxRepo  outboxRepository.OutboxRepository
	providers   *provider.Registry
	escrow      EscrowLedger
	metrics     *metrics.Metrics
	logger      *zap.Logger
	tracer      trace.Tracer
	topic       string
	now         func() time.Time
}

func NewPaymentService(
	transactor db.Transactor,
	orderRepo repository.OrderRepository,
	paymentRepo repository.PaymentRepository,
	outboxRepo outboxRepository.OutboxRepository,
	providers *provider.Registry,
	escrow EscrowLedger,
	m *metrics.Metrics,
	logger *zap.Logger,
	topic string,
) PaymentService {
	if topic == "" {
		topic = DefaultPaymentTopic
	}

	return &paymentService{
		transactor:  transactor,
		orderRepo:   orderRepo,
		paymentRepo: paymentRepo,
		outboxRepo:  outboxRepo,
		providers:   providers,
		escrow:      escrow,
		metrics:     m,
		logger:      logger,
		tracer:      otel.Tracer("service/payment_service"),
		topic:       topic,
		now:         time.Now,
	}
}

func (s *paymentService) CreatePayment(ctx context.Context, in CreatePaymentInput) (*domain.Payment, error) {
	ctx, span := s.tracer.Start(ctx, "PaymentService.CreatePayment")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("order_id", in.OrderID),
		attribute.Int64("user_id", in.UserID),
		attribute.String("provider", string(in.Provider)),
		attribute.Int64("amount", in.Amount),
	)

	mylogger.Info(ctx, s.logger, "Creating payment",
		zap.Int64("order_id", in.OrderID),
		zap.Int64("user_id", in.UserID),
		zap.String("provider", string(in.Provider)),
	)

	adapter, err := s.providers.Get(in.Provider)
	if err != nil {
		return nil, err
	}

	order, err := s.orderRepo.GetForUser(ctx, in.OrderID, in.UserID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if order.PaymentStatus == domain.OrderPaymentPaid {
		mylogger.Warn(ctx, s.logger, "Order already paid", zap.Int64("order_id", order.ID))
		return nil, fmt.Errorf("%w: order %d", domain.ErrOrderAlreadyPaid, order.ID)
	}

	amount := in.Amount
	if amount == 0 {
		amount = order.TotalAmount
	}
	if amount != order.TotalAmount {
		mylogger.Warn(ctx, s.logger, "Payment amount does not match order total",
			zap.Int64("order_id", order.ID),
			zap.Int64("amount", amount),
			zap.Int64("total_amount", order.TotalAmount),
		)
		return nil, fmt.Errorf("%w: got %d, order total %d", domain.ErrAmountMismatch, amount, order.TotalAmount)
	}

	currency := in.Currency
	if currency == "" {
		currency = order.Currency
	}

	payment := &domain.Payment{
		OrderID:  order.ID,
		UserID:   in.UserID,
		Method:   in.Method,
		Provider: in.Provider,
		Status:   domain.PaymentPending,
		Amount:   amount,
		Currency: currency,
		Metadata: domain.PaymentMetadata{
			UseEscrow:   in.UseEscrow,
			SellerID:    order.SellerID,
			Description: in.Description,
		},
	}

	if err := s.paymentRepo.Create(ctx, nil, payment); err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.Int64("payment_id", payment.ID))

	charge, chargeErr := adapter.CreatePayment(ctx, provider.ChargeRequest{
		PaymentID:   payment.ID,
		OrderID:     order.ID,
		Amount:      payment.Amount,
		Currency:    payment.Currency,
		Method:      payment.Method,
		Description: in.Description,
		Customer:    provider.Customer{Name: order.BuyerName, Email: order.BuyerEmail},
	})
	if chargeErr != nil {
		span.RecordError(chargeErr)
		span.SetStatus(codes.Error, "provider charge failed")

		reason := chargeErr.Error()
		payment.Status = domain.PaymentFailed
		payment.FailureReason = &reason

		if err := s.paymentRepo.Update(ctx, nil, payment); err != nil {
			mylogger.Error(ctx, s.logger, "Failed to record payment failure",
				zap.Int64("payment_id", payment.ID),
				zap.Error(err),
			)
		}

		mylogger.Warn(ctx, s.logger, "Provider rejected payment",
			zap.Int64("payment_id", payment.ID),
			zap.Error(chargeErr),
		)

		return nil, chargeErr
	}

	payment.ProviderTransactionID = &charge.TransactionID
	payment.ProviderResponse = charge.Response
	payment.Metadata.PaymentURL = charge.PaymentURL
	payment.Metadata.RedirectURL = charge.RedirectURL

	if err := s.paymentRepo.Update(ctx, nil, payment); err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.metrics.PaymentCreated(string(payment.Provider))

	mylogger.Info(ctx, s.logger, "Payment created",
		zap.Int64("payment_id", payment.ID),
		zap.String("provider_transaction_id", charge.TransactionID),
	)

	return payment, nil
}

func (s *paymentService) HandleWebhook(
	ctx context.Context,
	name domain.Provider,
	req provider.WebhookRequest,
) (*domain.Payment, error) {
	ctx, span := s.tracer.Start(ctx, "PaymentService.HandleWebhook")
	defer span.End()

	span.SetAttributes(attribute.String("provider", string(name)))

	adapter, err := s.providers.Get(name)
	if err != nil {
		return nil, err
	}

	result, err := adapter.HandleWebhook(ctx, req)
	if err != nil {
		span.RecordError(err)
		s.metrics.Webhook(string(name), "rejected")
		return nil, err
	}
	if result == nil {
		s.metrics.Webhook(string(name), "ignored")
		return nil, nil
	}

	span.SetAttributes(
		attribute.String("provider_transaction_id", result.TransactionID),
		attribute.String("status", string(result.Status)),
	)

	var (
		payment *domain.Payment
		applied bool
	)

	err = s.transactor.WithinTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		payment, err = s.paymentRepo.GetByProviderTransactionForUpdate(ctx, tx, name, result.TransactionID)
		if err != nil {
			return err
		}

		if regresses(payment.Status, result.Status) {
			mylogger.Warn(ctx, s.logger, "Out of order webhook ignored",
				zap.Int64("payment_id", payment.ID),
				zap.String("current", string(payment.Status)),
				zap.String("incoming", string(result.Status)),
			)
			return nil
		}

		applied = true
		previous := payment.Status

		payment.Status = result.Status
		if len(result.Response) > 0 {
			payment.ProviderResponse = result.Response
		}
		if result.PaidAt != nil {
			payment.PaidAt = result.PaidAt
		}
		if payment.Status == domain.PaymentCompleted && payment.PaidAt == nil {
			paid := s.now().UTC()
			payment.PaidAt = &paid
		}

		if err := s.paymentRepo.Update(ctx, tx, payment); err != nil {
			return err
		}

		if previous == payment.Status {
			return nil
		}

		switch payment.Status {
		case domain.PaymentCompleted:
			return s.onCompleted(ctx, tx, payment)
		case domain.PaymentFailed, domain.PaymentCancelled:
			return s.saveEvent(ctx, tx, generalDomain.EventPaymentFailed, payment, generalDomain.PaymentFailedEvent{
				PaymentID: payment.ID,
				OrderID:   payment.OrderID,
				Status:    string(payment.Status),
				Amount:    payment.Amount,
				FailedAt:  s.now().UTC(),
			})
		}

		return nil
	})
	if err != nil {
		span.RecordError(err)
		s.metrics.Webhook(string(name), "error")
		mylogger.Error(ctx, s.logger, "Webhook processing failed",
			zap.String("provider", string(name)),
			zap.String("provider_transaction_id", result.TransactionID),
			zap.Error(err),
		)

		return nil, err
	}

	if !applied {
		s.metrics.Webhook(string(name), "ignored")
		return nil, nil
	}

	s.metrics.Webhook(string(name), "ok")

	mylogger.Info(ctx, s.logger, "Webhook applied",
		zap.Int64("payment_id", payment.ID),
		zap.String("status", string(payment.Status)),
	)

	return payment, nil
}

func (s *paymentService) onCompleted(ctx context.Context, tx pgx.Tx, payment *domain.Payment) error {
	order, err := s.orderRepo.GetForUpdate(ctx, tx, payment.OrderID)
	if err != nil {
		return err
	}

	if order.PaymentStatus != domain.OrderPaymentPaid {
		if err := s.orderRepo.UpdatePaymentState(ctx, tx, order.ID, domain.OrderPaymentPaid, domain.OrderStatusProcessing); err != nil {
			return err
		}
	}

	if err := s.saveEvent(ctx, tx, generalDomain.EventPaymentCompleted, payment, generalDomain.PaymentCompletedEvent{
		PaymentID: payment.ID,
		OrderID:   payment.OrderID,
		UserID:    payment.UserID,
		Provider:  string(payment.Provider),
		Amount:    payment.Amount,
		Currency:  payment.Currency,
		PaidAt:    *payment.PaidAt,
	}); err != nil {
		return err
	}

	if !payment.Metadata.UseEscrow || payment.Metadata.Escrow != nil {
		return nil
	}

	escrow, err := s.escrow.HoldFundsTx(ctx, tx, HoldRequest{
		PaymentID: payment.ID,
		Amount:    payment.Amount,
		SellerID:  payment.Metadata.SellerID,
		BuyerID:   payment.UserID,
	})
	if err != nil {
		return fmt.Errorf("hold escrow for payment %d: %w", payment.ID, err)
	}

	payment.Metadata.Escrow = escrow.Info()

	return nil
}

func (s *paymentService) RefundPayment(ctx context.Context, paymentID, amount int64) (*domain.Payment, error) {
	ctx, span := s.tracer.Start(ctx, "PaymentService.RefundPayment")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("payment_id", paymentID),
		attribute.Int64("amount", amount),
	)

	var payment *domain.Payment

	// Claim the payment before calling the provider so concurrent refunds
	// can't both reach the gateway.
	err := s.transactor.WithinTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		payment, err = s.paymentRepo.GetByIDForUpdate(ctx, tx, paymentID)
		if err != nil {
			return err
		}

		if payment.Status != domain.PaymentCompleted {
			return fmt.Errorf("%w: payment %d is %s", domain.ErrPaymentNotRefundable, payment.ID, payment.Status)
		}
		if payment.ProviderTransactionID == nil {
			return fmt.Errorf("%w: payment %d has no provider transaction", domain.ErrPaymentNotRefundable, payment.ID)
		}

		if amount == 0 {
			amount = payment.Amount
		}
		if amount < 0 || amount > payment.Amount {
			return domain.ErrInvalidRefundAmount
		}

		if _, err := s.providers.Get(payment.Provider); err != nil {
			return err
		}

		payment.Status = domain.PaymentRefunding
		return s.paymentRepo.Update(ctx, tx, payment)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	adapter, err := s.providers.Get(payment.Provider)
	if err != nil {
		s.releaseRefundClaim(ctx, paymentID)
		return nil, err
	}

	refund, err := adapter.RefundPayment(ctx, *payment.ProviderTransactionID, amount)
	if err != nil {
		span.RecordError(err)
		mylogger.Warn(ctx, s.logger, "Provider refund failed",
			zap.Int64("payment_id", payment.ID),
			zap.Error(err),
		)

		s.releaseRefundClaim(ctx, paymentID)
		return nil, err
	}

	err = s.transactor.WithinTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		payment, err = s.paymentRepo.GetByIDForUpdate(ctx, tx, paymentID)
		if err != nil {
			return err
		}

		// A provider refund webhook may have landed first.
		if payment.Status != domain.PaymentRefunding && payment.Status != domain.PaymentRefunded {
			return fmt.Errorf("%w: payment %d changed to %s during refund", domain.ErrPaymentNotRefundable, payment.ID, payment.Status)
		}

		at := s.now().UTC()
		payment.Status = domain.PaymentRefunded
		payment.RefundedAmount = amount
		payment.RefundedAt = &at
		payment.Metadata.Refund = &domain.RefundInfo{
			RefundID:   refund.RefundID,
			Amount:     amount,
			RefundedAt: at,
		}

		if err := s.paymentRepo.Update(ctx, tx, payment); err != nil {
			return err
		}

		if err := s.orderRepo.UpdatePaymentState(
			ctx,
			tx,
			payment.OrderID,
			domain.OrderPaymentRefunded,
			domain.OrderStatusCancelled,
		); err != nil {
			return err
		}

		return s.saveEvent(ctx, tx, generalDomain.EventPaymentRefunded, payment, generalDomain.PaymentRefundedEvent{
			PaymentID:  payment.ID,
			OrderID:    payment.OrderID,
			Amount:     amount,
			RefundID:   refund.RefundID,
			RefundedAt: at,
		})
	})
	if err != nil {
		span.RecordError(err)
		mylogger.Error(ctx, s.logger, "Refund issued by provider but not recorded",
			zap.Int64("payment_id", paymentID),
			zap.String("refund_id", refund.RefundID),
			zap.Error(err),
		)

		return nil, err
	}

	if payment.Metadata.Escrow != nil && payment.Metadata.Escrow.Status == domain.EscrowHeld {
		mylogger.Warn(ctx, s.logger, "Refunded payment still has funds held in escrow",
			zap.Int64("payment_id", payment.ID),
			zap.String("escrow_id", payment.Metadata.Escrow.ID.String()),
		)
	}

	mylogger.Info(ctx, s.logger, "Payment refunded",
		zap.Int64("payment_id", payment.ID),
		zap.Int64("amount", amount),
		zap.String("refund_id", refund.RefundID),
	)

	return payment, nil
}

// releaseRefundClaim puts a claimed payment back to completed after the
// provider refused the refund.
func (s *paymentService) releaseRefundClaim(ctx context.Context, paymentID int64) {
	err := s.transactor.WithinTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		payment, err := s.paymentRepo.GetByIDForUpdate(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		if payment.Status != domain.PaymentRefunding {
			return nil
		}

		payment.Status = domain.PaymentCompleted
		return s.paymentRepo.Update(ctx, tx, payment)
	})
	if err != nil {
		mylogger.Error(ctx, s.logger, "Failed to release refund claim",
			zap.Int64("payment_id", paymentID),
			zap.Error(err),
		)
	}
}

func (s *paymentService) ListPayments(ctx context.Context, userID int64, limit, offset int) ([]domain.Payment, int64, error) {
	ctx, span := s.tracer.Start(ctx, "PaymentService.ListPayments")
	defer span.End()

	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	return s.paymentRepo.ListByUser(ctx, userID, limit, offset)
}

func (s *paymentService) GetPayment(ctx context.Context, paymentID, userID int64) (*domain.Payment, error) {
	ctx, span := s.tracer.Start(ctx, "PaymentService.GetPayment")
	defer span.End()

	return s.paymentRepo.GetByIDForUser(ctx, paymentID, userID)
}

func (s *paymentService) saveEvent(
	ctx context.Context,
	tx pgx.Tx,
	eventType string,
	payment *domain.Payment,
	payload any,
) error {
	event, err := outboxDomain.NewOutboxEvent(s.topic, "payment", strconv.FormatInt(payment.ID, 10), eventType, payload)
	if err != nil {
		return err
	}

	if err := s.outboxRepo.SaveOutboxEvent(ctx, tx, event); err != nil {
		return fmt.Errorf("save %s event: %w", eventType, err)
	}

	return nil
}

// regresses reports whether applying incoming on top of current would move
// a settled payment backwards.
func regresses(current, incoming domain.PaymentStatus) bool {
	if !current.IsTerminal() {
		return false
	}
	if !incoming.IsTerminal() {
		return true
	}

	switch current {
	case domain.PaymentRefunding, domain.PaymentRefunded, domain.PaymentPartiallyRefunded, domain.PaymentDisputed:
		return incoming == domain.PaymentCompleted
	}

	return false
}
