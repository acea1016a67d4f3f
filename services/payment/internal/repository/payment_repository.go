package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sakashimaa/marketplace-payments/pkg/mylogger"
	"github.com/sakashimaa/marketplace-payments/services/payment/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type PaymentRepository interface {
	Create(ctx context.Context, tx pgx.Tx, payment *domain.Payment) error
	Update(ctx context.Context, tx pgx.Tx, payment *domain.Payment) error
	GetByID(ctx context.Context, id int64) (*domain.Payment, error)
	GetByIDForUser(ctx context.Context, id, userID int64) (*domain.Payment, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id int64) (*domain.Payment, error)
	GetByProviderTransactionForUpdate(
		ctx context.Context,
		tx pgx.Tx,
		provider domain.Provider,
		transactionID string,
	) (*domain.Payment, error)
	ListByUser(ctx context.Context, userID int64, limit, offset int) ([]domain.Payment, int64, error)
}

type paymentRepo struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

func NewPaymentRepository(pool *pgxpool.Pool, logger *zap.Logger) PaymentRepository {
	return &paymentRepo{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("repository/payment_repo"),
	}
}

const paymentColumns = `
	id, order_id, user_id, method, provider, status, amount, fee, currency,
	provider_transaction_id, provider_response, metadata, failure_reason,
	refunded_amount, refunded_at, paid_at, created_at, updated_at
`

func scanPayment(row pgx.Row) (*domain.Payment, error) {
	var (
		p        domain.Payment
		response []byte
		metadata []byte
	)

	if err := row.Scan(
		&p.ID,
		&p.OrderID,
		&p.UserID,
		&p.Method,
		&p.Provider,
		&p.Status,
		&p.Amount,
		&p.Fee,
		&p.Currency,
		&p.ProviderTransactionID,
		&response,
		&metadata,
		&p.FailureReason,
		&p.RefundedAmount,
		&p.RefundedAt,
		&p.PaidAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if len(response) > 0 {
		p.ProviderResponse = response
	}

	m, err := domain.DecodeMetadata(metadata)
	if err != nil {
		return nil, err
	}
	p.Metadata = m

	return &p, nil
}

func (r *paymentRepo) Create(ctx context.Context, tx pgx.Tx, payment *domain.Payment) error {
	ctx, span := r.tracer.Start(ctx, "PaymentRepository.Create")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("order_id", payment.OrderID),
		attribute.Int64("user_id", payment.UserID),
		attribute.Int64("amount", payment.Amount),
		attribute.String("provider", string(payment.Provider)),
	)

	metadata, err := payment.Metadata.Encode()
	if err != nil {
		return err
	}

	query := `
		INSERT INTO payments (order_id, user_id, method, provider, status, amount, fee, currency, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		RETURNING id, created_at, updated_at
	`

	if err := pick(r.pool, tx).QueryRow(ctx, query,
		payment.OrderID,
		payment.UserID,
		payment.Method,
		string(payment.Provider),
		string(payment.Status),
		payment.Amount,
		payment.Fee,
		payment.Currency,
		metadata,
	).Scan(
		&payment.ID,
		&payment.CreatedAt,
		&payment.UpdatedAt,
	); err != nil {
		span.RecordError(err)
		mylogger.Warn(ctx, r.logger, "Create payment failed", zap.Error(err))

		return fmt.Errorf("failed to insert payment: %w", err)
	}

	return nil
}

func (r *paymentRepo) Update(ctx context.Context, tx pgx.Tx, payment *domain.Payment) error {
	ctx, span := r.tracer.Start(ctx, "PaymentRepository.Update")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("payment_id", payment.ID),
		attribute.String("status", string(payment.Status)),
	)

	metadata, err := payment.Metadata.Encode()
	if err != nil {
		return err
	}

	var response []byte
	if len(payment.ProviderResponse) > 0 {
		response = payment.ProviderResponse
	}

	query := `
		UPDATE payments
		SET status = $1,
			provider_transaction_id = $2,
			provider_response = $3,
			metadata = $4,
			failure_reason = $5,
			refunded_amount = $6,
			refunded_at = $7,
			paid_at = $8,
			fee = $9,
			updated_at = NOW()
		WHERE id = $10
		RETURNING updated_at
	`

	if err := pick(r.pool, tx).QueryRow(ctx, query,
		string(payment.Status),
		payment.ProviderTransactionID,
		response,
		metadata,
		payment.FailureReason,
		payment.RefundedAmount,
		payment.RefundedAt,
		payment.PaidAt,
		payment.Fee,
		payment.ID,
	).Scan(&payment.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrPaymentNotFound
		}

		span.RecordError(err)
		mylogger.Error(ctx, r.logger, "Update payment failed", zap.Int64("payment_id", payment.ID), zap.Error(err))

		return fmt.Errorf("failed to update payment: %w", err)
	}

	return nil
}

func (r *paymentRepo) GetByID(ctx context.Context, id int64) (*domain.Payment, error) {
	ctx, span := r.tracer.Start(ctx, "PaymentRepository.GetByID")
	defer span.End()

	span.SetAttributes(attribute.Int64("payment_id", id))

	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`

	return r.getOne(ctx, span, r.pool, query, id)
}

func (r *paymentRepo) GetByIDForUser(ctx context.Context, id, userID int64) (*domain.Payment, error) {
	ctx, span := r.tracer.Start(ctx, "PaymentRepository.GetByIDForUser")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("payment_id", id),
		attribute.Int64("user_id", userID),
	)

	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1 AND user_id = $2`

	return r.getOne(ctx, span, r.pool, query, id, userID)
}

func (r *paymentRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id int64) (*domain.Payment, error) {
	ctx, span := r.tracer.Start(ctx, "PaymentRepository.GetByIDForUpdate")
	defer span.End()

	span.SetAttributes(attribute.Int64("payment_id", id))

	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1 FOR UPDATE`

	return r.getOne(ctx, span, pick(r.pool, tx), query, id)
}

func (r *paymentRepo) GetByProviderTransactionForUpdate(
	ctx context.Context,
	tx pgx.Tx,
	provider domain.Provider,
	transactionID string,
) (*domain.Payment, error) {
	ctx, span := r.tracer.Start(ctx, "PaymentRepository.GetByProviderTransactionForUpdate")
	defer span.End()

	span.SetAttributes(
		attribute.String("provider", string(provider)),
		attribute.String("provider_transaction_id", transactionID),
	)

	query := `SELECT ` + paymentColumns + `
		FROM payments
		WHERE provider = $1 AND provider_transaction_id = $2
		FOR UPDATE
	`

	return r.getOne(ctx, span, pick(r.pool, tx), query, string(provider), transactionID)
}

func (r *paymentRepo) ListByUser(ctx context.Context, userID int64, limit, offset int) ([]domain.Payment, int64, error) {
	ctx, span := r.tracer.Start(ctx, "PaymentRepository.ListByUser")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("user_id", userID),
		attribute.Int("limit", limit),
		attribute.Int("offset", offset),
	)

	var total int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM payments WHERE user_id = $1`, userID).Scan(&total); err != nil {
		span.RecordError(err)
		return nil, 0, fmt.Errorf("failed to count payments: %w", err)
	}

	query := `SELECT ` + paymentColumns + `
		FROM payments
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		span.RecordError(err)
		mylogger.Error(ctx, r.logger, "ListByUser failed", zap.Error(err))

		return nil, 0, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	payments := make([]domain.Payment, 0, limit)
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			span.RecordError(err)
			return nil, 0, fmt.Errorf("failed to scan payment: %w", err)
		}

		payments = append(payments, *p)
	}

	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, 0, err
	}

	return payments, total, nil
}

func (r *paymentRepo) getOne(ctx context.Context, span trace.Span, q querier, query string, args ...any) (*domain.Payment, error) {
	payment, err := scanPayment(q.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}

		span.RecordError(err)
		mylogger.Error(ctx, r.logger, "Get payment failed", zap.Error(err))

		return nil, fmt.Errorf("error getting payment: %w", err)
	}

	return payment, nil
}
