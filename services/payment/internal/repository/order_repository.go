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

type OrderRepository interface {
	GetForUser(ctx context.Context, orderID, userID int64) (*domain.Order, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, orderID int64) (*domain.Order, error)
	UpdatePaymentState(
		ctx context.Context,
		tx pgx.Tx,
		orderID int64,
		paymentStatus domain.OrderPaymentStatus,
		status domain.OrderStatus,
	) error
}

type orderRepo struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

func NewOrderRepository(pool *pgxpool.Pool, logger *zap.Logger) OrderRepository {
	return &orderRepo{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("repository/order_repo"),
	}
}

const orderColumns = `
	o.id, o.buyer_id, o.seller_id, o.status, o.payment_status, o.total_amount, o.currency,
	u.name, u.email, o.created_at, o.updated_at
`

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var o domain.Order
	if err := row.Scan(
		&o.ID,
		&o.BuyerID,
		&o.SellerID,
		&o.Status,
		&o.PaymentStatus,
		&o.TotalAmount,
		&o.Currency,
		&o.BuyerName,
		&o.BuyerEmail,
		&o.CreatedAt,
		&o.UpdatedAt,
	); err != nil {
		return nil, err
	}

	return &o, nil
}

func (r *orderRepo) GetForUser(ctx context.Context, orderID, userID int64) (*domain.Order, error) {
	ctx, span := r.tracer.Start(ctx, "OrderRepository.GetForUser")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("order_id", orderID),
		attribute.Int64("user_id", userID),
	)

	query := `SELECT ` + orderColumns + `
		FROM orders o
		JOIN users u ON u.id = o.buyer_id
		WHERE o.id = $1 AND o.buyer_id = $2
	`

	order, err := scanOrder(r.pool.QueryRow(ctx, query, orderID, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			mylogger.Warn(ctx, r.logger, "Order not found for user",
				zap.Int64("order_id", orderID),
				zap.Int64("user_id", userID),
			)

			return nil, ErrOrderNotFound
		}

		span.RecordError(err)
		mylogger.Error(ctx, r.logger, "GetForUser failed", zap.Error(err))

		return nil, fmt.Errorf("error getting order: %w", err)
	}

	return order, nil
}

func (r *orderRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, orderID int64) (*domain.Order, error) {
	ctx, span := r.tracer.Start(ctx, "OrderRepository.GetForUpdate")
	defer span.End()

	span.SetAttributes(attribute.Int64("order_id", orderID))

	query := `SELECT ` + orderColumns + `
		FROM orders o
		JOIN users u ON u.id = o.buyer_id
		WHERE o.id = $1
		FOR UPDATE OF o
	`

	order, err := scanOrder(pick(r.pool, tx).QueryRow(ctx, query, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}

		span.RecordError(err)
		return nil, fmt.Errorf("error locking order: %w", err)
	}

	return order, nil
}

func (r *orderRepo) UpdatePaymentState(
	ctx context.Context,
	tx pgx.Tx,
	orderID int64,
	paymentStatus domain.OrderPaymentStatus,
	status domain.OrderStatus,
) error {
	ctx, span := r.tracer.Start(ctx, "OrderRepository.UpdatePaymentState")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("order_id", orderID),
		attribute.String("payment_status", string(paymentStatus)),
		attribute.String("status", string(status)),
	)

	query := `
		UPDATE orders
		SET payment_status = $1, status = $2, updated_at = NOW()
		WHERE id = $3
	`

	commandTag, err := pick(r.pool, tx).Exec(ctx, query, string(paymentStatus), string(status), orderID)
	if err != nil {
		span.RecordError(err)
		mylogger.Error(ctx, r.logger, "Failed to update order", zap.Error(err))

		return fmt.Errorf("failed to update order: %w", err)
	}

	if commandTag.RowsAffected() == 0 {
		mylogger.Warn(ctx, r.logger, "Order not found", zap.Int64("order_id", orderID))
		return ErrOrderNotFound
	}

	return nil
}
