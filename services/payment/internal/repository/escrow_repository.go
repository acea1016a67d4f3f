package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sakashimaa/marketplace-payments/pkg/mylogger"
	"github.com/sakashimaa/marketplace-payments/services/payment/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type EscrowRepository interface {
	Create(ctx context.Context, tx pgx.Tx, escrow *domain.EscrowTransaction) error
	GetByID(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.EscrowTransaction, error)
	GetByPaymentID(ctx context.Context, tx pgx.Tx, paymentID int64) (*domain.EscrowTransaction, error)
	GetHeldByOrderID(ctx context.Context, orderID int64) (*domain.EscrowTransaction, error)
	// Transition moves escrow from held to status if its version is unchanged,
	// then refreshes escrow in place. It returns ErrEscrowStateConflict otherwise.
	Transition(
		ctx context.Context,
		tx pgx.Tx,
		escrow *domain.EscrowTransaction,
		status domain.EscrowStatus,
		reason string,
		at time.Time,
	) error
	ListHeldBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.EscrowTransaction, error)
}

type escrowRepo struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

func NewEscrowRepository(pool *pgxpool.Pool, logger *zap.Logger) EscrowRepository {
	return &escrowRepo{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("repository/escrow_repo"),
	}
}

const escrowColumns = `
	id, payment_id, order_id, amount, seller_id, buyer_id, status, release_condition,
	reason, version, held_at, released_at, refunded_at, updated_at
`

func scanEscrow(row pgx.Row) (*domain.EscrowTransaction, error) {
	var e domain.EscrowTransaction
	if err := row.Scan(
		&e.ID,
		&e.PaymentID,
		&e.OrderID,
		&e.Amount,
		&e.SellerID,
		&e.BuyerID,
		&e.Status,
		&e.ReleaseCondition,
		&e.Reason,
		&e.Version,
		&e.HeldAt,
		&e.ReleasedAt,
		&e.RefundedAt,
		&e.UpdatedAt,
	); err != nil {
		return nil, err
	}

	return &e, nil
}

func (r *escrowRepo) Create(ctx context.Context, tx pgx.Tx, escrow *domain.EscrowTransaction) error {
	ctx, span := r.tracer.Start(ctx, "EscrowRepository.Create")
	defer span.End()

	span.SetAttributes(
		attribute.String("escrow_id", escrow.ID.String()),
		attribute.Int64("payment_id", escrow.PaymentID),
		attribute.Int64("amount", escrow.Amount),
	)

	query := `
		INSERT INTO escrow_transactions (
			id, payment_id, order_id, amount, seller_id, buyer_id, status,
			release_condition, version, held_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		RETURNING updated_at
	`

	if err := pick(r.pool, tx).QueryRow(ctx, query,
		escrow.ID,
		escrow.PaymentID,
		escrow.OrderID,
		escrow.Amount,
		escrow.SellerID,
		escrow.BuyerID,
		string(escrow.Status),
		escrow.ReleaseCondition,
		escrow.Version,
		escrow.HeldAt,
	).Scan(&escrow.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return ErrEscrowAlreadyExists
		}

		span.RecordError(err)
		mylogger.Error(ctx, r.logger, "Create escrow failed", zap.Error(err))

		return fmt.Errorf("failed to insert escrow: %w", err)
	}

	return nil
}

func (r *escrowRepo) GetByID(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.EscrowTransaction, error) {
	ctx, span := r.tracer.Start(ctx, "EscrowRepository.GetByID")
	defer span.End()

	span.SetAttributes(attribute.String("escrow_id", id.String()))

	query := `SELECT ` + escrowColumns + ` FROM escrow_transactions WHERE id = $1`

	return r.getOne(ctx, span, pick(r.pool, tx), query, id)
}

func (r *escrowRepo) GetByPaymentID(ctx context.Context, tx pgx.Tx, paymentID int64) (*domain.EscrowTransaction, error) {
	ctx, span := r.tracer.Start(ctx, "EscrowRepository.GetByPaymentID")
	defer span.End()

	span.SetAttributes(attribute.Int64("payment_id", paymentID))

	query := `SELECT ` + escrowColumns + ` FROM escrow_transactions WHERE payment_id = $1`

	return r.getOne(ctx, span, pick(r.pool, tx), query, paymentID)
}

func (r *escrowRepo) GetHeldByOrderID(ctx context.Context, orderID int64) (*domain.EscrowTransaction, error) {
	ctx, span := r.tracer.Start(ctx, "EscrowRepository.GetHeldByOrderID")
	defer span.End()

	span.SetAttributes(attribute.Int64("order_id", orderID))

	query := `SELECT ` + escrowColumns + `
		FROM escrow_transactions
		WHERE order_id = $1 AND status = 'held'
		ORDER BY held_at DESC
		LIMIT 1
	`

	return r.getOne(ctx, span, r.pool, query, orderID)
}

func (r *escrowRepo) Transition(
	ctx context.Context,
	tx pgx.Tx,
	escrow *domain.EscrowTransaction,
	status domain.EscrowStatus,
	reason string,
	at time.Time,
) error {
	ctx, span := r.tracer.Start(ctx, "EscrowRepository.Transition")
	defer span.End()

	span.SetAttributes(
		attribute.String("escrow_id", escrow.ID.String()),
		attribute.String("to", string(status)),
		attribute.Int64("version", escrow.Version),
	)

	query := `
		UPDATE escrow_transactions
		SET status = $1,
			reason = $2,
			version = version + 1,
			released_at = CASE WHEN $1 = 'released' THEN $3 ELSE released_at END,
			refunded_at = CASE WHEN $1 = 'refunded' THEN $3 ELSE refunded_at END,
			updated_at = NOW()
		WHERE id = $4 AND status = 'held' AND version = $5
		RETURNING ` + escrowColumns

	updated, err := scanEscrow(pick(r.pool, tx).QueryRow(ctx, query,
		string(status),
		reason,
		at,
		escrow.ID,
		escrow.Version,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			mylogger.Warn(ctx, r.logger, "Escrow transition lost the race",
				zap.String("escrow_id", escrow.ID.String()),
				zap.String("to", string(status)),
			)

			return ErrEscrowStateConflict
		}

		span.RecordError(err)
		return fmt.Errorf("failed to transition escrow: %w", err)
	}

	*escrow = *updated

	return nil
}

func (r *escrowRepo) ListHeldBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.EscrowTransaction, error) {
	ctx, span := r.tracer.Start(ctx, "EscrowRepository.ListHeldBefore")
	defer span.End()

	span.SetAttributes(
		attribute.String("cutoff", cutoff.Format(time.RFC3339)),
		attribute.Int("limit", limit),
	)

	query := `SELECT ` + escrowColumns + `
		FROM escrow_transactions
		WHERE status = 'held' AND held_at < $1
		ORDER BY held_at ASC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, cutoff, limit)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list expired escrows: %w", err)
	}
	defer rows.Close()

	var result []domain.EscrowTransaction
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan escrow: %w", err)
		}

		result = append(result, *e)
	}

	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("result_count", len(result)))

	return result, nil
}

func (r *escrowRepo) getOne(ctx context.Context, span trace.Span, q querier, query string, args ...any) (*domain.EscrowTransaction, error) {
	escrow, err := scanEscrow(q.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEscrowNotFound
		}

		span.RecordError(err)
		return nil, fmt.Errorf("error getting escrow: %w", err)
	}

	return escrow, nil
}
