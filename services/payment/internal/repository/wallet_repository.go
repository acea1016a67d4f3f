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

// WalletRepository owns users.wallet_balance and its append-only entries.
type WalletRepository interface {
	UserExists(ctx context.Context, tx pgx.Tx, userID int64) (bool, error)
	Credit(ctx context.Context, tx pgx.Tx, entry *domain.WalletEntry) error
	Balance(ctx context.Context, userID int64) (int64, error)
}

type walletRepo struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

func NewWalletRepository(pool *pgxpool.Pool, logger *zap.Logger) WalletRepository {
	return &walletRepo{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("repository/wallet_repo"),
	}
}

func (r *walletRepo) UserExists(ctx context.Context, tx pgx.Tx, userID int64) (bool, error) {
	ctx, span := r.tracer.Start(ctx, "WalletRepository.UserExists")
	defer span.End()

	span.SetAttributes(attribute.Int64("user_id", userID))

	var exists bool
	if err := pick(r.pool, tx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists); err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to check user: %w", err)
	}

	return exists, nil
}

// Credit appends the entry and bumps the balance in the caller's
// transaction. A second entry for the same (escrow, kind) is rejected.
func (r *walletRepo) Credit(ctx context.Context, tx pgx.Tx, entry *domain.WalletEntry) error {
	ctx, span := r.tracer.Start(ctx, "WalletRepository.Credit")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("user_id", entry.UserID),
		attribute.String("escrow_id", entry.EscrowID.String()),
		attribute.String("kind", string(entry.Kind)),
		attribute.Int64("amount", entry.Amount),
	)

	q := pick(r.pool, tx)

	insert := `
		INSERT INTO wallet_entries (user_id, escrow_id, kind, amount)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`

	if err := q.QueryRow(ctx, insert, entry.UserID, entry.EscrowID, string(entry.Kind), entry.Amount).
		Scan(&entry.ID, &entry.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateWalletEntry
		}

		span.RecordError(err)
		mylogger.Error(ctx, r.logger, "Insert wallet entry failed", zap.Error(err))

		return fmt.Errorf("failed to insert wallet entry: %w", err)
	}

	commandTag, err := q.Exec(ctx, `UPDATE users SET wallet_balance = wallet_balance + $1 WHERE id = $2`, entry.Amount, entry.UserID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to credit wallet: %w", err)
	}

	if commandTag.RowsAffected() == 0 {
		return ErrUserNotFound
	}

	return nil
}

func (r *walletRepo) Balance(ctx context.Context, userID int64) (int64, error) {
	ctx, span := r.tracer.Start(ctx, "WalletRepository.Balance")
	defer span.End()

	var balance int64
	if err := r.pool.QueryRow(ctx, `SELECT wallet_balance FROM users WHERE id = $1`, userID).Scan(&balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrUserNotFound
		}

		span.RecordError(err)
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}

	return balance, nil
}
