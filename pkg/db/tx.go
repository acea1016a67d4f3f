package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sakashimaa/marketplace-payments/pkg/mylogger"
	"go.uber.org/zap"
)

// Transactor runs fn inside a single database transaction. fn's error
// rolls the transaction back; a nil return commits it.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error
}

type poolTransactor struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewTransactor(pool *pgxpool.Pool, logger *zap.Logger) Transactor {
	return &poolTransactor{pool: pool, logger: logger}
}

func (t *poolTransactor) WithinTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := t.pool.Begin(ctx)
	if err != nil {
		mylogger.Error(ctx, t.logger, "Error beginning transaction", zap.Error(err))
		return fmt.Errorf("error beginning transaction: %w", err)
	}
	defer func() {
		cleanupCtx := context.WithoutCancel(ctx)

		if err := tx.Rollback(cleanupCtx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			mylogger.Warn(cleanupCtx, t.logger, "Error rolling back transaction", zap.Error(err))
		}
	}()

	if err := fn(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}
