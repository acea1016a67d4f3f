package utils

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sakashimaa/marketplace-payments/pkg/db"
	"github.com/sakashimaa/marketplace-payments/pkg/mylogger"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	actionAttempts = 3
	retryDelay     = 500 * time.Millisecond
)

// ProcessWithDeduplication records (consumer, eventID) in processed_events
// and runs action at most once per pair. The marker is committed only when
// action succeeds, so a failed action leaves the event to be redelivered.
func ProcessWithDeduplication(
	ctx context.Context,
	transactor db.Transactor,
	logger *zap.Logger,
	consumer string,
	eventID int64,
	action func(ctx context.Context) error,
) error {
	span := trace.SpanFromContext(ctx)

	return transactor.WithinTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		query := `
			INSERT INTO processed_events (consumer, event_id)
			VALUES ($1, $2)
		`

		if _, err := tx.Exec(ctx, query, consumer, eventID); err != nil {
			var pgError *pgconn.PgError
			if errors.As(err, &pgError) && pgError.Code == "23505" {
				mylogger.Info(
					ctx,
					logger,
					"Event already processed, skipping",
					zap.String("consumer", consumer),
					zap.Int64("event_id", eventID),
				)

				return nil
			}

			span.RecordError(err)
			return err
		}

		var err error
		for i := 0; i < actionAttempts; i++ {
			if err = action(ctx); err == nil {
				return nil
			}

			if i < actionAttempts-1 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(retryDelay):
				}
			}
		}

		mylogger.Error(ctx, logger, "Event action failed after retries", zap.Int64("event_id", eventID), zap.Error(err))

		return fmt.Errorf("process event %d: %w", eventID, err)
	})
}
