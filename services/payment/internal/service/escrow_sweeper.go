package service

import (
	"context"
	"time"

	"github.com/sakashimaa/marketplace-payments/pkg/mylogger"
	"go.uber.org/zap"
)

const defaultSweepInterval = time.Hour

type EscrowSweeper struct {
	ledger   EscrowLedger
	interval time.Duration
	logger   *zap.Logger
}

func NewEscrowSweeper(ledger EscrowLedger, interval time.Duration, logger *zap.Logger) *EscrowSweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}

	return &EscrowSweeper{ledger: ledger, interval: interval, logger: logger}
}

// Start blocks until ctx is cancelled.
func (s *EscrowSweeper) Start(ctx context.Context) {
	mylogger.Info(ctx, s.logger, "Starting escrow sweeper", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			mylogger.Info(ctx, s.logger, "Escrow sweeper stopping")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *EscrowSweeper) sweep(ctx context.Context) {
	n, err := s.ledger.AutoReleaseExpired(ctx)
	if err != nil {
		mylogger.Error(ctx, s.logger, "Escrow sweep failed", zap.Error(err))
		return
	}

	mylogger.Debug(ctx, s.logger, "Escrow sweep finished", zap.Int("released", n))
}
