package domain

import "errors"

var (
	ErrOrderAlreadyPaid     = errors.New("order already paid")
	ErrPaymentNotRefundable = errors.New("only completed payments can be refunded")
	ErrInvalidRefundAmount  = errors.New("refund amount must be positive and not exceed the payment amount")
	ErrUnsupportedProvider  = errors.New("unsupported payment provider")
	ErrEscrowNotHeld        = errors.New("escrow transaction is not held")
	ErrInvalidEscrowAmount  = errors.New("escrow amount must be positive")
	ErrAmountMismatch       = errors.New("payment amount must match the order total")
	ErrProviderFailure      = errors.New("payment provider error")
	ErrProviderUnavailable  = errors.New("payment provider temporarily unavailable")
	ErrInvalidSignature     = errors.New("invalid webhook signature")
	ErrInvalidWebhook       = errors.New("invalid webhook payload")
)
