package repository

import "errors"

var (
	ErrOrderNotFound        = errors.New("order not found")
	ErrPaymentNotFound      = errors.New("payment not found")
	ErrEscrowNotFound       = errors.New("escrow transaction not found")
	ErrUserNotFound         = errors.New("user not found")
	ErrEscrowStateConflict  = errors.New("escrow transaction changed concurrently")
	ErrEscrowAlreadyExists  = errors.New("escrow already exists for payment")
	ErrDuplicateWalletEntry = errors.New("wallet entry already recorded")
)

const uniqueViolation = "23505"
