package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type PaymentStatus string

const (
	PaymentPending           PaymentStatus = "pending"
	PaymentProcessing        PaymentStatus = "processing"
	PaymentCompleted         PaymentStatus = "completed"
	PaymentRefunding         PaymentStatus = "refunding"
	PaymentFailed            PaymentStatus = "failed"
	PaymentCancelled         PaymentStatus = "cancelled"
	PaymentRefunded          PaymentStatus = "refunded"
	PaymentPartiallyRefunded PaymentStatus = "partially_refunded"
	PaymentDisputed          PaymentStatus = "disputed"
)

// IsTerminal reports whether the provider has settled the payment one way or another.
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentPending, PaymentProcessing:
		return false
	default:
		return true
	}
}

type Provider string

const (
	ProviderMidtrans Provider = "midtrans"
	ProviderStripe   Provider = "stripe"
)

type Payment struct {
	ID                    int64           `json:"id" db:"id"`
	OrderID               int64           `json:"orderId" db:"order_id"`
	UserID                int64           `json:"userId" db:"user_id"`
	Method                string          `json:"method" db:"method"`
	Provider              Provider        `json:"provider" db:"provider"`
	Status                PaymentStatus   `json:"status" db:"status"`
	Amount                int64           `json:"amount" db:"amount"`
	Fee                   int64           `json:"fee" db:"fee"`
	Currency              string          `json:"currency" db:"currency"`
	ProviderTransactionID *string         `json:"providerTransactionId,omitempty" db:"provider_transaction_id"`
	ProviderResponse      json.RawMessage `json:"providerResponse,omitempty" db:"provider_response"`
	Metadata              PaymentMetadata `json:"metadata" db:"metadata"`
	FailureReason         *string         `json:"failureReason,omitempty" db:"failure_reason"`
	RefundedAmount        int64           `json:"refundedAmount" db:"refunded_amount"`
	RefundedAt            *time.Time      `json:"refundedAt,omitempty" db:"refunded_at"`
	PaidAt                *time.Time      `json:"paidAt,omitempty" db:"paid_at"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// PaymentMetadata is the per-payment bookkeeping persisted next to the row.
// Escrow and Refund are set only once the matching side effect happened.
type PaymentMetadata struct {
	UseEscrow   bool        `json:"useEscrow"`
	SellerID    int64       `json:"sellerId,omitempty"`
	Description string      `json:"description,omitempty"`
	PaymentURL  string      `json:"paymentUrl,omitempty"`
	RedirectURL string      `json:"redirectUrl,omitempty"`
	Escrow      *EscrowInfo `json:"escrow,omitempty"`
	Refund      *RefundInfo `json:"refund,omitempty"`
}

type EscrowInfo struct {
	ID         uuid.UUID    `json:"id"`
	Status     EscrowStatus `json:"status"`
	HeldAt     time.Time    `json:"heldAt"`
	ReleasedAt *time.Time   `json:"releasedAt,omitempty"`
	RefundedAt *time.Time   `json:"refundedAt,omitempty"`
	Reason     string       `json:"reason,omitempty"`
}

type RefundInfo struct {
	RefundID   string    `json:"refundId"`
	Amount     int64     `json:"amount"`
	RefundedAt time.Time `json:"refundedAt"`
}

// DecodeMetadata rejects unknown keys so stray ad hoc fields cannot creep back in.
func DecodeMetadata(raw []byte) (PaymentMetadata, error) {
	var m PaymentMetadata
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return m, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return PaymentMetadata{}, fmt.Errorf("decode payment metadata: %w", err)
	}

	return m, nil
}

func (m PaymentMetadata) Encode() ([]byte, error) {
	return json.Marshal(m)
}
