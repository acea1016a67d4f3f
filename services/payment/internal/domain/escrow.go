package domain

import (
	"time"

	"github.com/google/uuid"
)

type EscrowStatus string

const (
	EscrowHeld     EscrowStatus = "held"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
)

const (
	ReleaseConditionDelivery = "delivery_confirmation"

	ReasonDeliveryConfirmed  = "delivery_confirmed"
	ReasonBuyerDispute       = "buyer_dispute"
	ReasonAutoReleaseExpired = "auto_release_expired"
)

type EscrowTransaction struct {
	ID               uuid.UUID    `json:"id" db:"id"`
	PaymentID        int64        `json:"paymentId" db:"payment_id"`
	OrderID          int64        `json:"orderId" db:"order_id"`
	Amount           int64        `json:"amount" db:"amount"`
	SellerID         int64        `json:"sellerId" db:"seller_id"`
	BuyerID          int64        `json:"buyerId" db:"buyer_id"`
	Status           EscrowStatus `json:"status" db:"status"`
	ReleaseCondition string       `json:"releaseCondition" db:"release_condition"`
	Reason           *string      `json:"reason,omitempty" db:"reason"`
	Version          int64        `json:"version" db:"version"`
	HeldAt           time.Time    `json:"heldAt" db:"held_at"`
	ReleasedAt       *time.Time   `json:"releasedAt,omitempty" db:"released_at"`
	RefundedAt       *time.Time   `json:"refundedAt,omitempty" db:"refunded_at"`
	UpdatedAt        time.Time    `json:"updatedAt" db:"updated_at"`
}

// Info is the snapshot stamped into the owning payment's metadata.
func (e *EscrowTransaction) Info() *EscrowInfo {
	info := &EscrowInfo{
		ID:         e.ID,
		Status:     e.Status,
		HeldAt:     e.HeldAt,
		ReleasedAt: e.ReleasedAt,
		RefundedAt: e.RefundedAt,
	}
	if e.Reason != nil {
		info.Reason = *e.Reason
	}

	return info
}

type WalletEntryKind string

const (
	WalletEntryEscrowRelease WalletEntryKind = "escrow_release"
	WalletEntryEscrowRefund  WalletEntryKind = "escrow_refund"
)

type WalletEntry struct {
	ID        int64           `db:"id"`
	UserID    int64           `db:"user_id"`
	EscrowID  uuid.UUID       `db:"escrow_id"`
	Kind      WalletEntryKind `db:"kind"`
	Amount    int64           `db:"amount"`
	CreatedAt time.Time       `db:"created_at"`
}
