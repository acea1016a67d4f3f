package domain

import "time"

const (
	EventPaymentCompleted = "PaymentCompleted"
	EventPaymentFailed    = "PaymentFailed"
	EventPaymentRefunded  = "PaymentRefunded"
	EventEscrowHeld       = "EscrowHeld"
	EventEscrowReleased   = "EscrowReleased"
	EventEscrowRefunded   = "EscrowRefunded"

	EventOrderDelivered = "OrderDelivered"
	EventOrderDisputed  = "OrderDisputed"
)

type PaymentCompletedEvent struct {
	PaymentID int64     `json:"payment_id"`
	OrderID   int64     `json:"order_id"`
	UserID    int64     `json:"user_id"`
	Provider  string    `json:"provider"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
	PaidAt    time.Time `json:"paid_at"`
}

type PaymentFailedEvent struct {
	PaymentID int64     `json:"payment_id"`
	OrderID   int64     `json:"order_id"`
	Status    string    `json:"status"`
	Amount    int64     `json:"amount"`
	FailedAt  time.Time `json:"failed_at"`
}

type PaymentRefundedEvent struct {
	PaymentID  int64     `json:"payment_id"`
	OrderID    int64     `json:"order_id"`
	Amount     int64     `json:"amount"`
	RefundID   string    `json:"refund_id"`
	RefundedAt time.Time `json:"refunded_at"`
}

type EscrowEvent struct {
	EscrowID   string    `json:"escrow_id"`
	PaymentID  int64     `json:"payment_id"`
	OrderID    int64     `json:"order_id"`
	SellerID   int64     `json:"seller_id"`
	BuyerID    int64     `json:"buyer_id"`
	Amount     int64     `json:"amount"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Consumed from the order service.

type OrderDeliveredEvent struct {
	OrderID     int64     `json:"order_id"`
	DeliveredAt time.Time `json:"delivered_at"`
}

type OrderDisputedEvent struct {
	OrderID int64  `json:"order_id"`
	Reason  string `json:"reason"`
}
