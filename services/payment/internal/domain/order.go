package domain

import "time"

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

type OrderPaymentStatus string

const (
	OrderPaymentPending  OrderPaymentStatus = "pending"
	OrderPaymentPaid     OrderPaymentStatus = "paid"
	OrderPaymentRefunded OrderPaymentStatus = "refunded"
	OrderPaymentFailed   OrderPaymentStatus = "failed"
)

type Order struct {
	ID            int64              `db:"id"`
	BuyerID       int64              `db:"buyer_id"`
	SellerID      int64              `db:"seller_id"`
	Status        OrderStatus        `db:"status"`
	PaymentStatus OrderPaymentStatus `db:"payment_status"`
	TotalAmount   int64              `db:"total_amount"`
	Currency      string             `db:"currency"`

	// joined from users
	BuyerName  string `db:"buyer_name"`
	BuyerEmail string `db:"buyer_email"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}
