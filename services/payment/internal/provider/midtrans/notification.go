package midtrans

import (
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"time"

	"github.com/sakashimaa/marketplace-payments/services/payment/internal/domain"
)

// Notification is the HTTP notification body Midtrans posts for a transaction.
type Notification struct {
	TransactionID     string `json:"transaction_id"`
	OrderID           string `json:"order_id"`
	StatusCode        string `json:"status_code"`
	GrossAmount       string `json:"gross_amount"`
	SignatureKey      string `json:"signature_key"`
	TransactionStatus string `json:"transaction_status"`
	FraudStatus       string `json:"fraud_status"`
	PaymentType       string `json:"payment_type"`
	TransactionTime   string `json:"transaction_time"`
	SettlementTime    string `json:"settlement_time"`
}

const timeLayout = "2006-01-02 15:04:05"

var jakarta = time.FixedZone("WIB", 7*60*60)

// Signature is hex(sha512(order_id + status_code + gross_amount + server_key)).
func Signature(orderID, statusCode, grossAmount, serverKey string) string {
	sum := sha512.Sum512([]byte(orderID + statusCode + grossAmount + serverKey))
	return hex.EncodeToString(sum[:])
}

func verifySignature(n Notification, serverKey string) bool {
	expected := Signature(n.OrderID, n.StatusCode, n.GrossAmount, serverKey)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(n.SignatureKey)) == 1
}

// mapStatus returns false for statuses that carry nothing to apply.
func mapStatus(n Notification) (domain.PaymentStatus, bool) {
	switch n.TransactionStatus {
	case "capture":
		switch n.FraudStatus {
		case "challenge":
			return domain.PaymentPending, true
		case "deny":
			return domain.PaymentFailed, true
		default:
			return domain.PaymentCompleted, true
		}
	case "settlement":
		return domain.PaymentCompleted, true
	case "pending", "authorize":
		return domain.PaymentPending, true
	case "deny", "failure":
		return domain.PaymentFailed, true
	case "cancel", "expire":
		return domain.PaymentCancelled, true
	case "refund", "partial_refund":
		return domain.PaymentRefunded, true
	case "chargeback", "partial_chargeback":
		return domain.PaymentDisputed, true
	default:
		return "", false
	}
}

func paidAt(n Notification) *time.Time {
	raw := n.SettlementTime
	if raw == "" {
		raw = n.TransactionTime
	}
	if raw == "" {
		return nil
	}

	t, err := time.ParseInLocation(timeLayout, raw, jakarta)
	if err != nil {
		return nil
	}

	utc := t.UTC()
	return &utc
}
