package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sakashimaa/marketplace-payments/services/payment/internal/domain"
)

type Customer struct {
	Name  string
	Email string
}

type ChargeRequest struct {
	PaymentID   int64
	OrderID     int64
	Amount      int64
	Currency    string
	Method      string
	Description string
	Customer    Customer
}

type ChargeResult struct {
	TransactionID string
	PaymentURL    string
	RedirectURL   string
	Response      json.RawMessage
}

type WebhookRequest struct {
	Body   []byte
	Header http.Header
}

// WebhookResult is the gateway notification mapped onto PaymentStatus.
type WebhookResult struct {
	TransactionID string
	Status        domain.PaymentStatus
	PaidAt        *time.Time
	Response      json.RawMessage
}

type RefundResult struct {
	RefundID string
	Response json.RawMessage
}

// Provider is one payment gateway. HandleWebhook returns a nil result
// for authentic notifications that carry nothing to apply.
type Provider interface {
	Name() domain.Provider
	CreatePayment(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	HandleWebhook(ctx context.Context, req WebhookRequest) (*WebhookResult, error)
	RefundPayment(ctx context.Context, transactionID string, amount int64) (*RefundResult, error)
}

type Registry struct {
	providers map[domain.Provider]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[domain.Provider]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}

	return r
}

func (r *Registry) Get(name domain.Provider) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedProvider, name)
	}

	return p, nil
}
