package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/sakashimaa/marketplace-payments/pkg/mylogger"
	"github.com/sakashimaa/marketplace-payments/pkg/utils"
	"github.com/sakashimaa/marketplace-payments/services/payment/internal/domain"
	"github.com/sakashimaa/marketplace-payments/services/payment/internal/provider"
	"github.com/sony/gobreaker"
	stripego "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const signatureHeader = "Stripe-Signature"

var ErrMissingWebhookSecret = errors.New("stripe webhook secret is required")

type Config struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
	Currency      string
	Timeout       time.Duration
	Breaker       utils.BreakerSettings
}

// API is the slice of the Stripe SDK the adapter calls.
type API interface {
	NewCheckoutSession(params *stripego.CheckoutSessionParams) (*stripego.CheckoutSession, error)
	GetCheckoutSession(id string, params *stripego.CheckoutSessionParams) (*stripego.CheckoutSession, error)
	NewRefund(params *stripego.RefundParams) (*stripego.Refund, error)
}

type sdkAPI struct {
	sc *client.API
}

func NewSDK(secretKey string) API {
	return &sdkAPI{sc: client.New(secretKey, nil)}
}

func (s *sdkAPI) NewCheckoutSession(params *stripego.CheckoutSessionParams) (*stripego.CheckoutSession, error) {
	return s.sc.CheckoutSessions.New(params)
}

func (s *sdkAPI) GetCheckoutSession(id string, params *stripego.CheckoutSessionParams) (*stripego.CheckoutSession, error) {
	return s.sc.CheckoutSessions.Get(id, params)
}

func (s *sdkAPI) NewRefund(params *stripego.RefundParams) (*stripego.Refund, error) {
	return s.sc.Refunds.New(params)
}

type Adapter struct {
	cfg    Config
	api    API
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger
	tracer trace.Tracer
}

// New refuses an empty webhook secret: the SDK would otherwise accept
// payloads signed with an empty key.
func New(cfg Config, api API, logger *zap.Logger) (*Adapter, error) {
	if cfg.WebhookSecret == "" {
		return nil, ErrMissingWebhookSecret
	}
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	return &Adapter{
		cfg:    cfg,
		api:    api,
		cb:     utils.NewBreaker("stripe", cfg.Breaker, logger),
		logger: logger,
		tracer: otel.Tracer("provider/stripe"),
	}, nil
}

func (a *Adapter) Name() domain.Provider {
	return domain.ProviderStripe
}

func (a *Adapter) CreatePayment(ctx context.Context, req provider.ChargeRequest) (*provider.ChargeResult, error) {
	ctx, span := a.tracer.Start(ctx, "Stripe.CreatePayment")
	defer span.End()

	currency := req.Currency
	if currency == "" {
		currency = a.cfg.Currency
	}

	name := req.Description
	if name == "" {
		name = fmt.Sprintf("Order #%d", req.OrderID)
	}

	params := &stripego.CheckoutSessionParams{
		Mode:              stripego.String(string(stripego.CheckoutSessionModePayment)),
		ClientReferenceID: stripego.String(strconv.FormatInt(req.PaymentID, 10)),
		SuccessURL:        stripego.String(a.cfg.SuccessURL),
		CancelURL:         stripego.String(a.cfg.CancelURL),
		LineItems: []*stripego.CheckoutSessionLineItemParams{{
			PriceData: &stripego.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripego.String(currency),
				UnitAmount: stripego.Int64(req.Amount),
				ProductData: &stripego.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripego.String(name),
				},
			},
			Quantity: stripego.Int64(1),
		}},
	}
	if req.Customer.Email != "" {
		params.CustomerEmail = stripego.String(req.Customer.Email)
	}
	params.AddMetadata("payment_id", strconv.FormatInt(req.PaymentID, 10))
	params.AddMetadata("order_id", strconv.FormatInt(req.OrderID, 10))

	session, err := call(ctx, a, func(ctx context.Context) (*stripego.CheckoutSession, error) {
		params.Context = ctx
		return a.api.NewCheckoutSession(params)
	})
	if err != nil {
		span.RecordError(err)
		mylogger.Warn(ctx, a.logger, "Stripe checkout session failed", zap.Int64("payment_id", req.PaymentID), zap.Error(err))

		return nil, err
	}

	span.SetAttributes(attribute.String("provider_transaction_id", session.ID))

	raw, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("%w: stripe: encode session: %v", domain.ErrProviderFailure, err)
	}

	return &provider.ChargeResult{
		TransactionID: session.ID,
		PaymentURL:    session.URL,
		RedirectURL:   session.URL,
		Response:      raw,
	}, nil
}

func (a *Adapter) HandleWebhook(ctx context.Context, req provider.WebhookRequest) (*provider.WebhookResult, error) {
	ctx, span := a.tracer.Start(ctx, "Stripe.HandleWebhook")
	defer span.End()

	if a.cfg.WebhookSecret == "" {
		return nil, fmt.Errorf("%w: webhook secret not configured", domain.ErrInvalidSignature)
	}

	event, err := webhook.ConstructEventWithOptions(
		req.Body,
		req.Header.Get(signatureHeader),
		a.cfg.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true},
	)
	if err != nil {
		mylogger.Warn(ctx, a.logger, "Stripe signature verification failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidSignature, err)
	}

	span.SetAttributes(
		attribute.String("event_id", event.ID),
		attribute.String("event_type", string(event.Type)),
	)

	var status domain.PaymentStatus
	switch event.Type {
	case "checkout.session.completed":
		status = domain.PaymentPending
	case "checkout.session.async_payment_succeeded":
		status = domain.PaymentCompleted
	case "checkout.session.async_payment_failed":
		status = domain.PaymentFailed
	case "checkout.session.expired":
		status = domain.PaymentCancelled
	default:
		mylogger.Info(ctx, a.logger, "Stripe event ignored",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
		)

		return nil, nil
	}

	if event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: event %s has no data", domain.ErrInvalidWebhook, event.ID)
	}

	var session stripego.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidWebhook, err)
	}

	if event.Type == "checkout.session.completed" && session.PaymentStatus == stripego.CheckoutSessionPaymentStatusPaid {
		status = domain.PaymentCompleted
	}

	result := &provider.WebhookResult{
		TransactionID: session.ID,
		Status:        status,
		Response:      append(json.RawMessage(nil), event.Data.Raw...),
	}
	if status == domain.PaymentCompleted {
		paid := time.Unix(event.Created, 0).UTC()
		result.PaidAt = &paid
	}

	return result, nil
}

func (a *Adapter) RefundPayment(ctx context.Context, transactionID string, amount int64) (*provider.RefundResult, error) {
	ctx, span := a.tracer.Start(ctx, "Stripe.RefundPayment")
	defer span.End()

	span.SetAttributes(
		attribute.String("provider_transaction_id", transactionID),
		attribute.Int64("amount", amount),
	)

	session, err := call(ctx, a, func(ctx context.Context) (*stripego.CheckoutSession, error) {
		params := &stripego.CheckoutSessionParams{}
		params.Context = ctx
		return a.api.GetCheckoutSession(transactionID, params)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if session.PaymentIntent == nil || session.PaymentIntent.ID == "" {
		return nil, fmt.Errorf("%w: stripe: session %s has no payment intent", domain.ErrProviderFailure, transactionID)
	}

	refund, err := call(ctx, a, func(ctx context.Context) (*stripego.Refund, error) {
		params := &stripego.RefundParams{
			PaymentIntent: stripego.String(session.PaymentIntent.ID),
			Amount:        stripego.Int64(amount),
		}
		params.Context = ctx
		return a.api.NewRefund(params)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	raw, err := json.Marshal(refund)
	if err != nil {
		return nil, fmt.Errorf("%w: stripe: encode refund: %v", domain.ErrProviderFailure, err)
	}

	return &provider.RefundResult{RefundID: refund.ID, Response: raw}, nil
}

type outcome[T any] struct {
	value     T
	clientErr error
}

// call runs fn through the breaker with a deadline. Stripe 4xx errors are
// returned to the caller without counting as breaker failures.
func call[T any](ctx context.Context, a *Adapter, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	res, err := utils.ExecuteWithBreaker(a.cb, func() (outcome[T], error) {
		ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()

		v, err := fn(ctx)
		if err != nil {
			var stripeErr *stripego.Error
			if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode > 0 && stripeErr.HTTPStatusCode < http.StatusInternalServerError {
				return outcome[T]{clientErr: err}, nil
			}

			return outcome[T]{}, err
		}

		return outcome[T]{value: v}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, fmt.Errorf("%w: stripe: %v", domain.ErrProviderUnavailable, err)
		}

		return zero, fmt.Errorf("%w: stripe: %v", domain.ErrProviderFailure, err)
	}

	if res.clientErr != nil {
		return zero, fmt.Errorf("%w: stripe: %v", domain.ErrProviderFailure, res.clientErr)
	}

	return res.value, nil
}
