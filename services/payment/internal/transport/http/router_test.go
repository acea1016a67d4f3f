package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sakashimaa/marketplace-payments/services/payment/internal/domain"
	"github.com/sakashimaa/marketplace-payments/services/payment/internal/provider"
	"github.com/sakashimaa/marketplace-payments/services/payment/internal/repository"
	"github.com/sakashimaa/marketplace-payments/services/payment/internal/service"
	"github.com/sakashimaa/marketplace-payments/services/payment/internal/transport/http/handler"
	"github.com/sakashimaa/marketplace-payments/services/payment/internal/transport/http/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const secret = "router-secret"

type fakePayments struct {
	created    service.CreatePaymentInput
	webhookReq provider.WebhookRequest
	webhookFor domain.Provider
	refundArgs [2]int64
	payment    *domain.Payment
	err        error
}

func (f *fakePayments) CreatePayment(_ context.Context, in service.CreatePaymentInput) (*domain.Payment, error) {
	f.created = in
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Payment{ID: 1, OrderID: in.OrderID, UserID: in.UserID, Status: domain.PaymentPending, Amount: in.Amount}, nil
}

func (f *fakePayments) HandleWebhook(_ context.Context, name domain.Provider, req provider.WebhookRequest) (*domain.Payment, error) {
	f.webhookFor = name
	f.webhookReq = req
	return f.payment, f.err
}

func (f *fakePayments) RefundPayment(_ context.Context, paymentID, amount int64) (*domain.Payment, error) {
	f.refundArgs = [2]int64{paymentID, amount}
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Payment{ID: paymentID, Status: domain.PaymentRefunded, RefundedAmount: amount}, nil
}

func (f *fakePayments) ListPayments(_ context.Context, userID int64, limit, offset int) ([]domain.Payment, int64, error) {
	return []domain.Payment{{ID: 3, UserID: userID}}, 1, f.err
}

func (f *fakePayments) GetPayment(_ context.Context, paymentID, userID int64) (*domain.Payment, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Payment{ID: paymentID, UserID: userID}, nil
}

type fakeLedger struct {
	reason   string
	released int
	err      error
}

func (f *fakeLedger) HoldFunds(context.Context, service.HoldRequest) (*domain.EscrowTransaction, error) {
	return nil, nil
}

func (f *fakeLedger) HoldFundsTx(context.Context, pgx.Tx, service.HoldRequest) (*domain.EscrowTransaction, error) {
	return nil, nil
}

func (f *fakeLedger) ReleaseFunds(_ context.Context, id uuid.UUID, reason string) (*domain.EscrowTransaction, error) {
	f.reason = reason
	if f.err != nil {
		return nil, f.err
	}
	return &domain.EscrowTransaction{ID: id, Status: domain.EscrowReleased}, nil
}

func (f *fakeLedger) RefundFunds(_ context.Context, id uuid.UUID, reason string) (*domain.EscrowTransaction, error) {
	f.reason = reason
	if f.err != nil {
		return nil, f.err
	}
	return &domain.EscrowTransaction{ID: id, Status: domain.EscrowRefunded}, nil
}

func (f *fakeLedger) ReleaseForOrder(context.Context, int64, string) (*domain.EscrowTransaction, error) {
	return nil, nil
}

func (f *fakeLedger) RefundForOrder(context.Context, int64, string) (*domain.EscrowTransaction, error) {
	return nil, nil
}

func (f *fakeLedger) AutoReleaseExpired(context.Context) (int, error) {
	return f.released, f.err
}

func (f *fakeLedger) Get(_ context.Context, id uuid.UUID) (*domain.EscrowTransaction, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &domain.EscrowTransaction{ID: id, Status: domain.EscrowHeld, Amount: 100}, nil
}

type env struct {
	app      *fiber.App
	payments *fakePayments
	ledger   *fakeLedger
	buyer    string
	admin    string
}

func newEnv(t *testing.T, cfg AppConfig) *env {
	t.Helper()

	e := &env{payments: &fakePayments{}, ledger: &fakeLedger{}}
	e.app = NewApp(cfg)

	logger := zap.NewNop()
	RegisterRoutes(e.app, &Handlers{
		Payment: handler.NewPaymentHandler(e.payments, validator.New(), logger),
		Webhook: handler.NewWebhookHandler(e.payments, logger),
		Escrow:  handler.NewEscrowHandler(e.ledger, logger),
		Health:  handler.NewHealthHandler(nil),
	}, secret)

	var err error
	e.buyer, err = middleware.GenerateToken(secret, 10, "buyer", time.Minute)
	require.NoError(t, err)
	e.admin, err = middleware.GenerateToken(secret, 1, middleware.RoleAdmin, time.Minute)
	require.NoError(t, err)

	return e
}

func (e *env) do(t *testing.T, method, path, token, body string, headers ...string) (int, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := e.app.Test(req)
	require.NoError(t, err)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var out map[string]any
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}

	return resp.StatusCode, out
}

func TestHealth(t *testing.T) {
	e := newEnv(t, AppConfig{})

	status, body := e.do(t, "GET", "/health", "", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestCreatePayment(t *testing.T) {
	e := newEnv(t, AppConfig{})

	status, _ := e.do(t, "POST", "/payments", "", `{"orderId":1}`)
	assert.Equal(t, fiber.StatusUnauthorized, status)

	status, body := e.do(t, "POST", "/payments", e.buyer,
		`{"orderId":1,"method":"bank_transfer","provider":"midtrans","amount":100000,"useEscrow":true}`)
	require.Equal(t, fiber.StatusCreated, status)
	assert.Equal(t, float64(1), body["orderId"])

	assert.Equal(t, int64(10), e.payments.created.UserID)
	assert.Equal(t, domain.ProviderMidtrans, e.payments.created.Provider)
	assert.True(t, e.payments.created.UseEscrow)
}

func TestCreatePayment_Validation(t *testing.T) {
	e := newEnv(t, AppConfig{})

	status, body := e.do(t, "POST", "/payments", e.buyer, `{"orderId":0,"provider":"midtrans","amount":-5,"currency":"RUPIAH"}`)
	require.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "validation failed", body["error"])

	fields, ok := body["fields"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, fields, "orderid")
	assert.Contains(t, fields, "method")
	assert.Contains(t, fields, "amount")
	assert.Contains(t, fields, "currency")

	status, _ = e.do(t, "POST", "/payments", e.buyer, `{not json`)
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: order 1", domain.ErrOrderAlreadyPaid), fiber.StatusConflict},
		{repository.ErrOrderNotFound, fiber.StatusNotFound},
		{domain.ErrUnsupportedProvider, fiber.StatusBadRequest},
		{fmt.Errorf("%w: got 1, order total 100000", domain.ErrAmountMismatch), fiber.StatusBadRequest},
		{fmt.Errorf("%w: midtrans: boom", domain.ErrProviderFailure), fiber.StatusBadGateway},
		{fmt.Errorf("%w: stripe: circuit breaker is open", domain.ErrProviderUnavailable), fiber.StatusServiceUnavailable},
		{fmt.Errorf("pgx: closed pool"), fiber.StatusInternalServerError},
	}

	for _, tc := range cases {
		e := newEnv(t, AppConfig{})
		e.payments.err = tc.err

		status, body := e.do(t, "POST", "/payments", e.buyer,
			`{"orderId":1,"method":"card","provider":"stripe","amount":10}`)
		assert.Equal(t, tc.want, status, tc.err.Error())
		if tc.want == fiber.StatusInternalServerError {
			assert.Equal(t, "internal error", body["error"])
		} else {
			assert.Contains(t, body["error"], tc.err.Error())
		}
	}
}

func TestListAndGetPayments(t *testing.T) {
	e := newEnv(t, AppConfig{})

	status, body := e.do(t, "GET", "/payments?limit=5", e.buyer, "")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, float64(1), body["total"])
	assert.Equal(t, float64(5), body["limit"])

	status, body = e.do(t, "GET", "/payments/7", e.buyer, "")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, float64(7), body["id"])

	status, _ = e.do(t, "GET", "/payments/abc", e.buyer, "")
	assert.Equal(t, fiber.StatusBadRequest, status)

	e.payments.err = repository.ErrPaymentNotFound
	status, _ = e.do(t, "GET", "/payments/8", e.buyer, "")
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestWebhooks(t *testing.T) {
	e := newEnv(t, AppConfig{})

	e.payments.payment = &domain.Payment{ID: 1, Status: domain.PaymentCompleted}
	status, body := e.do(t, "POST", "/payments/webhook/midtrans", "", `{"order_id":"T1"}`)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, domain.ProviderMidtrans, e.payments.webhookFor)
	assert.JSONEq(t, `{"order_id":"T1"}`, string(e.payments.webhookReq.Body))

	e.payments.payment = nil
	status, body = e.do(t, "POST", "/payments/webhook/stripe", "", `{"type":"customer.created"}`,
		"Stripe-Signature", "t=1,v1=abc")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "ignored", body["status"])
	assert.Equal(t, domain.ProviderStripe, e.payments.webhookFor)
	assert.Equal(t, "t=1,v1=abc", e.payments.webhookReq.Header.Get("Stripe-Signature"))

	e.payments.err = domain.ErrInvalidSignature
	status, _ = e.do(t, "POST", "/payments/webhook/midtrans", "", `{}`)
	assert.Equal(t, fiber.StatusUnauthorized, status)

	e.payments.err = repository.ErrPaymentNotFound
	status, _ = e.do(t, "POST", "/payments/webhook/midtrans", "", `{}`)
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestRefundRequiresAdmin(t *testing.T) {
	e := newEnv(t, AppConfig{})

	status, _ := e.do(t, "POST", "/payments/4/refund", e.buyer, "")
	assert.Equal(t, fiber.StatusForbidden, status)

	status, body := e.do(t, "POST", "/payments/4/refund?amount=2500", e.admin, "")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "refunded", body["status"])
	assert.Equal(t, [2]int64{4, 2500}, e.payments.refundArgs)

	status, _ = e.do(t, "POST", "/payments/4/refund?amount=abc", e.admin, "")
	assert.Equal(t, fiber.StatusBadRequest, status)

	e.payments.err = domain.ErrPaymentNotRefundable
	status, _ = e.do(t, "POST", "/payments/4/refund", e.admin, "")
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestEscrowRoutes(t *testing.T) {
	e := newEnv(t, AppConfig{})
	id := uuid.New()

	status, _ := e.do(t, "GET", "/escrow/"+id.String(), e.buyer, "")
	assert.Equal(t, fiber.StatusForbidden, status)

	status, body := e.do(t, "GET", "/escrow/"+id.String(), e.admin, "")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, id.String(), body["id"])

	status, _ = e.do(t, "GET", "/escrow/not-a-uuid", e.admin, "")
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, body = e.do(t, "POST", "/escrow/"+id.String()+"/release", e.admin, `{"reason":"manual"}`)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "released", body["status"])
	assert.Equal(t, "manual", e.ledger.reason)

	status, body = e.do(t, "POST", "/escrow/"+id.String()+"/refund", e.admin, "")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "refunded", body["status"])
	assert.Empty(t, e.ledger.reason)

	e.ledger.released = 2
	status, body = e.do(t, "POST", "/escrow/auto-release", e.admin, "")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, float64(2), body["released"])

	e.ledger.err = domain.ErrEscrowNotHeld
	status, _ = e.do(t, "POST", "/escrow/"+id.String()+"/release", e.admin, "")
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestLimiter(t *testing.T) {
	e := newEnv(t, AppConfig{LimiterMax: 2, LimiterExpiration: time.Minute})

	for i := 0; i < 2; i++ {
		status, _ := e.do(t, "GET", "/health", "", "")
		require.Equal(t, fiber.StatusOK, status)
	}

	status, body := e.do(t, "GET", "/health", "", "")
	assert.Equal(t, fiber.StatusTooManyRequests, status)
	assert.Contains(t, body["error"], "Too many requests")
}

func TestLimiterSkipsWebhooks(t *testing.T) {
	e := newEnv(t, AppConfig{LimiterMax: 2, LimiterExpiration: time.Minute})
	e.payments.payment = &domain.Payment{ID: 1, Status: domain.PaymentCompleted}

	for i := 0; i < 5; i++ {
		status, body := e.do(t, "POST", "/payments/webhook/midtrans", "", `{"order_id":"T1"}`)
		require.Equal(t, fiber.StatusOK, status)
		require.Equal(t, "ok", body["status"])
	}

	for i := 0; i < 2; i++ {
		status, _ := e.do(t, "GET", "/health", "", "")
		require.Equal(t, fiber.StatusOK, status)
	}

	status, _ := e.do(t, "GET", "/health", "", "")
	assert.Equal(t, fiber.StatusTooManyRequests, status)
}
