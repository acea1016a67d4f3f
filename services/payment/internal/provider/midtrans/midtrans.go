package midtrans

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sakashimaa/marketplace-payments/pkg/mylogger"
	"github.com/sakashimaa/marketplace-payments/pkg/utils"
	"github.com/sakashimaa/marketplace-payments/services/payment/internal/domain"
	"github.com/sakashimaa/marketplace-payments/services/payment/internal/provider"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type Config struct {
	ServerKey string
	SnapURL   string
	APIURL    string
	Timeout   time.Duration
	Breaker   utils.BreakerSettings
}

type Adapter struct {
	cfg    Config
	http   *http.Client
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

func New(cfg Config, httpClient *http.Client, logger *zap.Logger) *Adapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Adapter{
		cfg:    cfg,
		http:   httpClient,
		cb:     utils.NewBreaker("midtrans", cfg.Breaker, logger),
		logger: logger,
		tracer: otel.Tracer("provider/midtrans"),
		now:    time.Now,
	}
}

func (a *Adapter) Name() domain.Provider {
	return domain.ProviderMidtrans
}

type snapRequest struct {
	TransactionDetails transactionDetails `json:"transaction_details"`
	CustomerDetails    *customerDetails   `json:"customer_details,omitempty"`
	ItemDetails        []itemDetails      `json:"item_details,omitempty"`
}

type transactionDetails struct {
	OrderID     string `json:"order_id"`
	GrossAmount int64  `json:"gross_amount"`
}

type customerDetails struct {
	FirstName string `json:"first_name,omitempty"`
	Email     string `json:"email,omitempty"`
}

type itemDetails struct {
	ID       string `json:"id"`
	Price    int64  `json:"price"`
	Quantity int    `json:"quantity"`
	Name     string `json:"name"`
}

type snapResponse struct {
	Token         string   `json:"token"`
	RedirectURL   string   `json:"redirect_url"`
	ErrorMessages []string `json:"error_messages"`
}

func (a *Adapter) CreatePayment(ctx context.Context, req provider.ChargeRequest) (*provider.ChargeResult, error) {
	ctx, span := a.tracer.Start(ctx, "Midtrans.CreatePayment")
	defer span.End()

	transactionID := fmt.Sprintf("PAY-%d-%d", req.PaymentID, a.now().UnixNano())
	span.SetAttributes(attribute.String("provider_transaction_id", transactionID))

	name := req.Description
	if name == "" {
		name = fmt.Sprintf("Order #%d", req.OrderID)
	}

	body := snapRequest{
		TransactionDetails: transactionDetails{
			OrderID:     transactionID,
			GrossAmount: req.Amount,
		},
		ItemDetails: []itemDetails{{
			ID:       strconv.FormatInt(req.OrderID, 10),
			Price:    req.Amount,
			Quantity: 1,
			Name:     truncate(name, 50),
		}},
	}
	if req.Customer.Name != "" || req.Customer.Email != "" {
		body.CustomerDetails = &customerDetails{FirstName: req.Customer.Name, Email: req.Customer.Email}
	}

	raw, status, err := a.post(ctx, a.cfg.SnapURL+"/snap/v1/transactions", body)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var out snapResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: midtrans snap: decode response: %v", domain.ErrProviderFailure, err)
	}

	if status >= http.StatusMultipleChoices || len(out.ErrorMessages) > 0 || out.Token == "" {
		msg := strings.Join(out.ErrorMessages, "; ")
		if msg == "" {
			msg = http.StatusText(status)
		}

		mylogger.Warn(ctx, a.logger, "Midtrans snap rejected transaction",
			zap.Int("http_status", status),
			zap.String("message", msg),
		)

		return nil, fmt.Errorf("%w: midtrans snap: %s", domain.ErrProviderFailure, msg)
	}

	return &provider.ChargeResult{
		TransactionID: transactionID,
		PaymentURL:    out.RedirectURL,
		RedirectURL:   out.RedirectURL,
		Response:      raw,
	}, nil
}

func (a *Adapter) HandleWebhook(ctx context.Context, req provider.WebhookRequest) (*provider.WebhookResult, error) {
	ctx, span := a.tracer.Start(ctx, "Midtrans.HandleWebhook")
	defer span.End()

	var n Notification
	if err := json.Unmarshal(req.Body, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidWebhook, err)
	}

	if n.OrderID == "" || n.SignatureKey == "" {
		return nil, fmt.Errorf("%w: missing order_id or signature_key", domain.ErrInvalidWebhook)
	}

	if !verifySignature(n, a.cfg.ServerKey) {
		mylogger.Warn(ctx, a.logger, "Midtrans signature mismatch", zap.String("order_id", n.OrderID))
		return nil, domain.ErrInvalidSignature
	}

	span.SetAttributes(
		attribute.String("provider_transaction_id", n.OrderID),
		attribute.String("transaction_status", n.TransactionStatus),
	)

	status, ok := mapStatus(n)
	if !ok {
		mylogger.Info(ctx, a.logger, "Midtrans notification ignored",
			zap.String("order_id", n.OrderID),
			zap.String("transaction_status", n.TransactionStatus),
		)

		return nil, nil
	}

	result := &provider.WebhookResult{
		TransactionID: n.OrderID,
		Status:        status,
		Response:      append(json.RawMessage(nil), req.Body...),
	}
	if status == domain.PaymentCompleted {
		result.PaidAt = paidAt(n)
	}

	return result, nil
}

type refundRequest struct {
	RefundKey string `json:"refund_key"`
	Amount    int64  `json:"amount"`
	Reason    string `json:"reason,omitempty"`
}

type refundResponse struct {
	StatusCode         string `json:"status_code"`
	StatusMessage      string `json:"status_message"`
	RefundKey          string `json:"refund_key"`
	RefundChargebackID int64  `json:"refund_chargeback_id"`
}

func (a *Adapter) RefundPayment(ctx context.Context, transactionID string, amount int64) (*provider.RefundResult, error) {
	ctx, span := a.tracer.Start(ctx, "Midtrans.RefundPayment")
	defer span.End()

	span.SetAttributes(
		attribute.String("provider_transaction_id", transactionID),
		attribute.Int64("amount", amount),
	)

	body := refundRequest{
		RefundKey: fmt.Sprintf("RF-%s-%d", transactionID, a.now().UnixNano()),
		Amount:    amount,
		Reason:    "refund requested",
	}

	endpoint := fmt.Sprintf("%s/v2/%s/refund", a.cfg.APIURL, url.PathEscape(transactionID))

	raw, status, err := a.post(ctx, endpoint, body)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var out refundResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: midtrans refund: decode response: %v", domain.ErrProviderFailure, err)
	}

	if status >= http.StatusMultipleChoices || (out.StatusCode != "200" && out.StatusCode != "201") {
		return nil, fmt.Errorf("%w: midtrans refund: %s %s", domain.ErrProviderFailure, out.StatusCode, out.StatusMessage)
	}

	refundID := out.RefundKey
	if refundID == "" {
		refundID = body.RefundKey
	}
	if out.RefundChargebackID != 0 {
		refundID = strconv.FormatInt(out.RefundChargebackID, 10)
	}

	return &provider.RefundResult{RefundID: refundID, Response: raw}, nil
}

// post sends body through the breaker. Any response with a body is handed
// back with its status; only transport failures and 5xx count against the breaker.
func (a *Adapter) post(ctx context.Context, endpoint string, body any) ([]byte, int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, 0, err
	}

	type reply struct {
		body   []byte
		status int
	}

	res, err := utils.ExecuteWithBreaker(a.cb, func() (reply, error) {
		ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return reply{}, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(a.cfg.ServerKey+":")))

		resp, err := a.http.Do(req)
		if err != nil {
			return reply{}, err
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return reply{}, err
		}

		if resp.StatusCode >= http.StatusInternalServerError {
			return reply{}, fmt.Errorf("midtrans returned %d: %s", resp.StatusCode, truncate(string(raw), 200))
		}

		return reply{body: raw, status: resp.StatusCode}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, 0, fmt.Errorf("%w: midtrans: %v", domain.ErrProviderUnavailable, err)
		}

		return nil, 0, fmt.Errorf("%w: %v", domain.ErrProviderFailure, err)
	}

	return res.body, res.status, nil
}

// truncate keeps at most n runes of s.
func truncate(s string, n int) string {
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}

	return s
}
