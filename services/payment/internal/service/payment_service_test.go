package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sakashimaa/marketplace-payments/services/payment/internal/domain"
	"github.com/sakashimaa/marketplace-payments/services/payment/internal/provider"
	"github.com/sakashimaa/marketplace-payments/services/payment/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	buyerID  int64 = 10
	sellerID int64 = 20
)

type fixture struct {
	st       *store
	midtrans *fakeProvider
	svc      PaymentService
	ledger   EscrowLedger
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st := newStore()
	st.addUser(buyerID, 0)
	st.addUser(sellerID, 0)
	st.addOrder(domain.Order{
		ID:            1,
		BuyerID:       buyerID,
		SellerID:      sellerID,
		Status:        domain.OrderStatusPending,
		PaymentStatus: domain.OrderPaymentPending,
		TotalAmount:   100000,
		Currency:      "IDR",
		BuyerEmail:    "buyer@example.com",
	})

	midtrans := &fakeProvider{
		name: domain.ProviderMidtrans,
		charge: &provider.ChargeResult{
			TransactionID: "T1",
			PaymentURL:    "https://app.sandbox.midtrans.com/snap/v4/redirection/tok",
			RedirectURL:   "https://app.sandbox.midtrans.com/snap/v4/redirection/tok",
			Response:      json.RawMessage(`{"token":"tok"}`),
		},
		refund: &provider.RefundResult{RefundID: "R1", Response: json.RawMessage(`{}`)},
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	ledger := NewEscrowLedger(
		fakeTransactor{},
		fakeEscrows{st},
		fakePayments{st},
		fakeWallets{st},
		fakeOutbox{st},
		nil,
		zap.NewNop(),
		EscrowOptions{Now: clock},
	)

	svc := NewPaymentService(
		fakeTransactor{},
		fakeOrders{st},
		fakePayments{st},
		fakeOutbox{st},
		provider.NewRegistry(midtrans),
		ledger,
		nil,
		zap.NewNop(),
		"",
	)
	svc.(*paymentService).now = clock

	return &fixture{st: st, midtrans: midtrans, svc: svc, ledger: ledger, now: now}
}

func (f *fixture) create(t *testing.T, useEscrow bool) *domain.Payment {
	t.Helper()

	p, err := f.svc.CreatePayment(context.Background(), CreatePaymentInput{
		OrderID:   1,
		UserID:    buyerID,
		Method:    "bank_transfer",
		Provider:  domain.ProviderMidtrans,
		Amount:    100000,
		UseEscrow: useEscrow,
	})
	require.NoError(t, err)
	return p
}

func (f *fixture) deliver(t *testing.T, status domain.PaymentStatus) *domain.Payment {
	t.Helper()

	f.midtrans.webhook = &provider.WebhookResult{
		TransactionID: "T1",
		Status:        status,
		Response:      json.RawMessage(fmt.Sprintf(`{"transaction_status":%q}`, status)),
	}

	p, err := f.svc.HandleWebhook(context.Background(), domain.ProviderMidtrans, provider.WebhookRequest{})
	require.NoError(t, err)
	return p
}

func TestCreatePayment_StoresProviderTransaction(t *testing.T) {
	f := newFixture(t)

	p := f.create(t, true)

	stored := f.st.payment(p.ID)
	assert.Equal(t, domain.PaymentPending, stored.Status)
	require.NotNil(t, stored.ProviderTransactionID)
	assert.Equal(t, "T1", *stored.ProviderTransactionID)
	assert.Equal(t, "IDR", stored.Currency)
	assert.Equal(t, sellerID, stored.Metadata.SellerID)
	assert.True(t, stored.Metadata.UseEscrow)
	assert.Contains(t, stored.Metadata.PaymentURL, "redirection")
	assert.JSONEq(t, `{"token":"tok"}`, string(stored.ProviderResponse))
}

func TestCreatePayment_PaidOrderConflicts(t *testing.T) {
	f := newFixture(t)

	o := f.st.order(1)
	o.PaymentStatus = domain.OrderPaymentPaid
	f.st.addOrder(o)

	_, err := f.svc.CreatePayment(context.Background(), CreatePaymentInput{
		OrderID:  1,
		UserID:   buyerID,
		Provider: domain.ProviderMidtrans,
		Amount:   100000,
	})
	require.ErrorIs(t, err, domain.ErrOrderAlreadyPaid)
	assert.Zero(t, f.st.paymentCount())
	assert.Zero(t, f.midtrans.charges)
}

func TestCreatePayment_AmountMustMatchOrderTotal(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreatePayment(context.Background(), CreatePaymentInput{
		OrderID:  1,
		UserID:   buyerID,
		Method:   "bank_transfer",
		Provider: domain.ProviderMidtrans,
		Amount:   1,
	})
	require.ErrorIs(t, err, domain.ErrAmountMismatch)
	assert.Zero(t, f.st.paymentCount())
	assert.Zero(t, f.midtrans.charges)
}

func TestCreatePayment_ZeroAmountUsesOrderTotal(t *testing.T) {
	f := newFixture(t)

	p, err := f.svc.CreatePayment(context.Background(), CreatePaymentInput{
		OrderID:  1,
		UserID:   buyerID,
		Method:   "bank_transfer",
		Provider: domain.ProviderMidtrans,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(100000), p.Amount)
}

func TestCreatePayment_UnsupportedProvider(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreatePayment(context.Background(), CreatePaymentInput{
		OrderID:  1,
		UserID:   buyerID,
		Provider: domain.ProviderStripe,
		Amount:   100000,
	})
	require.ErrorIs(t, err, domain.ErrUnsupportedProvider)
	assert.Zero(t, f.st.paymentCount())
}

func TestCreatePayment_OrderOfAnotherBuyer(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreatePayment(context.Background(), CreatePaymentInput{
		OrderID:  1,
		UserID:   sellerID,
		Provider: domain.ProviderMidtrans,
		Amount:   100000,
	})
	require.ErrorIs(t, err, repository.ErrOrderNotFound)
	assert.Zero(t, f.st.paymentCount())
}

func TestCreatePayment_ProviderFailureLeavesFailedRow(t *testing.T) {
	f := newFixture(t)
	f.midtrans.chargeErr = fmt.Errorf("%w: midtrans: 401 unauthorized", domain.ErrProviderFailure)

	_, err := f.svc.CreatePayment(context.Background(), CreatePaymentInput{
		OrderID:  1,
		UserID:   buyerID,
		Provider: domain.ProviderMidtrans,
		Amount:   100000,
	})
	require.ErrorIs(t, err, domain.ErrProviderFailure)

	require.Equal(t, 1, f.st.paymentCount())
	stored := f.st.payment(1)
	assert.Equal(t, domain.PaymentFailed, stored.Status)
	require.NotNil(t, stored.FailureReason)
	assert.Contains(t, *stored.FailureReason, "401 unauthorized")
	assert.Nil(t, stored.ProviderTransactionID)
}

func TestHandleWebhook_SettlementMarksOrderPaid(t *testing.T) {
	f := newFixture(t)
	created := f.create(t, false)

	p := f.deliver(t, domain.PaymentCompleted)
	require.NotNil(t, p)
	assert.Equal(t, created.ID, p.ID)

	stored := f.st.payment(p.ID)
	assert.Equal(t, domain.PaymentCompleted, stored.Status)
	require.NotNil(t, stored.PaidAt)
	assert.True(t, f.now.Equal(*stored.PaidAt))

	order := f.st.order(1)
	assert.Equal(t, domain.OrderPaymentPaid, order.PaymentStatus)
	assert.Equal(t, domain.OrderStatusProcessing, order.Status)

	assert.Equal(t, []string{"PaymentCompleted"}, f.st.eventTypes())
}

func TestHandleWebhook_ReplayDoesNotReholdOrReemit(t *testing.T) {
	f := newFixture(t)
	f.create(t, true)

	first := f.deliver(t, domain.PaymentCompleted)
	require.NotNil(t, first.Metadata.Escrow)
	escrowID := first.Metadata.Escrow.ID

	events := f.st.eventTypes()
	assert.Equal(t, []string{"PaymentCompleted", "EscrowHeld"}, events)
	writes := f.st.orderWrites

	replay := f.deliver(t, domain.PaymentCompleted)
	require.NotNil(t, replay)
	require.NotNil(t, replay.Metadata.Escrow)
	assert.Equal(t, escrowID, replay.Metadata.Escrow.ID)

	assert.Equal(t, events, f.st.eventTypes())
	assert.Equal(t, writes, f.st.orderWrites)
	assert.Len(t, f.st.escrows, 1)
}

func TestHandleWebhook_StaleStatusDoesNotRegress(t *testing.T) {
	f := newFixture(t)
	created := f.create(t, false)
	f.deliver(t, domain.PaymentCompleted)

	p := f.deliver(t, domain.PaymentPending)
	assert.Nil(t, p)

	assert.Equal(t, domain.PaymentCompleted, f.st.payment(created.ID).Status)
}

func TestHandleWebhook_FailureEmitsPaymentFailed(t *testing.T) {
	f := newFixture(t)
	created := f.create(t, false)

	f.deliver(t, domain.PaymentFailed)

	assert.Equal(t, domain.PaymentFailed, f.st.payment(created.ID).Status)
	assert.Equal(t, domain.OrderPaymentPending, f.st.order(1).PaymentStatus)
	assert.Equal(t, []string{"PaymentFailed"}, f.st.eventTypes())
}

func TestHandleWebhook_IgnoredEvent(t *testing.T) {
	f := newFixture(t)
	f.create(t, false)
	f.midtrans.webhook = nil

	p, err := f.svc.HandleWebhook(context.Background(), domain.ProviderMidtrans, provider.WebhookRequest{})
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.Empty(t, f.st.eventTypes())
}

func TestHandleWebhook_UnknownTransaction(t *testing.T) {
	f := newFixture(t)
	f.midtrans.webhook = &provider.WebhookResult{TransactionID: "nope", Status: domain.PaymentCompleted}

	_, err := f.svc.HandleWebhook(context.Background(), domain.ProviderMidtrans, provider.WebhookRequest{})
	require.ErrorIs(t, err, repository.ErrPaymentNotFound)
}

func TestHandleWebhook_InvalidSignature(t *testing.T) {
	f := newFixture(t)
	f.midtrans.webhookErr = domain.ErrInvalidSignature

	_, err := f.svc.HandleWebhook(context.Background(), domain.ProviderMidtrans, provider.WebhookRequest{})
	require.ErrorIs(t, err, domain.ErrInvalidSignature)
}

func TestRefundPayment_NotCompletedLeavesOrderAlone(t *testing.T) {
	f := newFixture(t)
	created := f.create(t, false)
	before := f.st.order(1)

	_, err := f.svc.RefundPayment(context.Background(), created.ID, 0)
	require.ErrorIs(t, err, domain.ErrPaymentNotRefundable)

	assert.Equal(t, before, f.st.order(1))
	assert.Equal(t, domain.PaymentPending, f.st.payment(created.ID).Status)
	assert.Zero(t, f.midtrans.refunds)
}

func TestRefundPayment_FullAmountByDefault(t *testing.T) {
	f := newFixture(t)
	created := f.create(t, false)
	f.deliver(t, domain.PaymentCompleted)

	p, err := f.svc.RefundPayment(context.Background(), created.ID, 0)
	require.NoError(t, err)

	assert.Equal(t, domain.PaymentRefunded, p.Status)
	assert.Equal(t, int64(100000), p.RefundedAmount)
	require.NotNil(t, p.RefundedAt)
	require.NotNil(t, p.Metadata.Refund)
	assert.Equal(t, "R1", p.Metadata.Refund.RefundID)

	order := f.st.order(1)
	assert.Equal(t, domain.OrderPaymentRefunded, order.PaymentStatus)
	assert.Equal(t, domain.OrderStatusCancelled, order.Status)

	assert.Equal(t, []string{"PaymentCompleted", "PaymentRefunded"}, f.st.eventTypes())
}

func TestRefundPayment_PartialAmount(t *testing.T) {
	f := newFixture(t)
	created := f.create(t, false)
	f.deliver(t, domain.PaymentCompleted)

	p, err := f.svc.RefundPayment(context.Background(), created.ID, 25000)
	require.NoError(t, err)
	assert.Equal(t, int64(25000), p.RefundedAmount)
	assert.Equal(t, domain.PaymentRefunded, p.Status)
}

func TestRefundPayment_RejectsBadAmount(t *testing.T) {
	f := newFixture(t)
	created := f.create(t, false)
	f.deliver(t, domain.PaymentCompleted)

	for _, amount := range []int64{-1, 100001} {
		_, err := f.svc.RefundPayment(context.Background(), created.ID, amount)
		require.ErrorIs(t, err, domain.ErrInvalidRefundAmount)
	}
	assert.Zero(t, f.midtrans.refunds)
}

func TestRefundPayment_ProviderError(t *testing.T) {
	f := newFixture(t)
	created := f.create(t, false)
	f.deliver(t, domain.PaymentCompleted)
	f.midtrans.refundErr = errors.Join(domain.ErrProviderFailure, errors.New("412"))

	_, err := f.svc.RefundPayment(context.Background(), created.ID, 0)
	require.ErrorIs(t, err, domain.ErrProviderFailure)
	assert.Equal(t, domain.PaymentCompleted, f.st.payment(created.ID).Status)

	f.midtrans.refundErr = nil
	_, err = f.svc.RefundPayment(context.Background(), created.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPaymentPaid, f.st.order(1).PaymentStatus)
}

func TestRefundPayment_ClaimBlocksSecondRefundAtProvider(t *testing.T) {
	f := newFixture(t)
	created := f.create(t, false)
	f.deliver(t, domain.PaymentCompleted)

	var inFlight domain.PaymentStatus
	var secondErr error
	f.midtrans.onRefund = func() {
		inFlight = f.st.payment(created.ID).Status
		_, secondErr = f.svc.RefundPayment(context.Background(), created.ID, 0)
	}

	p, err := f.svc.RefundPayment(context.Background(), created.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentRefunded, p.Status)

	assert.Equal(t, domain.PaymentRefunding, inFlight)
	require.ErrorIs(t, secondErr, domain.ErrPaymentNotRefundable)
	assert.Equal(t, 1, f.midtrans.refunds)
	assert.Equal(t, []string{"PaymentCompleted", "PaymentRefunded"}, f.st.eventTypes())
}

func TestRefundPayment_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.RefundPayment(context.Background(), 99, 0)
	require.ErrorIs(t, err, repository.ErrPaymentNotFound)
}

func TestListPayments_ClampsLimit(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.st.addPayment(domain.Payment{UserID: buyerID, OrderID: 1, Status: domain.PaymentFailed})
	}
	f.st.addPayment(domain.Payment{UserID: sellerID, OrderID: 2})

	list, total, err := f.svc.ListPayments(context.Background(), buyerID, 1000, -5)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, list, 3)
	assert.Greater(t, list[0].ID, list[1].ID)

	list, _, err = f.svc.ListPayments(context.Background(), buyerID, 2, 2)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestGetPayment_ScopedToOwner(t *testing.T) {
	f := newFixture(t)
	created := f.create(t, false)

	p, err := f.svc.GetPayment(context.Background(), created.ID, buyerID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, p.ID)

	_, err = f.svc.GetPayment(context.Background(), created.ID, sellerID)
	require.ErrorIs(t, err, repository.ErrPaymentNotFound)
}

func TestRegresses(t *testing.T) {
	assert.False(t, regresses(domain.PaymentPending, domain.PaymentCompleted))
	assert.True(t, regresses(domain.PaymentCompleted, domain.PaymentPending))
	assert.False(t, regresses(domain.PaymentCompleted, domain.PaymentRefunded))
	assert.True(t, regresses(domain.PaymentRefunded, domain.PaymentCompleted))
	assert.False(t, regresses(domain.PaymentCompleted, domain.PaymentCompleted))
	assert.True(t, regresses(domain.PaymentRefunding, domain.PaymentCompleted))
	assert.False(t, regresses(domain.PaymentRefunding, domain.PaymentRefunded))
}
