package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	outboxDomain "github.com/sakashimaa/marketplace-payments/pkg/outbox/domain"
	"github.com/sakashimaa/marketplace-payments/services/payment/internal/domain"
	"github.com/sakashimaa/marketplace-payments/services/payment/internal/provider"
	"github.com/sakashimaa/marketplace-payments/services/payment/internal/repository"
)

type fakeTransactor struct{}

func (fakeTransactor) WithinTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	return fn(ctx, nil)
}

// store backs every fake repository. Reads hand out copies so a service
// only changes state through an explicit write.
type store struct {
	mu          sync.Mutex
	orders      map[int64]domain.Order
	payments    map[int64]domain.Payment
	escrows     map[uuid.UUID]domain.EscrowTransaction
	balances    map[int64]int64
	entries     []domain.WalletEntry
	events      []*outboxDomain.OutboxEvent
	nextPayment int64
	orderWrites int
}

func newStore() *store {
	return &store{
		orders:   map[int64]domain.Order{},
		payments: map[int64]domain.Payment{},
		escrows:  map[uuid.UUID]domain.EscrowTransaction{},
		balances: map[int64]int64{},
	}
}

func (s *store) addUser(id, balance int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[id] = balance
}

func (s *store) addOrder(o domain.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = o
}

func (s *store) addPayment(p domain.Payment) domain.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextPayment++
	p.ID = s.nextPayment
	s.payments[p.ID] = p
	return p
}

func (s *store) order(id int64) domain.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orders[id]
}

func (s *store) payment(id int64) domain.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payments[id]
}

func (s *store) escrow(id uuid.UUID) domain.EscrowTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.escrows[id]
}

func (s *store) balance(userID int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[userID]
}

func (s *store) eventTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]string, 0, len(s.events))
	for _, e := range s.events {
		types = append(types, e.EventType)
	}
	return types
}

func (s *store) paymentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payments)
}

func (s *store) entryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

type fakeOrders struct{ *store }

func (f fakeOrders) GetForUser(_ context.Context, orderID, userID int64) (*domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok || o.BuyerID != userID {
		return nil, repository.ErrOrderNotFound
	}
	return &o, nil
}

func (f fakeOrders) GetForUpdate(_ context.Context, _ pgx.Tx, orderID int64) (*domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	return &o, nil
}

func (f fakeOrders) UpdatePaymentState(
	_ context.Context,
	_ pgx.Tx,
	orderID int64,
	paymentStatus domain.OrderPaymentStatus,
	status domain.OrderStatus,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok {
		return repository.ErrOrderNotFound
	}
	o.PaymentStatus = paymentStatus
	o.Status = status
	f.orders[orderID] = o
	f.orderWrites++
	return nil
}

type fakePayments struct{ *store }

func (f fakePayments) Create(_ context.Context, _ pgx.Tx, p *domain.Payment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPayment++
	p.ID = f.nextPayment
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	f.payments[p.ID] = *p
	return nil
}

func (f fakePayments) Update(_ context.Context, _ pgx.Tx, p *domain.Payment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.payments[p.ID]; !ok {
		return repository.ErrPaymentNotFound
	}
	p.UpdatedAt = time.Now()
	f.payments[p.ID] = *p
	return nil
}

func (f fakePayments) get(id int64) (*domain.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[id]
	if !ok {
		return nil, repository.ErrPaymentNotFound
	}
	return &p, nil
}

func (f fakePayments) GetByID(_ context.Context, id int64) (*domain.Payment, error) {
	return f.get(id)
}

func (f fakePayments) GetByIDForUser(_ context.Context, id, userID int64) (*domain.Payment, error) {
	p, err := f.get(id)
	if err != nil {
		return nil, err
	}
	if p.UserID != userID {
		return nil, repository.ErrPaymentNotFound
	}
	return p, nil
}

func (f fakePayments) GetByIDForUpdate(_ context.Context, _ pgx.Tx, id int64) (*domain.Payment, error) {
	return f.get(id)
}

func (f fakePayments) GetByProviderTransactionForUpdate(
	_ context.Context,
	_ pgx.Tx,
	name domain.Provider,
	transactionID string,
) (*domain.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.payments {
		if p.Provider == name && p.ProviderTransactionID != nil && *p.ProviderTransactionID == transactionID {
			return &p, nil
		}
	}
	return nil, repository.ErrPaymentNotFound
}

func (f fakePayments) ListByUser(_ context.Context, userID int64, limit, offset int) ([]domain.Payment, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []domain.Payment
	for _, p := range f.payments {
		if p.UserID == userID {
			all = append(all, p)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })

	total := int64(len(all))
	if offset >= len(all) {
		return []domain.Payment{}, total, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, total, nil
}

type fakeEscrows struct{ *store }

func (f fakeEscrows) Create(_ context.Context, _ pgx.Tx, e *domain.EscrowTransaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.escrows {
		if existing.PaymentID == e.PaymentID {
			return repository.ErrEscrowAlreadyExists
		}
	}
	e.Version = 1
	e.UpdatedAt = e.HeldAt
	f.escrows[e.ID] = *e
	return nil
}

func (f fakeEscrows) GetByID(_ context.Context, _ pgx.Tx, id uuid.UUID) (*domain.EscrowTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.escrows[id]
	if !ok {
		return nil, repository.ErrEscrowNotFound
	}
	return &e, nil
}

func (f fakeEscrows) GetByPaymentID(_ context.Context, _ pgx.Tx, paymentID int64) (*domain.EscrowTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.escrows {
		if e.PaymentID == paymentID {
			return &e, nil
		}
	}
	return nil, repository.ErrEscrowNotFound
}

func (f fakeEscrows) GetHeldByOrderID(_ context.Context, orderID int64) (*domain.EscrowTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.escrows {
		if e.OrderID == orderID && e.Status == domain.EscrowHeld {
			return &e, nil
		}
	}
	return nil, repository.ErrEscrowNotFound
}

func (f fakeEscrows) Transition(
	_ context.Context,
	_ pgx.Tx,
	e *domain.EscrowTransaction,
	status domain.EscrowStatus,
	reason string,
	at time.Time,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.escrows[e.ID]
	if !ok || stored.Status != domain.EscrowHeld || stored.Version != e.Version {
		return repository.ErrEscrowStateConflict
	}

	stored.Status = status
	stored.Reason = &reason
	stored.Version++
	stored.UpdatedAt = at
	if status == domain.EscrowReleased {
		stored.ReleasedAt = &at
	} else {
		stored.RefundedAt = &at
	}
	f.escrows[e.ID] = stored
	*e = stored
	return nil
}

func (f fakeEscrows) ListHeldBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.EscrowTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.EscrowTransaction
	for _, e := range f.escrows {
		if e.Status == domain.EscrowHeld && e.HeldAt.Before(cutoff) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HeldAt.Before(out[j].HeldAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fakeWallets struct{ *store }

func (f fakeWallets) UserExists(_ context.Context, _ pgx.Tx, userID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.balances[userID]
	return ok, nil
}

func (f fakeWallets) Credit(_ context.Context, _ pgx.Tx, entry *domain.WalletEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries {
		if e.EscrowID == entry.EscrowID && e.Kind == entry.Kind {
			return repository.ErrDuplicateWalletEntry
		}
	}
	if _, ok := f.balances[entry.UserID]; !ok {
		return repository.ErrUserNotFound
	}
	entry.ID = int64(len(f.entries) + 1)
	entry.CreatedAt = time.Now()
	f.entries = append(f.entries, *entry)
	f.balances[entry.UserID] += entry.Amount
	return nil
}

func (f fakeWallets) Balance(_ context.Context, userID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.balances[userID]
	if !ok {
		return 0, repository.ErrUserNotFound
	}
	return b, nil
}

type fakeOutbox struct{ *store }

func (f fakeOutbox) SaveOutboxEvent(_ context.Context, _ pgx.Tx, event *outboxDomain.OutboxEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	event.Id = int64(len(f.events) + 1)
	f.events = append(f.events, event)
	return nil
}

func (f fakeOutbox) GetUnpublishedEvents(context.Context, pgx.Tx, int) ([]*outboxDomain.OutboxEvent, error) {
	return nil, nil
}

func (f fakeOutbox) MarkEventPublished(context.Context, pgx.Tx, int64) error {
	return nil
}

func (f fakeOutbox) MarkEventFailed(context.Context, pgx.Tx, int64, string) error {
	return nil
}

type fakeProvider struct {
	mu         sync.Mutex
	name       domain.Provider
	charge     *provider.ChargeResult
	chargeErr  error
	webhook    *provider.WebhookResult
	webhookErr error
	refund     *provider.RefundResult
	refundErr  error
	onRefund   func()
	charges    int
	refunds    int
}

func (p *fakeProvider) Name() domain.Provider {
	return p.name
}

func (p *fakeProvider) CreatePayment(_ context.Context, _ provider.ChargeRequest) (*provider.ChargeResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.charges++
	if p.chargeErr != nil {
		return nil, p.chargeErr
	}
	return p.charge, nil
}

func (p *fakeProvider) HandleWebhook(_ context.Context, _ provider.WebhookRequest) (*provider.WebhookResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.webhookErr != nil {
		return nil, p.webhookErr
	}
	if p.webhook == nil {
		return nil, nil
	}
	res := *p.webhook
	return &res, nil
}

func (p *fakeProvider) RefundPayment(_ context.Context, _ string, _ int64) (*provider.RefundResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refunds++
	if p.onRefund != nil {
		p.onRefund()
	}
	if p.refundErr != nil {
		return nil, p.refundErr
	}
	return p.refund, nil
}
