package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sakashimaa/marketplace-payments/pkg/mylogger"
	"github.com/sakashimaa/marketplace-payments/services/payment/internal/domain"
	"github.com/sakashimaa/marketplace-payments/services/payment/internal/provider"
	"go.uber.org/zap"
)

const defaultCacheTTL = 5 * time.Minute

// PaymentCache stores payment snapshots under payment:{id}.
type PaymentCache struct {
	client redis.Cmdable
	ttl    time.Duration
	logger *zap.Logger
}

func NewPaymentCache(client redis.Cmdable, ttl time.Duration, logger *zap.Logger) *PaymentCache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}

	return &PaymentCache{client: client, ttl: ttl, logger: logger}
}

func cacheKey(paymentID int64) string {
	return fmt.Sprintf("payment:%d", paymentID)
}

func generationKey(paymentID int64) string {
	return fmt.Sprintf("payment:%d:gen", paymentID)
}

// setIfGeneration writes the snapshot only while the generation counter
// still holds the value the reader saw before going to the database.
var setIfGeneration = redis.NewScript(`
local gen = redis.call('GET', KEYS[2])
if (gen or '0') ~= ARGV[2] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return 1
`)

func (c *PaymentCache) Get(ctx context.Context, paymentID int64) (*domain.Payment, bool) {
	val, err := c.client.Get(ctx, cacheKey(paymentID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			mylogger.Warn(ctx, c.logger, "Payment cache read failed", zap.Int64("payment_id", paymentID), zap.Error(err))
		}
		return nil, false
	}

	var payment domain.Payment
	if err := json.Unmarshal(val, &payment); err != nil {
		c.Invalidate(ctx, paymentID)
		return nil, false
	}

	return &payment, true
}

// Generation returns the invalidation counter for paymentID. Read it
// before loading from the database and pass it to Set.
func (c *PaymentCache) Generation(ctx context.Context, paymentID int64) string {
	gen, err := c.client.Get(ctx, generationKey(paymentID)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			mylogger.Warn(ctx, c.logger, "Payment cache generation read failed", zap.Int64("payment_id", paymentID), zap.Error(err))
			return ""
		}
		return "0"
	}

	return gen
}

// Set stores the snapshot unless an invalidation ran after gen was read.
func (c *PaymentCache) Set(ctx context.Context, payment *domain.Payment, gen string) {
	if gen == "" {
		return
	}

	data, err := json.Marshal(payment)
	if err != nil {
		return
	}

	keys := []string{cacheKey(payment.ID), generationKey(payment.ID)}
	if err := setIfGeneration.Run(ctx, c.client, keys, data, gen, c.ttl.Milliseconds()).Err(); err != nil {
		mylogger.Warn(ctx, c.logger, "Payment cache write failed", zap.Int64("payment_id", payment.ID), zap.Error(err))
	}
}

// Invalidate bumps the generation before dropping the snapshot so readers
// that loaded the old row cannot write it back.
func (c *PaymentCache) Invalidate(ctx context.Context, paymentID int64) {
	genKey := generationKey(paymentID)

	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, genKey)
		pipe.Expire(ctx, genKey, 2*c.ttl)
		pipe.Del(ctx, cacheKey(paymentID))
		return nil
	})
	if err != nil {
		mylogger.Warn(ctx, c.logger, "Payment cache invalidation failed", zap.Int64("payment_id", paymentID), zap.Error(err))
	}
}

type cachedPaymentService struct {
	next  PaymentService
	cache *PaymentCache
}

func NewCachedPaymentService(next PaymentService, cache *PaymentCache) PaymentService {
	return &cachedPaymentService{next: next, cache: cache}
}

func (s *cachedPaymentService) CreatePayment(ctx context.Context, in CreatePaymentInput) (*domain.Payment, error) {
	return s.next.CreatePayment(ctx, in)
}

func (s *cachedPaymentService) HandleWebhook(
	ctx context.Context,
	name domain.Provider,
	req provider.WebhookRequest,
) (*domain.Payment, error) {
	payment, err := s.next.HandleWebhook(ctx, name, req)
	if err != nil {
		return nil, err
	}

	if payment != nil {
		s.cache.Invalidate(ctx, payment.ID)
	}

	return payment, nil
}

func (s *cachedPaymentService) RefundPayment(ctx context.Context, paymentID, amount int64) (*domain.Payment, error) {
	payment, err := s.next.RefundPayment(ctx, paymentID, amount)
	if err != nil {
		return nil, err
	}

	s.cache.Invalidate(ctx, paymentID)

	return payment, nil
}

func (s *cachedPaymentService) ListPayments(ctx context.Context, userID int64, limit, offset int) ([]domain.Payment, int64, error) {
	return s.next.ListPayments(ctx, userID, limit, offset)
}

func (s *cachedPaymentService) GetPayment(ctx context.Context, paymentID, userID int64) (*domain.Payment, error) {
	if payment, ok := s.cache.Get(ctx, paymentID); ok {
		if payment.UserID == userID {
			return payment, nil
		}
	}

	gen := s.cache.Generation(ctx, paymentID)

	payment, err := s.next.GetPayment(ctx, paymentID, userID)
	if err != nil {
		return nil, err
	}

	s.cache.Set(ctx, payment, gen)

	return payment, nil
}
