package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sakashimaa/marketplace-payments/pkg/config"
	"github.com/sakashimaa/marketplace-payments/pkg/db"
	kafkaProducer "github.com/sakashimaa/marketplace-payments/pkg/kafka"
	"github.com/sakashimaa/marketplace-payments/pkg/mylogger"
	outbox "github.com/sakashimaa/marketplace-payments/pkg/outbox/repository"
	"github.com/sakashimaa/marketplace-payments/pkg/outbox/worker"
	"github.com/sakashimaa/marketplace-payments/pkg/utils"
	"github.com/sakashimaa/marketplace-payments/services/payment/internal/metrics"
	"github.com/sakashimaa/marketplace-payments/services/payment/internal/provider"
	"github.com/sakashimaa/marketplace-payments/services/payment/internal/provider/midtrans"
	"github.com/sakashimaa/marketplace-payments/services/payment/internal/provider/stripe"
	"github.com/sakashimaa/marketplace-payments/services/payment/internal/repository"
	"github.com/sakashimaa/marketplace-payments/services/payment/internal/service"
	transport "github.com/sakashimaa/marketplace-payments/services/payment/internal/transport/http"
	"github.com/sakashimaa/marketplace-payments/services/payment/internal/transport/http/handler"
	"github.com/sakashimaa/marketplace-payments/services/payment/internal/transport/kafka"
	"go.uber.org/zap"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf(".env not found: %v\n", err)
	}

	cfg := config.MustLoad()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, err := config.NewLogger(config.LoggerConfig{
		Level:   cfg.Log.Level,
		Env:     cfg.Env,
		Service: "payment-service",
	})
	if err != nil {
		log.Fatalf("Error creating logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	tp, err := utils.InitTracer(ctx, "payment-service", cfg.Env)
	if err != nil {
		log.Fatalf("Error init tracer: %v", err)
	}

	if cfg.Postgres.MigrationsPath != "" {
		if err := db.MigrateUp(cfg.Postgres.MigrationsPath, cfg.Postgres.URL); err != nil {
			log.Fatalf("Error applying migrations: %v", err)
		}
	}

	pool, err := db.NewPostgresDB(ctx, db.PoolConfig{
		URL:      cfg.Postgres.URL,
		MaxConns: cfg.Postgres.MaxConns,
		MinConns: cfg.Postgres.MinConns,
	})
	if err != nil {
		log.Fatalf("Error creating postgres DB: %v", err)
	}

	m := metrics.New()
	breaker := utils.BreakerSettings{
		MaxRequests: cfg.Breaker.MaxRequests,
		Interval:    cfg.Breaker.Interval,
		Timeout:     cfg.Breaker.Timeout,
	}

	var adapters []provider.Provider
	if cfg.Midtrans.ServerKey != "" {
		adapters = append(adapters, midtrans.New(midtrans.Config{
			ServerKey: cfg.Midtrans.ServerKey,
			SnapURL:   cfg.Midtrans.SnapURL,
			APIURL:    cfg.Midtrans.APIURL,
			Timeout:   cfg.Midtrans.Timeout,
			Breaker:   breaker,
		}, &http.Client{Timeout: cfg.Midtrans.Timeout}, logger))
	} else {
		logger.Warn("Midtrans server key not set, provider disabled")
	}

	if cfg.Stripe.SecretKey != "" && cfg.Stripe.WebhookSecret != "" {
		stripeAdapter, err := stripe.New(stripe.Config{
			SecretKey:     cfg.Stripe.SecretKey,
			WebhookSecret: cfg.Stripe.WebhookSecret,
			SuccessURL:    cfg.Stripe.SuccessURL,
			CancelURL:     cfg.Stripe.CancelURL,
			Currency:      cfg.Stripe.Currency,
			Timeout:       cfg.Stripe.Timeout,
			Breaker:       breaker,
		}, stripe.NewSDK(cfg.Stripe.SecretKey), logger)
		if err != nil {
			log.Fatalf("Error creating stripe adapter: %v", err)
		}
		adapters = append(adapters, stripeAdapter)
	} else {
		logger.Warn("Stripe secret key or webhook secret not set, provider disabled")
	}

	transactor := db.NewTransactor(pool, logger)
	outboxRepo := outbox.NewOutboxRepository()
	paymentRepo := repository.NewPaymentRepository(pool, logger)

	var cache *service.PaymentCache
	if cfg.Redis.Addr != "" {
		redisClient := goredis.NewClient(&goredis.Options{Addr: cfg.Redis.Addr})
		defer func() {
			_ = redisClient.Close()
		}()
		cache = service.NewPaymentCache(redisClient, cfg.Redis.CacheTTL, logger)
	}

	escrowOpts := service.EscrowOptions{
		HoldPeriod: cfg.Escrow.HoldPeriod,
		Topic:      cfg.Kafka.PaymentTopic,
	}
	if cache != nil {
		escrowOpts.OnSettled = cache.Invalidate
	}

	ledger := service.NewEscrowLedger(
		transactor,
		repository.NewEscrowRepository(pool, logger),
		paymentRepo,
		repository.NewWalletRepository(pool, logger),
		outboxRepo,
		m,
		logger,
		escrowOpts,
	)

	paymentService := service.NewPaymentService(
		transactor,
		repository.NewOrderRepository(pool, logger),
		paymentRepo,
		outboxRepo,
		provider.NewRegistry(adapters...),
		ledger,
		m,
		logger,
		cfg.Kafka.PaymentTopic,
	)
	if cache != nil {
		paymentService = service.NewCachedPaymentService(paymentService, cache)
	}

	producer, err := kafkaProducer.NewProducer(cfg.Kafka.Brokers, logger)
	if err != nil {
		log.Fatalf("Error creating kafka producer: %v", err)
	}
	defer func() {
		_ = producer.Close()
	}()

	outboxProcessor := worker.NewOutboxProcessor(transactor, outboxRepo, producer, logger, worker.Options{})
	go outboxProcessor.Start(ctx)

	go service.NewEscrowSweeper(ledger, cfg.Escrow.SweepInterval, logger).Start(ctx)

	if cfg.Kafka.ConsumeOrders {
		consumer := kafka.NewConsumer(ledger, transactor, logger)
		go func() {
			if err := consumer.Start(ctx, cfg.Kafka.Brokers, cfg.Kafka.GroupID, cfg.Kafka.OrderTopic); err != nil {
				mylogger.Error(ctx, logger, "Order consumer stopped", zap.Error(err))
			}
		}()
	}

	metricsServer := &http.Server{Addr: cfg.Metrics.Port, Handler: m.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			mylogger.Error(ctx, logger, "Metrics server failed", zap.Error(err))
		}
	}()

	app := transport.NewApp(transport.AppConfig{
		Timeout:           cfg.HTTP.Timeout,
		LimiterMax:        cfg.Limiter.Max,
		LimiterExpiration: cfg.Limiter.Expiration,
	})

	transport.RegisterRoutes(app, &transport.Handlers{
		Payment: handler.NewPaymentHandler(paymentService, validator.New(), logger),
		Webhook: handler.NewWebhookHandler(paymentService, logger),
		Escrow:  handler.NewEscrowHandler(ledger, logger),
		Health:  handler.NewHealthHandler(pool),
	}, cfg.Auth.AccessSecret)

	go func() {
		mylogger.Info(ctx, logger, "HTTP service listening", zap.String("port", cfg.HTTP.Port))
		if err := app.Listen(cfg.HTTP.Port); err != nil {
			log.Fatalf("Error listening on HTTP port %v: %v\n", cfg.HTTP.Port, err)
		}
	}()

	mylogger.Info(ctx, logger, "Payment service started!")

	<-ctx.Done()

	mylogger.Info(context.Background(), logger, "Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		mylogger.Error(shutdownCtx, logger, "Error shutting down HTTP app", zap.Error(err))
	}

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		mylogger.Error(shutdownCtx, logger, "Error shutting down metrics server", zap.Error(err))
	}

	if err := tp.Shutdown(shutdownCtx); err != nil {
		mylogger.Error(shutdownCtx, logger, "Error shutting down telemetry", zap.Error(err))
	}

	pool.Close()
	mylogger.Info(shutdownCtx, logger, "Pool down correctly")
}
