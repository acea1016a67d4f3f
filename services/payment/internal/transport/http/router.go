package http

import (
	"strings"
	"time"

	"github.com/gofiber/contrib/otelfiber"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/sakashimaa/marketplace-payments/services/payment/internal/transport/http/handler"
	"github.com/sakashimaa/marketplace-payments/services/payment/internal/transport/http/middleware"
)

type Handlers struct {
	Payment *handler.PaymentHandler
	Webhook *handler.WebhookHandler
	Escrow  *handler.EscrowHandler
	Health  *handler.HealthHandler
}

const webhookPrefix = "/payments/webhook/"

type AppConfig struct {
	Timeout           time.Duration
	LimiterMax        int
	LimiterExpiration time.Duration
}

func NewApp(cfg AppConfig) *fiber.App {
	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	app.Use(otelfiber.Middleware())

	if cfg.LimiterMax > 0 {
		app.Use(limiter.New(limiter.Config{
			Max:        cfg.LimiterMax,
			Expiration: cfg.LimiterExpiration,
			// Provider webhooks are not rate limited.
			Next: func(c *fiber.Ctx) bool {
				return strings.HasPrefix(c.Path(), webhookPrefix)
			},
			KeyGenerator: func(c *fiber.Ctx) string {
				return c.IP()
			},
			LimitReached: func(c *fiber.Ctx) error {
				return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
					"error": "Too many requests. Try again later.",
				})
			},
		}))
	}

	return app
}

func RegisterRoutes(app *fiber.App, h *Handlers, accessSecret string) {
	auth := middleware.NewAuthMiddleware(accessSecret)
	admin := middleware.NewAdminMiddleware()

	app.Get("/health", h.Health.Check)

	// Webhooks are authenticated by provider signatures, not JWT.
	payments := app.Group("/payments")
	payments.Post("/webhook/midtrans", h.Webhook.Midtrans)
	payments.Post("/webhook/stripe", h.Webhook.Stripe)

	payments.Post("", auth, h.Payment.Create)
	payments.Get("", auth, h.Payment.List)
	payments.Get("/:id", auth, h.Payment.Get)
	payments.Post("/:id/refund", auth, admin, h.Payment.Refund)

	escrow := app.Group("/escrow", auth, admin)
	escrow.Post("/auto-release", h.Escrow.AutoRelease)
	escrow.Get("/:id", h.Escrow.Get)
	escrow.Post("/:id/release", h.Escrow.Release)
	escrow.Post("/:id/refund", h.Escrow.Refund)
}
