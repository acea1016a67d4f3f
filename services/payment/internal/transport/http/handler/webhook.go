package handler

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/sakashimaa/marketplace-payments/services/payment/internal/domain"
	"github.com/sakashimaa/marketplace-payments/services/payment/internal/provider"
	"github.com/sakashimaa/marketplace-payments/services/payment/internal/service"
	"go.uber.org/zap"
)

type WebhookHandler struct {
	service service.PaymentService
	logger  *zap.Logger
}

func NewWebhookHandler(service service.PaymentService, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{service: service, logger: logger}
}

func (h *WebhookHandler) Midtrans(c *fiber.Ctx) error {
	return h.handle(c, domain.ProviderMidtrans)
}

func (h *WebhookHandler) Stripe(c *fiber.Ctx) error {
	return h.handle(c, domain.ProviderStripe)
}

func (h *WebhookHandler) handle(c *fiber.Ctx, name domain.Provider) error {
	header := make(http.Header)
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})

	// fasthttp reuses the request buffer after the handler returns.
	body := append([]byte(nil), c.Body()...)

	payment, err := h.service.HandleWebhook(c.UserContext(), name, provider.WebhookRequest{
		Body:   body,
		Header: header,
	})
	if err != nil {
		return writeError(c, h.logger, "webhook rejected", err)
	}

	if payment == nil {
		return c.JSON(fiber.Map{"status": "ignored"})
	}

	return c.JSON(fiber.Map{"status": "ok"})
}
