package handler

import (
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/sakashimaa/marketplace-payments/pkg/mylogger"
	"github.com/sakashimaa/marketplace-payments/services/payment/internal/domain"
	"github.com/sakashimaa/marketplace-payments/services/payment/internal/service"
	"github.com/sakashimaa/marketplace-payments/services/payment/internal/transport/http/middleware"
	"go.uber.org/zap"
)

type PaymentHandler struct {
	service  service.PaymentService
	validate *validator.Validate
	logger   *zap.Logger
}

func NewPaymentHandler(service service.PaymentService, validate *validator.Validate, logger *zap.Logger) *PaymentHandler {
	return &PaymentHandler{
		service:  service,
		validate: validate,
		logger:   logger,
	}
}

type createPaymentRequest struct {
	OrderID     int64  `json:"orderId" validate:"required,gt=0"`
	Method      string `json:"method" validate:"required,max=50"`
	Provider    string `json:"provider" validate:"required"`
	Amount      int64  `json:"amount" validate:"required,gt=0"`
	Currency    string `json:"currency" validate:"omitempty,len=3"`
	Description string `json:"description" validate:"max=255"`
	UseEscrow   bool   `json:"useEscrow"`
}

func (h *PaymentHandler) Create(c *fiber.Ctx) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "userId parsing error"})
	}

	var req createPaymentRequest
	if err := c.BodyParser(&req); err != nil {
		mylogger.Warn(c.UserContext(), h.logger, "failed to parse body in create payment", zap.Error(err))
		return badRequest(c, "error parsing body")
	}

	if err := h.validate.Struct(req); err != nil {
		return validationFailed(c, err)
	}

	payment, err := h.service.CreatePayment(c.UserContext(), service.CreatePaymentInput{
		OrderID:     req.OrderID,
		UserID:      userID,
		Method:      req.Method,
		Provider:    domain.Provider(req.Provider),
		Amount:      req.Amount,
		Currency:    req.Currency,
		Description: req.Description,
		UseEscrow:   req.UseEscrow,
	})
	if err != nil {
		return writeError(c, h.logger, "create payment failed", err)
	}

	return c.Status(fiber.StatusCreated).JSON(payment)
}

func (h *PaymentHandler) List(c *fiber.Ctx) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "userId parsing error"})
	}

	limit := c.QueryInt("limit", 20)
	offset := c.QueryInt("offset", 0)

	payments, total, err := h.service.ListPayments(c.UserContext(), userID, limit, offset)
	if err != nil {
		return writeError(c, h.logger, "list payments failed", err)
	}

	return c.JSON(fiber.Map{
		"items":  payments,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (h *PaymentHandler) Get(c *fiber.Ctx) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "userId parsing error"})
	}

	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return badRequest(c, "invalid payment id")
	}

	payment, err := h.service.GetPayment(c.UserContext(), int64(id), userID)
	if err != nil {
		return writeError(c, h.logger, "get payment failed", err)
	}

	return c.JSON(payment)
}

func (h *PaymentHandler) Refund(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return badRequest(c, "invalid payment id")
	}

	var amount int64
	if raw := c.Query("amount"); raw != "" {
		amount, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || amount <= 0 {
			return badRequest(c, "invalid refund amount")
		}
	}

	payment, err := h.service.RefundPayment(c.UserContext(), int64(id), amount)
	if err != nil {
		return writeError(c, h.logger, "refund payment failed", err)
	}

	mylogger.Info(c.UserContext(), h.logger, "refund succeeded",
		zap.Int64("payment_id", payment.ID),
		zap.Int64("amount", payment.RefundedAmount),
	)

	return c.JSON(payment)
}
