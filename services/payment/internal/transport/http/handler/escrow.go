package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sakashimaa/marketplace-payments/services/payment/internal/domain"
	"github.com/sakashimaa/marketplace-payments/services/payment/internal/service"
	"go.uber.org/zap"
)

type EscrowHandler struct {
	ledger service.EscrowLedger
	logger *zap.Logger
}

func NewEscrowHandler(ledger service.EscrowLedger, logger *zap.Logger) *EscrowHandler {
	return &EscrowHandler{ledger: ledger, logger: logger}
}

type settleRequest struct {
	Reason string `json:"reason"`
}

func (h *EscrowHandler) Get(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid escrow id")
	}

	escrow, err := h.ledger.Get(c.UserContext(), id)
	if err != nil {
		return writeError(c, h.logger, "get escrow failed", err)
	}

	return c.JSON(escrow)
}

func (h *EscrowHandler) Release(c *fiber.Ctx) error {
	return h.settle(c, domain.EscrowReleased)
}

func (h *EscrowHandler) Refund(c *fiber.Ctx) error {
	return h.settle(c, domain.EscrowRefunded)
}

func (h *EscrowHandler) settle(c *fiber.Ctx, status domain.EscrowStatus) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid escrow id")
	}

	var req settleRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "error parsing body")
		}
	}

	var escrow *domain.EscrowTransaction
	if status == domain.EscrowReleased {
		escrow, err = h.ledger.ReleaseFunds(c.UserContext(), id, req.Reason)
	} else {
		escrow, err = h.ledger.RefundFunds(c.UserContext(), id, req.Reason)
	}
	if err != nil {
		return writeError(c, h.logger, "escrow transition failed", err)
	}

	return c.JSON(escrow)
}

func (h *EscrowHandler) AutoRelease(c *fiber.Ctx) error {
	released, err := h.ledger.AutoReleaseExpired(c.UserContext())
	if err != nil {
		return writeError(c, h.logger, "auto release failed", err)
	}

	return c.JSON(fiber.Map{"released": released})
}
