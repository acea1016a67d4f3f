package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/sakashimaa/marketplace-payments/pkg/mylogger"
	"github.com/sakashimaa/marketplace-payments/pkg/utils"
	"github.com/sakashimaa/marketplace-payments/services/payment/internal/domain"
	"github.com/sakashimaa/marketplace-payments/services/payment/internal/repository"
	"go.uber.org/zap"
)

// StatusFor maps service and repository errors onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, repository.ErrOrderNotFound),
		errors.Is(err, repository.ErrPaymentNotFound),
		errors.Is(err, repository.ErrEscrowNotFound),
		errors.Is(err, repository.ErrUserNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, domain.ErrOrderAlreadyPaid),
		errors.Is(err, repository.ErrEscrowAlreadyExists):
		return fiber.StatusConflict
	case errors.Is(err, domain.ErrPaymentNotRefundable),
		errors.Is(err, domain.ErrInvalidRefundAmount),
		errors.Is(err, domain.ErrAmountMismatch),
		errors.Is(err, domain.ErrInvalidEscrowAmount),
		errors.Is(err, domain.ErrUnsupportedProvider),
		errors.Is(err, domain.ErrEscrowNotHeld),
		errors.Is(err, domain.ErrInvalidWebhook):
		return fiber.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidSignature):
		return fiber.StatusUnauthorized
	case errors.Is(err, domain.ErrProviderUnavailable):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, domain.ErrProviderFailure):
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

func writeError(c *fiber.Ctx, logger *zap.Logger, msg string, err error) error {
	status := StatusFor(err)

	if status >= fiber.StatusInternalServerError {
		mylogger.Error(c.UserContext(), logger, msg, zap.Int("http_code", status), zap.Error(err))
	} else {
		mylogger.Warn(c.UserContext(), logger, msg, zap.Int("http_code", status), zap.Error(err))
	}

	text := err.Error()
	if status == fiber.StatusInternalServerError {
		text = "internal error"
	}

	return c.Status(status).JSON(fiber.Map{"error": text})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}

func validationFailed(c *fiber.Ctx, err error) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error":  "validation failed",
		"fields": utils.FormatValidationError(err),
	})
}
