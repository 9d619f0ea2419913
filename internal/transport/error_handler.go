package transport

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/hospital-bulk-engine/internal/domain"
	"go.uber.org/zap"
)

// ErrorHandler renders every failed request as {"error": "..."}.
func ErrorHandler(logger *zap.Logger) fiber.ErrorHandler {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(c *fiber.Ctx, err error) error {
		code, message := Classify(err)

		fields := []zap.Field{
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", code),
			zap.Error(err),
		}
		if requestID, ok := c.Locals("requestid").(string); ok && requestID != "" {
			fields = append(fields, zap.String("requestId", requestID))
		}

		if code >= fiber.StatusInternalServerError {
			logger.Error("request error", fields...)
		} else {
			logger.Warn("request rejected", fields...)
		}

		return c.Status(code).JSON(fiber.Map{
			"error": message,
		})
	}
}

// Classify maps err to an HTTP status and the message shown to clients.
func Classify(err error) (int, string) {
	var fiberErr *fiber.Error
	switch {
	case errors.As(err, &fiberErr):
		return fiberErr.Code, fiberErr.Message
	case errors.Is(err, domain.ErrValidation):
		return fiber.StatusBadRequest, clientMessage(err, domain.ErrValidation)
	case errors.Is(err, domain.ErrNotFound):
		return fiber.StatusNotFound, clientMessage(err, domain.ErrNotFound)
	case errors.Is(err, domain.ErrConflict):
		return fiber.StatusConflict, clientMessage(err, domain.ErrConflict)
	case errors.Is(err, domain.ErrUnavailable):
		return fiber.StatusServiceUnavailable, clientMessage(err, domain.ErrUnavailable)
	default:
		return fiber.StatusInternalServerError, "internal server error"
	}
}

// clientMessage drops the sentinel prefix so "not found: batch x" reads
// "batch x".
func clientMessage(err error, sentinel error) string {
	message := strings.TrimPrefix(err.Error(), sentinel.Error()+": ")
	if message == "" {
		return sentinel.Error()
	}
	return message
}
