package plugins

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/linht/lora-manager/sx127x"
)

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

// SendSuccess sends a successful response
func SendSuccess(c *fiber.Ctx, data interface{}, message string) error {
	return c.JSON(APIResponse{
		Success: true,
		Data:    data,
		Message: message,
	})
}

// SendError sends an error response
func SendError(c *fiber.Ctx, status int, err error) error {
	return c.Status(status).JSON(APIResponse{
		Success: false,
		Error:   err.Error(),
	})
}

// SendErrorMessage sends an error response with a custom message
func SendErrorMessage(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(APIResponse{
		Success: false,
		Error:   message,
	})
}

// SendRadioError maps driver errors to an HTTP status.
func SendRadioError(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError

	switch {
	case errors.Is(err, ErrNotInitialized):
		status = fiber.StatusConflict
	case errors.Is(err, sx127x.ErrTxTimeout):
		status = fiber.StatusGatewayTimeout
	case errors.Is(err, sx127x.ErrPayloadTooLarge), errors.Is(err, sx127x.ErrInvalidMode):
		status = fiber.StatusBadRequest
	case errors.Is(err, sx127x.ErrNotFound), errors.Is(err, sx127x.ErrUnavailable):
		status = fiber.StatusServiceUnavailable
	}

	return SendError(c, status, err)
}

// bindJSON parses the request body into v and answers 400 on failure.
// The returned bool reports whether the handler should continue.
func bindJSON(c *fiber.Ctx, v interface{}) (bool, error) {
	if err := c.BodyParser(v); err != nil {
		return false, SendErrorMessage(c, fiber.StatusBadRequest, "Invalid request body")
	}
	return true, nil
}

// parseRegisterAddr accepts decimal or 0x-prefixed hex addresses within the
// 7-bit SX127x register space.
func parseRegisterAddr(s string) (uint8, error) {
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil || v > 0x7F {
		return 0, fmt.Errorf("invalid register address %q", s)
	}
	return uint8(v), nil
}
