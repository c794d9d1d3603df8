package deposit

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/custodia-pay/custodia/internal/ledger"
	"github.com/custodia-pay/custodia/internal/wallet"
)

// Handler exposes deposit HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs a deposit handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Record provisionally credits an observed deposit.
func (h *Handler) Record(c *fiber.Ctx) error {
	walletID := c.Params("walletId")
	var req RecordRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	result, err := h.service.RecordPending(c.UserContext(), RecordInput{
		WalletID:       walletID,
		Amount:         req.Amount,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return respondError(c, result, err)
	}
	return c.Status(http.StatusCreated).JSON(toResponse(result))
}

// Confirm settles a recorded deposit into the available bucket.
func (h *Handler) Confirm(c *fiber.Ctx) error {
	walletID := c.Params("walletId")
	var req ConfirmRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	result, err := h.service.Confirm(c.UserContext(), ConfirmInput{
		WalletID:       walletID,
		Amount:         req.Amount,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return respondError(c, result, err)
	}
	return c.Status(http.StatusOK).JSON(toResponse(result))
}

func toResponse(result Result) Response {
	return Response{
		WalletID:  result.WalletID,
		Duplicate: result.Duplicate,
		Balance:   result.Balance,
	}
}

// respondError maps engine sentinels onto HTTP statuses. A duplicate carries
// the original outcome in the body.
func respondError(c *fiber.Ctx, result Result, err error) error {
	switch {
	case errors.Is(err, ledger.ErrDuplicateOperation):
		return c.Status(http.StatusConflict).JSON(toResponse(result))
	case errors.Is(err, wallet.ErrNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrInvalidAmount):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrInsufficientPending):
		return fiber.NewError(http.StatusUnprocessableEntity, err.Error())
	case ledger.Retryable(err):
		return fiber.NewError(http.StatusServiceUnavailable, err.Error())
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}
