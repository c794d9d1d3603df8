package withdrawal

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/custodia-pay/custodia/internal/ledger"
	"github.com/custodia-pay/custodia/internal/wallet"
)

// Handler exposes withdrawal HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs a withdrawal handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Reserve holds funds for a pending withdrawal and returns the hold id.
func (h *Handler) Reserve(c *fiber.Ctx) error {
	walletID := c.Params("walletId")
	var req ReserveRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	result, err := h.service.Reserve(c.UserContext(), ReserveInput{
		WalletID:       walletID,
		Amount:         req.Amount,
		IdempotencyKey: req.IdempotencyKey,
		Channel:        req.Channel,
		Initiator:      req.Initiator,
	})
	if err != nil {
		return respondError(c, result, err)
	}
	return c.Status(http.StatusCreated).JSON(toResponse(result))
}

// Finalize settles a reserved withdrawal against its hold.
func (h *Handler) Finalize(c *fiber.Ctx) error {
	walletID := c.Params("walletId")
	var req FinalizeRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	result, err := h.service.Finalize(c.UserContext(), FinalizeInput{
		WalletID:       walletID,
		Amount:         req.Amount,
		IdempotencyKey: req.IdempotencyKey,
		HoldID:         req.HoldID,
	})
	if err != nil {
		return respondError(c, result, err)
	}
	return c.Status(http.StatusOK).JSON(toResponse(result))
}

// Release cancels a hold and restores the funds to available.
func (h *Handler) Release(c *fiber.Ctx) error {
	walletID := c.Params("walletId")
	var req ReleaseRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	result, err := h.service.Release(c.UserContext(), ReleaseInput{
		WalletID:       walletID,
		Amount:         req.Amount,
		IdempotencyKey: req.IdempotencyKey,
		HoldID:         req.HoldID,
		Reason:         req.Reason,
	})
	if err != nil {
		return respondError(c, result, err)
	}
	return c.Status(http.StatusOK).JSON(toResponse(result))
}

// Execute runs the full reserve-broadcast-settle flow.
func (h *Handler) Execute(c *fiber.Ctx) error {
	walletID := c.Params("walletId")
	var req ExecuteRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	result, err := h.service.Execute(c.UserContext(), ExecuteInput{
		WalletID:       walletID,
		Amount:         req.Amount,
		Address:        req.Address,
		IdempotencyKey: req.IdempotencyKey,
		Channel:        req.Channel,
		Initiator:      req.Initiator,
	})
	if err != nil {
		if errors.Is(err, ErrBroadcastRejected) {
			// Funds are back in available; report the released outcome.
			return c.Status(http.StatusBadGateway).JSON(toExecuteResponse(result))
		}
		return respondError(c, result.Result, err)
	}
	return c.Status(http.StatusOK).JSON(toExecuteResponse(result))
}

func toResponse(result Result) Response {
	return Response{
		WalletID:  result.WalletID,
		HoldID:    result.HoldID,
		Duplicate: result.Duplicate,
		Balance:   result.Balance,
	}
}

func toExecuteResponse(result ExecuteResult) ExecuteResponse {
	return ExecuteResponse{
		Response: toResponse(result.Result),
		TxHash:   result.TxHash,
		Status:   result.Status,
	}
}

// respondError maps engine sentinels onto HTTP statuses. A duplicate carries
// the original outcome, including the original hold id for a reserve.
func respondError(c *fiber.Ctx, result Result, err error) error {
	switch {
	case errors.Is(err, ledger.ErrDuplicateOperation):
		return c.Status(http.StatusConflict).JSON(toResponse(result))
	case errors.Is(err, wallet.ErrNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrInvalidAmount):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrInsufficientAvailable),
		errors.Is(err, ledger.ErrInsufficientHeld),
		errors.Is(err, ledger.ErrPolicyRejected):
		return fiber.NewError(http.StatusUnprocessableEntity, err.Error())
	case ledger.Retryable(err):
		return fiber.NewError(http.StatusServiceUnavailable, err.Error())
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}
