package wallet

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/custodia-pay/custodia/internal/ledger"
)

// BalanceSource yields the current bucket snapshot for a wallet. The cached
// reader satisfies it in production; a bare store does in tests.
type BalanceSource interface {
	Balance(ctx context.Context, walletID string) (ledger.Balance, error)
}

// Handler exposes wallet HTTP endpoints.
type Handler struct {
	service  *Service
	balances BalanceSource
}

// NewHandler builds a wallet HTTP handler.
func NewHandler(service *Service, balances BalanceSource) *Handler {
	return &Handler{service: service, balances: balances}
}

type resolveRequest struct {
	OwnerID string `json:"owner_id"`
	Asset   string `json:"asset"`
}

type walletResponse struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Asset     string    `json:"asset"`
	CreatedAt time.Time `json:"created_at"`
}

// Resolve returns the wallet for the posted (owner, asset) pair, creating
// it on first use.
func (h *Handler) Resolve(c *fiber.Ctx) error {
	var req resolveRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	wallet, err := h.service.Resolve(c.UserContext(), req.OwnerID, req.Asset)
	if err != nil {
		if errors.Is(err, ErrInvalidInput) {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
		return fiber.NewError(http.StatusServiceUnavailable, err.Error())
	}
	return c.Status(http.StatusCreated).JSON(walletResponse{
		ID:        wallet.ID,
		OwnerID:   wallet.OwnerID,
		Asset:     wallet.Asset,
		CreatedAt: wallet.CreatedAt,
	})
}

// Balance returns the wallet's bucket snapshot.
func (h *Handler) Balance(c *fiber.Ctx) error {
	walletID := c.Params("walletId")
	if _, err := h.service.Get(c.UserContext(), walletID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fiber.NewError(http.StatusNotFound, err.Error())
		}
		return fiber.NewError(http.StatusServiceUnavailable, err.Error())
	}
	balance, err := h.balances.Balance(c.UserContext(), walletID)
	if err != nil {
		return fiber.NewError(http.StatusServiceUnavailable, err.Error())
	}
	return c.Status(http.StatusOK).JSON(balance)
}
