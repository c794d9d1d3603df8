package audit

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/custodia-pay/custodia/internal/ledger"
	"github.com/custodia-pay/custodia/internal/wallet"
)

const (
	defaultEntryLimit = 50
	maxEntryLimit     = 500
)

// Handler exposes the ledger audit endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs an audit handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type entriesResponse struct {
	WalletID string         `json:"wallet_id"`
	Entries  []ledger.Entry `json:"entries"`
	// NextBeforeID carries the cursor for the next page, zero when the page
	// was not full.
	NextBeforeID int64 `json:"next_before_id,omitempty"`
}

// Entries returns one page of the wallet's ledger, newest first. Query
// params: limit (default 50, capped at 500) and before_id for keyset paging.
func (h *Handler) Entries(c *fiber.Ctx) error {
	walletID := c.Params("walletId")

	limit := c.QueryInt("limit", defaultEntryLimit)
	if limit <= 0 {
		limit = defaultEntryLimit
	}
	if limit > maxEntryLimit {
		limit = maxEntryLimit
	}

	beforeID, err := strconv.ParseInt(c.Query("before_id", "0"), 10, 64)
	if err != nil || beforeID < 0 {
		return fiber.NewError(http.StatusBadRequest, "before_id must be a non-negative integer")
	}

	entries, err := h.service.Entries(c.UserContext(), walletID, limit, beforeID)
	if err != nil {
		return respondError(err)
	}

	resp := entriesResponse{WalletID: walletID, Entries: entries}
	if len(entries) == limit {
		resp.NextBeforeID = entries[len(entries)-1].ID
	}
	return c.Status(http.StatusOK).JSON(resp)
}

// Verify replays the wallet's ledger and reports whether the derived
// aggregate matches the stored one.
func (h *Handler) Verify(c *fiber.Ctx) error {
	report, err := h.service.Verify(c.UserContext(), c.Params("walletId"))
	if err != nil {
		return respondError(err)
	}
	return c.Status(http.StatusOK).JSON(report)
}

func respondError(err error) error {
	switch {
	case errors.Is(err, wallet.ErrNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case ledger.Retryable(err):
		return fiber.NewError(http.StatusServiceUnavailable, err.Error())
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}
