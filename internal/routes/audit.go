package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/custodia-pay/custodia/internal/audit"
)

// RegisterAuditRoutes wires the read-only ledger audit endpoints.
func RegisterAuditRoutes(r fiber.Router, h *audit.Handler) {
	r.Get("/wallets/:walletId/entries", h.Entries)
	r.Get("/wallets/:walletId/audit", h.Verify)
}
