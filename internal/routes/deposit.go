package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/custodia-pay/custodia/internal/deposit"
)

// RegisterDepositRoutes wires deposit lifecycle endpoints. idem may be nil
// when no response cache is configured.
func RegisterDepositRoutes(r fiber.Router, h *deposit.Handler, idem fiber.Handler) {
	if idem != nil {
		r.Post("/wallets/:walletId/deposits", idem, h.Record)
		r.Post("/wallets/:walletId/deposits/confirm", idem, h.Confirm)
		return
	}
	r.Post("/wallets/:walletId/deposits", h.Record)
	r.Post("/wallets/:walletId/deposits/confirm", h.Confirm)
}
