package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/custodia-pay/custodia/internal/withdrawal"
)

// RegisterWithdrawalRoutes wires the withdrawal hold lifecycle. Reservation
// endpoints additionally pass through the per-wallet rate limiter.
func RegisterWithdrawalRoutes(r fiber.Router, h *withdrawal.Handler, idem, reserveLimiter fiber.Handler) {
	use := func(handlers ...fiber.Handler) []fiber.Handler {
		chain := make([]fiber.Handler, 0, len(handlers)+1)
		if idem != nil {
			chain = append(chain, idem)
		}
		return append(chain, handlers...)
	}

	r.Post("/wallets/:walletId/withdrawals", use(reserveLimiter, h.Reserve)...)
	r.Post("/wallets/:walletId/withdrawals/finalize", use(h.Finalize)...)
	r.Post("/wallets/:walletId/withdrawals/release", use(h.Release)...)
	r.Post("/wallets/:walletId/withdrawals/execute", use(reserveLimiter, h.Execute)...)
}
