package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/custodia-pay/custodia/internal/audit"
	"github.com/custodia-pay/custodia/internal/config"
	"github.com/custodia-pay/custodia/internal/deposit"
	"github.com/custodia-pay/custodia/internal/middleware"
	"github.com/custodia-pay/custodia/internal/wallet"
	"github.com/custodia-pay/custodia/internal/withdrawal"
)

// Deps aggregates shared dependencies required to wire routes. Services are
// constructed once in main and threaded through here, so every request path
// shares the same engine instance and store connections.
type Deps struct {
	Cfg         config.Config
	DB          *pgxpool.Pool
	Cache       *redis.Client
	Logger      *slog.Logger
	Registry    *prometheus.Registry
	HTTPMetrics *middleware.HTTPMetrics

	Wallets     *wallet.Service
	Balances    wallet.BalanceSource
	Deposits    *deposit.Service
	Withdrawals *withdrawal.Service
	Audit       *audit.Service
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	if d.Wallets == nil || d.Deposits == nil || d.Withdrawals == nil || d.Audit == nil {
		return fmt.Errorf("routes: services must be wired before setup")
	}
	if d.Balances == nil {
		return fmt.Errorf("routes: balance source must be wired before setup")
	}

	// Middlewares
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.Audit(d.Logger))
	app.Use(middleware.Metrics(d.HTTPMetrics))

	// Health and metrics
	RegisterHealthRoutes(app, d)
	if d.Registry != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(d.Registry, promhttp.HandlerOpts{})))
	}

	// Handlers
	walletHandler := wallet.NewHandler(d.Wallets, d.Balances)
	depositHandler := deposit.NewHandler(d.Deposits)
	withdrawalHandler := withdrawal.NewHandler(d.Withdrawals)
	auditHandler := audit.NewHandler(d.Audit)

	// API routes
	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		reqID, _ := c.Locals("X-Request-ID").(string)
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": reqID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	RegisterWalletRoutes(api, walletHandler)
	RegisterAuditRoutes(api, auditHandler)

	// Mutation routes replay full responses through the idempotency cache
	// when Redis is present; without it the engine's ledger-level key check
	// still holds.
	var idem fiber.Handler
	if d.Cache != nil {
		idem = middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger)
	}
	RegisterDepositRoutes(api, depositHandler, idem)

	reserveLimiter := middleware.ReserveRateLimit(d.Cache, d.Cfg.ReservePerMin)
	RegisterWithdrawalRoutes(api, withdrawalHandler, idem, reserveLimiter)

	return nil
}
