package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/custodia-pay/custodia/internal/audit"
	"github.com/custodia-pay/custodia/internal/balance"
	"github.com/custodia-pay/custodia/internal/config"
	"github.com/custodia-pay/custodia/internal/deposit"
	"github.com/custodia-pay/custodia/internal/events"
	"github.com/custodia-pay/custodia/internal/infra"
	"github.com/custodia-pay/custodia/internal/ledger"
	"github.com/custodia-pay/custodia/internal/logging"
	"github.com/custodia-pay/custodia/internal/middleware"
	"github.com/custodia-pay/custodia/internal/risk"
	"github.com/custodia-pay/custodia/internal/routes"
	"github.com/custodia-pay/custodia/internal/server"
	"github.com/custodia-pay/custodia/internal/wallet"
	"github.com/custodia-pay/custodia/internal/withdrawal"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.ServiceName, cfg.Env)

	ctx := context.Background()

	db, err := infra.NewPostgresPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := infra.EnsureSchema(ctx, db); err != nil {
		logger.Error("ensure schema", "error", err)
		os.Exit(1)
	}

	cache, err := infra.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error("connect redis", "error", err)
		os.Exit(1)
	}
	if cache != nil {
		defer func() {
			if err := cache.Close(); err != nil {
				logger.Warn("close redis", "error", err)
			}
		}()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// One engine per process: every request path shares the same store
	// handle and serializes on the store's per-wallet locks.
	store := ledger.NewPostgresStore(db, cfg.LockTimeout)
	policy := risk.NewDailyCapPolicy(cfg.Risk.DailyCap, cfg.Risk.Window)
	engine := ledger.NewEngine(store, policy, logger, ledger.NewMetrics(registry))

	wallets := wallet.NewService(wallet.NewPostgresRepository(db))
	balances := balance.NewReader(store, cache, cfg.BalanceCacheTTL, logger)

	var (
		sink     events.Sink
		producer *events.SyncProducer
	)
	if cfg.MessagingEnabled() {
		producer, err = events.NewSyncProducer(cfg.Kafka.Brokers, logger, events.NewProducerMetrics(registry))
		if err != nil {
			logger.Error("connect kafka producer", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := producer.Close(); err != nil {
				logger.Warn("close kafka producer", "error", err)
			}
		}()
		sink = events.NewKafkaSink(producer, cfg.Kafka.LedgerEntries)
	} else {
		sink = events.NewLogSink(logger)
	}

	deposits := deposit.NewService(engine, wallets, sink, balances)
	withdrawals := withdrawal.NewService(engine, wallets, withdrawal.StaticBroadcaster{}, sink, balances)
	auditSvc := audit.NewService(store, wallets)

	consumerCtx, consumerCancel := context.WithCancel(ctx)
	defer consumerCancel()
	if cfg.MessagingEnabled() {
		consumer, err := events.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, producer, cfg.Kafka.DeadLetter, logger)
		if err != nil {
			logger.Error("join kafka consumer group", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := consumer.Close(); err != nil {
				logger.Warn("close kafka consumer", "error", err)
			}
		}()

		chain := deposit.NewChainConsumer(deposits, wallets, logger)
		go func() {
			if err := consumer.Consume(consumerCtx, []string{cfg.Kafka.ChainEvents}, chain); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("chain event consumer stopped", "error", err)
			}
		}()
	}

	srv, err := server.New(routes.Deps{
		Cfg:         cfg,
		DB:          db,
		Cache:       cache,
		Logger:      logger,
		Registry:    registry,
		HTTPMetrics: middleware.NewHTTPMetrics(registry),
		Wallets:     wallets,
		Balances:    balances,
		Deposits:    deposits,
		Withdrawals: withdrawals,
		Audit:       auditSvc,
	})
	if err != nil {
		logger.Error("build server", "error", err)
		os.Exit(1)
	}

	srvErrCh := make(chan error, 1)
	go func() {
		srvErrCh <- srv.Listen()
	}()

	logger.Info("server started", "addr", cfg.Address(), "env", cfg.Env)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-srvErrCh:
		if err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
		return
	}

	consumerCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("server exited cleanly")
}
