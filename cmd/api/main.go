package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/leafsii/leafsii-liquidity/internal/accrual"
	"github.com/leafsii/leafsii-liquidity/internal/allowance"
	"github.com/leafsii/leafsii-liquidity/internal/api"
	"github.com/leafsii/leafsii-liquidity/internal/calc"
	"github.com/leafsii/leafsii-liquidity/internal/chain"
	"github.com/leafsii/leafsii-liquidity/internal/config"
	"github.com/leafsii/leafsii-liquidity/internal/deposit"
	"github.com/leafsii/leafsii-liquidity/internal/jobs"
	"github.com/leafsii/leafsii-liquidity/internal/ledger"
	"github.com/leafsii/leafsii-liquidity/internal/log"
	"github.com/leafsii/leafsii-liquidity/internal/metrics"
	"github.com/leafsii/leafsii-liquidity/internal/notify"
	"github.com/leafsii/leafsii-liquidity/internal/repository"
	"github.com/leafsii/leafsii-liquidity/internal/store"
	"github.com/leafsii/leafsii-liquidity/internal/wallet"
	"github.com/leafsii/leafsii-liquidity/internal/ws"
	"go.uber.org/zap"
)

var errLedgerUnconfigured = errors.New("LQ_LEDGER_URL is not set")

// unconfiguredLedger keeps records in the outbox until a ledger URL is set.
type unconfiguredLedger struct{}

func (unconfiguredLedger) Post(context.Context, ledger.Record) error {
	return errLedgerUnconfigured
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := log.NewSugar(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Infow("Starting liquidity deposit service",
		"env", cfg.Env,
		"addr", cfg.HTTPAddr,
		"pool", cfg.PoolAddress().Hex(),
	)

	metricsObj, metricsHandler, err := metrics.Setup("leafsii-liquidity")
	if err != nil {
		logger.Fatalw("Failed to setup metrics", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Redis falls back to an in-process cache when unreachable
	cache, err := store.NewCache(cfg.Cache.RedisAddr, logger, metricsObj)
	if err != nil {
		logger.Fatalw("Failed to setup cache", "error", err)
	}
	defer cache.Close()
	if cache.IsInMemoryMode() {
		logger.Infow("Cache running in-memory")
	}

	table := calc.DefaultTable()
	if cfg.Deposit.TiersFile != "" {
		if table, err = calc.LoadTable(cfg.Deposit.TiersFile); err != nil {
			logger.Fatalw("Failed to load APY tiers", "file", cfg.Deposit.TiersFile, "error", err)
		}
	}
	table = table.WithCap(cfg.Deposit.MaxDeposit)

	ethClient, err := chain.Dial(ctx, cfg.Chain.RPCURL)
	if err != nil {
		logger.Fatalw("Failed to dial chain RPC", "url", cfg.Chain.RPCURL, "error", err)
	}
	defer ethClient.Close()

	var keySources []wallet.KeySource
	if cfg.Wallet.KeyFile != "" {
		keySources = append(keySources, wallet.FileKey(cfg.Wallet.KeyFile))
	}
	if cfg.Wallet.PrivateKey != "" {
		keySources = append(keySources, wallet.StaticKey(cfg.Wallet.PrivateKey))
	}
	keyWallet := wallet.NewKeyWallet(wallet.FirstKey(keySources...), logger)
	if err := keyWallet.PromptConnect(ctx); err != nil {
		logger.Warnw("Wallet not connected at startup", "error", err)
	}

	chainOpts := []chain.EVMOption{
		chain.WithGasLimit(cfg.Chain.GasLimit),
		chain.WithPollInterval(cfg.Chain.ReceiptPollInterval),
	}
	if cfg.Chain.ChainID > 0 {
		chainOpts = append(chainOpts, chain.WithChainID(big.NewInt(cfg.Chain.ChainID)))
	}
	evm := chain.NewEVMClient(ethClient, cfg.PoolAddress(), keyWallet, logger, chainOpts...)

	readiness := map[string]api.Pinger{"cache": cache}

	outbox, db := openOutbox(ctx, cfg, logger)
	if db != nil {
		defer db.Close()
		readiness["database"] = outbox.(*repository.Repository)
	}

	var (
		poster     ledger.Poster = unconfiguredLedger{}
		ledgerList api.LedgerLister
	)
	if cfg.Ledger.URL != "" {
		client := ledger.NewClient(cfg.Ledger.URL, cfg.Ledger.Token, cfg.Ledger.Timeout)
		poster = client
		ledgerList = client
	} else {
		logger.Warnw("Ledger URL unset; confirmed deposits stay queued in the outbox")
	}

	reconciler := ledger.NewReconciler(outbox, poster, logger,
		ledger.WithMaxAttempts(cfg.Ledger.MaxAttempts),
		ledger.WithBackoff(cfg.Ledger.Backoff),
		ledger.WithMetrics(metricsObj),
	)

	positions := deposit.NewPositions(evm, cache, logger, cfg.Deposit.MaxDepositIDs)

	notifiers := notify.Multi{
		notify.NewCachePublisher(cache, logger),
		positions,
		notify.Logging{Logger: logger},
	}
	var natsPub *notify.NATSPublisher
	if cfg.NATS.URL != "" {
		natsPub, err = notify.DialNATS(cfg.NATS.URL, cfg.NATS.Subject, logger)
		if err != nil {
			logger.Warnw("NATS unavailable; events stay on the cache bus", "url", cfg.NATS.URL, "error", err)
		} else {
			notifiers = append(notifiers, natsPub)
		}
	}

	allowances := allowance.NewManager(evm, logger)
	orchestrator := deposit.NewOrchestrator(evm, allowances, keyWallet, reconciler, cfg.PoolAddress(), logger,
		deposit.WithTable(table),
		deposit.WithLockDurations(cfg.Deposit.LockDurations),
		deposit.WithDecimalsReader(evm),
		deposit.WithTokenDecimals(cfg.Chain.TokenDecimals),
		deposit.WithNotifier(notifiers),
		deposit.WithMetrics(metricsObj),
		deposit.WithSnapshotStore(cache),
		deposit.WithConfirmationTimeout(cfg.Deposit.ConfirmationTimeout),
		deposit.WithLateConfirmationWindow(cfg.Deposit.LateConfirmationWindow),
	)
	withdrawer := deposit.NewWithdrawer(evm, keyWallet, notifiers, logger, cfg.Deposit.ConfirmationTimeout)

	simulator := accrual.NewSimulator(logger, accrual.WithCadence(cfg.Deposit.AccrualCadence))
	wsHub := ws.NewHub(cache, simulator, table, logger, metricsObj, cfg.Security.CORSAllowedOrigins)
	sseHandler := ws.NewSSEHandler(cache, simulator, table, logger)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	go wsHub.Run(bgCtx)

	worker := jobs.NewLedgerWorker(reconciler, logger, jobs.LedgerWorkerConfig{
		Interval: cfg.Ledger.ReconcileInterval,
	})
	go func() {
		if err := worker.Start(bgCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Errorw("Ledger worker error", "error", err)
		}
	}()

	services := api.Services{
		Deposits:       orchestrator,
		Positions:      positions,
		Withdrawals:    withdrawer,
		Allowances:     allowances,
		Wallet:         keyWallet,
		Decimals:       evm,
		Ledger:         ledgerList,
		Reconciliation: reconciler,
		WSHub:          wsHub,
		SSE:            sseHandler,
		Readiness:      readiness,
	}
	handler := api.NewHandler(services, api.Settings{
		Table:         table,
		LockDurations: cfg.Deposit.LockDurations,
		DefaultToken:  cfg.DefaultToken(),
		Spender:       cfg.PoolAddress(),
		TokenDecimals: cfg.Chain.TokenDecimals,
	}, logger)
	middleware := api.NewMiddleware(logger, metricsObj, cfg.Security.JWTSecret)

	router := handler.Routes(middleware, api.RouteOptions{
		CORSOrigins:    cfg.Security.CORSAllowedOrigins,
		RateLimitRPM:   cfg.Security.RateLimitRPM,
		MetricsHandler: metricsHandler,
	})

	logger.Infow("CORS configured", "allowed_origins", cfg.Security.CORSAllowedOrigins)

	// No WriteTimeout: SSE and WebSocket streams are long-lived, and request
	// routes are bounded by the timeout middleware.
	server := &http.Server{
		Addr:        cfg.HTTPAddr,
		Handler:     router,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Infow("API server starting", "addr", server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Fatalw("Server startup failed", "error", err)
	case sig := <-shutdown:
		logger.Infow("Shutdown signal received", "signal", sig.String())

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Errorw("Graceful shutdown failed", "error", err)
			server.Close()
		}

		orchestrator.Close()
		withdrawer.Close()
		worker.Stop()
		bgCancel()
		if natsPub != nil {
			if err := natsPub.Close(); err != nil {
				logger.Warnw("NATS close failed", "error", err)
			}
		}

		logger.Infow("Server stopped")
	}
}

// openOutbox returns the reconciliation outbox for the configured backend.
// The *sql.DB is nil for the memory backend.
func openOutbox(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (ledger.Outbox, *sql.DB) {
	if cfg.Database.OutboxBackend != "postgres" {
		logger.Infow("Reconciliation outbox in memory")
		return ledger.NewMemoryOutbox(), nil
	}

	db, err := repository.Open(ctx, cfg.Database.PostgresDSN)
	if err != nil {
		logger.Fatalw("Failed to open database", "error", err)
	}
	if cfg.Database.AutoMigrate {
		if err := repository.Migrate(db); err != nil {
			logger.Fatalw("Failed to migrate database", "error", err)
		}
		logger.Infow("Database migrated")
	}
	logger.Infow("Reconciliation outbox in postgres")
	return repository.NewRepository(db, logger), db
}
