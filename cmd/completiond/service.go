package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"stayswap/cmd/completiond/config"
	swapdb "stayswap/internal/db/swap"
	"stayswap/internal/ledger"
	"stayswap/internal/observability"
	"stayswap/internal/swap"
)

var openDB = func(driver, dsn string) (*sql.DB, error) {
	return sql.Open(driver, dsn)
}

// buildCompletionService wires the orchestrator: Postgres stores when
// DATABASE_URL is set, the HTTP ledger client when LEDGER_URL is set, and
// in-memory collaborators otherwise.
func buildCompletionService(ctx context.Context, logger *zap.Logger, metrics *observability.Metrics, notifier swap.Notifier) (*swap.CompletionService, func(), error) {
	policy, err := config.LoadPolicy()
	if err != nil {
		return nil, nil, err
	}

	mem := swap.NewMemoryStore()
	var (
		entities swap.EntityStore   = mem
		executor swap.Executor      = mem
		reverts  swap.RollbackStore = mem
		audits   swap.AuditStore    = mem
	)

	cleanup := func() {}
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		sqlDB, err := openDB("pgx", dsn)
		if err != nil {
			return nil, nil, err
		}

		setupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		entityStore, err := swapdb.NewEntityStoreWithSchema(setupCtx, sqlDB)
		if err != nil {
			_ = sqlDB.Close()
			return nil, nil, err
		}
		auditStore, err := swapdb.NewAuditStoreWithSchema(setupCtx, sqlDB)
		if err != nil {
			_ = sqlDB.Close()
			return nil, nil, err
		}

		entities = entityStore
		executor = swapdb.NewExecutorStore(sqlDB)
		reverts = swapdb.NewRollbackStore(sqlDB)
		audits = auditStore
		cleanup = func() {
			if err := sqlDB.Close(); err != nil {
				logger.Warn("close postgres", zap.Error(err))
			}
		}
		logger.Info("postgres stores enabled")
	} else {
		logger.Info("no DATABASE_URL, using in-memory stores")
	}

	recorder, err := buildLedgerRecorder(logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	rollback := swap.NewRollbackManager(reverts, audits, recorder, logger)

	cfg := swap.Config{
		FailOnLedgerError:        policy.FailOnLedgerError,
		RollbackOnPostValidation: policy.RollbackOnPostValidation,
	}
	if policy.PurgePause != nil {
		cfg.PurgePause = *policy.PurgePause
	}

	svc := swap.NewCompletionService(swap.Dependencies{
		Resolver: swap.NewResolver(entities, logger),
		Executor: executor,
		Audits:   audits,
		Ledger:   recorder,
		Rollback: rollback,
		Payments: swap.NewInMemoryPaymentClient(),
		Notifier: notifier,
		Metrics:  metrics,
		Logger:   logger,
	}, cfg)

	return svc, cleanup, nil
}

func buildLedgerRecorder(logger *zap.Logger) (*swap.LedgerRecorder, error) {
	var client swap.LedgerClient
	if strings.TrimSpace(os.Getenv("LEDGER_URL")) != "" {
		cfg, err := config.LoadLedger()
		if err != nil {
			return nil, err
		}
		opts := []ledger.Option{}
		if cfg.APIKey != "" {
			opts = append(opts, ledger.WithAPIKey(cfg.APIKey))
		}
		if cfg.Timeout != nil {
			opts = append(opts, ledger.WithHTTPClient(&http.Client{Timeout: *cfg.Timeout}))
		}
		client = ledger.NewHTTPClient(cfg.URL, opts...)
		logger.Info("ledger http client enabled", zap.String("url", cfg.URL))
	} else {
		client = swap.NewInMemoryLedgerClient()
		logger.Info("no LEDGER_URL, using in-memory ledger")
	}

	// LEDGER_* reliability env adds a limiter and breaker around the client
	// and drives the recorder's retry schedule. The recorder owns the single
	// retry loop, so the wrapper itself does not retry.
	if strings.TrimSpace(os.Getenv("LEDGER_RETRY_MAX_ATTEMPTS")) != "" {
		relCfg, err := swap.LoadReliabilityConfigFromEnv()
		if err != nil {
			return nil, err
		}
		client = swap.NewReliableLedgerClient(
			client,
			swap.NewRateLimiter(relCfg.RateLimitInterval, relCfg.RateLimitBurst),
			swap.NewCircuitBreaker(swap.CircuitBreakerConfig{
				MaxFailures:  relCfg.BreakerMaxFailures,
				ResetTimeout: relCfg.BreakerResetTimeout,
			}),
			swap.RetryPolicy{MaxAttempts: 1},
		)
		return swap.NewLedgerRecorderWithRetry(client, relCfg.RetryPolicy(), logger), nil
	}

	return swap.NewLedgerRecorder(client, logger), nil
}
