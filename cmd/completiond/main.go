package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"stayswap/cmd/completiond/config"
	"stayswap/internal/notify"
	"stayswap/internal/observability"
	"stayswap/internal/realtime"
	"stayswap/internal/swap"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("completiond error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	metrics := observability.NewMetrics()

	hub := realtime.NewHub()
	go hub.Run()

	notifiers := []swap.Notifier{notify.NewHubNotifier(hub)}

	var redisClient *redis.Client
	if strings.TrimSpace(os.Getenv("REDIS_URL")) != "" {
		redisCfg, err := config.LoadRedis()
		if err != nil {
			return err
		}
		redisClient, err = buildRedisClient(ctx, redisCfg)
		if err != nil {
			return err
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("close redis", zap.Error(err))
			}
		}()
		notifiers = append(notifiers, buildRedisNotifier(redisClient, redisCfg))
		logger.Info("redis event publishing enabled")
	} else {
		logger.Info("no REDIS_URL, events are local only")
	}

	notifier := notify.NewBestEffort(notify.NewFanout(notifiers...), logger)

	svc, cleanup, err := buildCompletionService(ctx, logger, metrics, notifier)
	if err != nil {
		return err
	}
	defer cleanup()

	obsCfg, err := config.LoadObservability()
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler(metrics))
	mux.Handle("/events", eventsHandler(hub, logger))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:    obsCfg.Addr,
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", zap.Error(err))
		}
	}()
	logger.Info("completiond running", zap.String("addr", obsCfg.Addr))

	if redisClient != nil {
		intakeCfg, err := config.LoadIntake()
		if err != nil {
			return err
		}
		loop := newIntakeLoop(redisClient, svc, intakeCfg.Stream, intakeCfg.Block, logger)
		go loop.Run(ctx)
		logger.Info("intake loop started", zap.String("stream", intakeCfg.Stream))
	} else {
		logger.Info("intake disabled without redis")
	}

	<-ctx.Done()
	metrics.MarkShutdown(0)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	return nil
}
