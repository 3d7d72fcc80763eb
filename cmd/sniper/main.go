// cmd/sniper/main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/timur-me/kleinanzeigen-sniper/internal/common/config"
	"github.com/timur-me/kleinanzeigen-sniper/internal/common/database"
	"github.com/timur-me/kleinanzeigen-sniper/internal/common/logger"
	"github.com/timur-me/kleinanzeigen-sniper/internal/dispatch"
	"github.com/timur-me/kleinanzeigen-sniper/internal/notify"
	"github.com/timur-me/kleinanzeigen-sniper/internal/scan"
	"github.com/timur-me/kleinanzeigen-sniper/internal/scheduler"
	"github.com/timur-me/kleinanzeigen-sniper/internal/source"
	"github.com/timur-me/kleinanzeigen-sniper/internal/store"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2 // Exponential backoff
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLog.Sync()

	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting sniper...",
		zap.String("version", cfg.App.Version),
		zap.String("environment", cfg.App.Environment),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Init PostgreSQL with retry ---
	var pg *database.PostgresClient
	err = retryWithBackoff(func() error {
		var err error
		pg, err = database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return err
		}
		return pg.Ping(ctx)
	}, 15, 2*time.Second, zapLog, "PostgreSQL connection")

	if err != nil {
		zapLog.Fatal("postgres failed after retries", zap.Error(err))
	}
	defer pg.Close()
	zapLog.Info("PostgreSQL connected successfully")

	// --- Init Redis with retry ---
	var rdb *database.RedisClient
	err = retryWithBackoff(func() error {
		var err error
		rdb, err = database.NewRedis(cfg.Database.Redis)
		if err != nil {
			return err
		}
		return rdb.Ping(ctx)
	}, 10, 2*time.Second, zapLog, "Redis connection")

	if err != nil {
		zapLog.Fatal("redis failed after retries", zap.Error(err))
	}
	defer rdb.Close()
	zapLog.Info("Redis connected successfully")

	// --- Stores ---
	searches := store.NewSearchStore(pg.DB)
	listings := store.NewListingStore(pg.DB)
	ledger := store.NewNotificationLedger(pg.DB)

	// --- Source client ---
	sourceClient, err := source.NewClient(cfg.Source, rdb.Client, log)
	if err != nil {
		zapLog.Fatal("source client init failed", zap.Error(err))
	}

	// --- Pipeline ---
	orchestrator := scan.New(searches, listings, ledger, sourceClient, cfg.Scan.MaxConcurrent, log)

	channel := notify.NewTelegramChannel(cfg.Telegram, log)
	renderer := notify.NewMessageRenderer()
	backoff := dispatch.NewRedisBackoffStore(rdb.Client)
	dispatcher := dispatch.New(ledger, listings, renderer, channel, backoff, log)

	sched := scheduler.New(orchestrator, dispatcher, cfg.Scan, log)
	if err := sched.Start(ctx); err != nil {
		zapLog.Fatal("scheduler start failed", zap.Error(err))
	}

	// --- Health & Metrics Server ---
	go func() {
		http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]string{
				"status": "healthy",
				"time":   time.Now().Format(time.RFC3339),
			})
		})
		http.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
		zapLog.Info("Health/Metrics server listening", zap.String("addr", addr))
		if err := http.ListenAndServe(addr, nil); err != nil {
			zapLog.Error("Health/Metrics server failed", zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	zapLog.Info("Shutdown signal received, stopping pipeline...")
	cancel()
	sched.Stop()

	zapLog.Info("Sniper stopped gracefully")
}
