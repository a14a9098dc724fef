// cmd/worker/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/wa-campaigns/internal/config"
	"github.com/unclebandit/wa-campaigns/internal/db"
	"github.com/unclebandit/wa-campaigns/internal/lock"
	"github.com/unclebandit/wa-campaigns/internal/logger"
	"github.com/unclebandit/wa-campaigns/internal/metrics"
	"github.com/unclebandit/wa-campaigns/internal/queue"
	"github.com/unclebandit/wa-campaigns/internal/repository"
	"github.com/unclebandit/wa-campaigns/internal/service"
	"github.com/unclebandit/wa-campaigns/internal/whatsapp"
)

// The worker consumes campaign_execute jobs from RabbitMQ and runs the
// executor. It shares Postgres and the Redis lock with the API server.
func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}
	if cfg.Store != "postgres" {
		log.Fatal("worker requires STORE=postgres")
	}
	if cfg.RedisAddr == "" {
		log.Warn("REDIS_ADDR not set, campaign lock is local to this process")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("database connection failed", zap.Error(err))
	}
	defer conn.Close()
	store := repository.NewPostgresStore(conn)

	var locker lock.Locker = lock.NewMemoryLocker()
	if cfg.RedisAddr != "" {
		rc, err := lock.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Fatal("redis connection failed", zap.Error(err))
		}
		defer rc.Close()
		locker = lock.NewRedisLocker(rc, "wa-campaigns:lock:")
	}

	client := whatsapp.NewClient(cfg.WhatsAppBaseURL, cfg.WhatsAppAPIVersion, cfg.SendTimeout, log)
	executor := service.NewExecutor(store, client, locker, log)
	executor.LockTTL = cfg.LockTTL

	// Connect to RabbitMQ
	q, err := queue.DialAMQP(cfg.AMQPURL, log)
	if err != nil {
		log.Fatal("queue connection failed", zap.Error(err))
	}

	if err := queue.StartCampaignExecuteSubscriber(ctx, q, executor.Execute, log); err != nil {
		log.Fatal("failed to register consumer", zap.Error(err))
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	log.Info("worker running, waiting for campaign jobs")
	<-ctx.Done()

	log.Info("shutting down worker")
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	if err := q.Close(); err != nil {
		log.Error("queue close", zap.Error(err))
	}
}
