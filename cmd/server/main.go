// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/unclebandit/wa-campaigns/internal/config"
	"github.com/unclebandit/wa-campaigns/internal/controller"
	"github.com/unclebandit/wa-campaigns/internal/db"
	"github.com/unclebandit/wa-campaigns/internal/handler"
	"github.com/unclebandit/wa-campaigns/internal/lock"
	"github.com/unclebandit/wa-campaigns/internal/logger"
	"github.com/unclebandit/wa-campaigns/internal/metrics"
	"github.com/unclebandit/wa-campaigns/internal/queue"
	"github.com/unclebandit/wa-campaigns/internal/realtime"
	"github.com/unclebandit/wa-campaigns/internal/repository"
	"github.com/unclebandit/wa-campaigns/internal/service"
	"github.com/unclebandit/wa-campaigns/internal/whatsapp"
	"github.com/unclebandit/wa-campaigns/internal/worker"
)

const hubCapacity = 64

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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Store
	var store *repository.Store
	if cfg.Store == "postgres" {
		conn, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal("database connection failed", zap.Error(err))
		}
		defer conn.Close()
		store = repository.NewPostgresStore(conn)
	} else {
		log.Warn("using in-memory store, data is lost on restart")
		store = repository.NewMemoryStore()
	}

	// Queue
	var q queue.Queue
	if cfg.QueueDriver == "amqp" {
		aq, err := queue.DialAMQP(cfg.AMQPURL, log)
		if err != nil {
			log.Fatal("queue connection failed", zap.Error(err))
		}
		q = aq
	} else {
		q = queue.NewInMemoryQueue(log)
	}

	// Campaign execution lock
	var locker lock.Locker = lock.NewMemoryLocker()
	if cfg.RedisAddr != "" {
		rc, err := lock.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Fatal("redis connection failed", zap.Error(err))
		}
		defer rc.Close()
		locker = lock.NewRedisLocker(rc, "wa-campaigns:lock:")
	}

	hub := realtime.NewHub(hubCapacity)
	client := whatsapp.NewClient(cfg.WhatsAppBaseURL, cfg.WhatsAppAPIVersion, cfg.SendTimeout, log)

	// Services
	executor := service.NewExecutor(store, client, locker, log)
	executor.LockTTL = cfg.LockTTL
	reconciler := service.NewReconciler(store, hub, log)
	retrier := service.NewRetryService(store, client, log)
	retrier.MaxAttempts = cfg.RetryMaxAttempts
	retrier.BatchSize = cfg.RetryBatchSize
	campaignService := service.NewCampaignService(store, q, log)
	messageService := service.NewMessageService(store, client, log)

	// With the in-memory queue campaigns execute in this process; with AMQP
	// they run in cmd/worker.
	if cfg.QueueDriver != "amqp" {
		if err := queue.StartCampaignExecuteSubscriber(ctx, q, executor.Execute, log); err != nil {
			log.Fatal("subscribing campaign executor failed", zap.Error(err))
		}
	}

	// The first tick runs immediately and resumes campaigns left active.
	var wg sync.WaitGroup
	job := worker.NewJob(cfg.JobInterval, campaignService, retrier, log)
	job.Start(ctx, &wg)

	campaignController := &controller.CampaignController{CampaignService: campaignService, Logger: log}
	messageController := &controller.MessageController{MessageService: messageService, Logger: log}
	webhookHandler := handler.NewWebhookHandler(store, reconciler, cfg.WebhookVerifyToken, cfg.WebhookAppSecret, log)
	streamHandler := handler.NewStreamHandler(hub, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics.Handler())

	// Provider callbacks
	r.Get("/webhook", webhookHandler.Verify)
	r.Post("/webhook", webhookHandler.Receive)

	r.Route("/api", func(r chi.Router) {
		controller.Mount(r, campaignController, messageController)
		r.Get("/conversations/stream", streamHandler.All)
		r.Get("/conversations/{id}/stream", streamHandler.Conversation)
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("server running", zap.String("addr", srv.Addr), zap.String("store", cfg.Store), zap.String("queue", cfg.QueueDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", zap.Error(err))
	}

	job.Stop()
	wg.Wait()
	if err := q.Close(); err != nil {
		log.Error("queue close", zap.Error(err))
	}
	hub.Close()
	log.Info("server stopped")
}
