package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"printpay/config"
	"printpay/internal/api"
	"printpay/internal/broker"
	"printpay/internal/chain"
	"printpay/internal/pricing"
	"printpay/internal/provider"
	"printpay/internal/redisclient"
	"printpay/internal/service"
	"printpay/internal/store"
	"printpay/internal/util"
	"printpay/internal/webhook"
	"printpay/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting printpay service")

	tp, err := util.InitTracer("printpay", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicNotification)
	defer producer.Close()
	log.Println("Kafka producer initialized")

	eventPublisher := broker.NewEventPublisher(producer)

	governor := service.NewRateGovernor(service.GovernorLimits{
		GlobalPerMinute:  cfg.Provider.GlobalPerMinute,
		CatalogPerMinute: cfg.Provider.CatalogPerMinute,
		PublishPer30Min:  cfg.Provider.PublishPer30Min,
	})

	providerClient := provider.NewClient(
		cfg.Provider.BaseURL,
		cfg.Provider.APIKey,
		time.Duration(cfg.Provider.TimeoutSeconds)*time.Second,
		governor,
	)

	chainClient := chain.NewClient(
		cfg.Chain.RPCEndpoint,
		time.Duration(cfg.Chain.TimeoutSeconds)*time.Second,
	)

	quoter := pricing.NewClient(
		cfg.Pricing.FeedURL,
		cfg.Pricing.FallbackRate,
		time.Duration(cfg.Pricing.CacheTTLSeconds)*time.Second,
		time.Duration(cfg.Pricing.TimeoutSeconds)*time.Second,
		redisClient,
	)

	ledger := service.NewInventoryLedger(db, redisClient, eventPublisher)

	ctx := context.Background()
	if err := ledger.SyncStockMirror(ctx); err != nil {
		log.Printf("Failed to sync stock mirror to Redis: %v", err)
	}

	orchestrator := service.NewFulfillmentOrchestrator(db, ledger, providerClient, eventPublisher)
	tracker := service.NewPaymentTracker(db, db, db, chainClient, quoter, orchestrator, service.TrackerConfig{
		TTL:                time.Duration(cfg.Business.PaymentTTLMinutes) * time.Minute,
		MerchantAddress:    cfg.Business.MerchantAddress,
		SettlementSymbol:   cfg.Business.SettlementSymbol,
		SettlementDecimals: int32(cfg.Business.SettlementDecimals),
	})
	ingestor := webhook.NewIngestor(db, redisClient, orchestrator, cfg.Provider.WebhookSecret, cfg.Server.Env)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	poller := worker.NewPaymentPoller(tracker, redisClient,
		time.Duration(cfg.Business.PollIntervalSeconds)*time.Second)
	go func() {
		if err := poller.Start(workerCtx); err != nil {
			log.Printf("Payment poller error: %v", err)
		}
	}()

	retryWorker := worker.NewSubmissionRetryWorker(orchestrator,
		time.Duration(cfg.Business.RetryIntervalSeconds)*time.Second)
	go func() {
		if err := retryWorker.Start(workerCtx); err != nil {
			log.Printf("Submission retry worker error: %v", err)
		}
	}()

	notificationConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicNotification, cfg.Kafka.ConsumerGroup)
	notificationWorker := worker.NewNotificationWorker(notificationConsumer)
	go func() {
		if err := notificationWorker.Start(workerCtx); err != nil {
			log.Printf("Notification worker error: %v", err)
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	handler := api.NewHandler(tracker, orchestrator, ledger, governor, ingestor)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	workerCancel()
	poller.Stop()
	retryWorker.Stop()
	notificationWorker.Stop()

	log.Println("Server exited")
}
