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

	"settlement-service/config"
	"settlement-service/internal/api"
	"settlement-service/internal/broker"
	"settlement-service/internal/payment"
	"settlement-service/internal/redisclient"
	"settlement-service/internal/service"
	"settlement-service/internal/store"
	"settlement-service/internal/util"
	"settlement-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting settlement service")

	tp, err := util.InitTracer(util.ServiceName, cfg.Observ.JaegerEndpoint, cfg.Server.Env)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
	defer producer.Close()
	logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicOrder))

	eventPublisher := broker.NewEventPublisher(producer)

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 10*time.Second)
	schema, err := service.ResolvePreferenceSchema(startupCtx, db, cfg.Business.PreferenceSchemaVersion)
	startupCancel()
	if err != nil {
		logger.Fatal("Failed to resolve notification preference schema", zap.Error(err))
	}
	logger.Info("Notification preference schema resolved", zap.Strings("columns", schema.Columns()))

	timeouts := service.Timeouts{
		Processor: cfg.Business.ProcessorTimeout,
		Store:     cfg.Business.StoreTimeout,
	}

	dispatcher := service.NewNotificationDispatcher(db, schema, cfg.Business.StoreTimeout)
	notifier := service.NewNotifier(dispatcher, cfg.Business.LowStockThreshold)

	ledger, err := service.NewLedgerService(db, redisClient, cfg.Business.LedgerStrategy,
		cfg.Business.LedgerLockTTL, cfg.Business.StoreTimeout)
	if err != nil {
		logger.Fatal("Failed to configure ledger", zap.Error(err))
	}

	processor := payment.NewStripeProcessor(payment.StripeConfig{
		SecretKey:     cfg.Stripe.SecretKey,
		WebhookSecret: cfg.Stripe.WebhookSecret,
		RefreshURL:    cfg.Stripe.RefreshURL,
		ReturnURL:     cfg.Stripe.ReturnURL,
		HTTPTimeout:   cfg.Business.ProcessorTimeout,
	})

	connectService := service.NewConnectService(db, processor, eventPublisher, cfg.Business.DefaultCountry, timeouts)
	paymentService := service.NewPaymentService(db, processor, redisClient, eventPublisher, notifier, service.PaymentConfig{
		PlatformFeeRate: cfg.Business.PlatformFeeRate,
		Currency:        cfg.Business.Currency,
		IdempotencyTTL:  cfg.Business.IdempotencyTTL,
		Timeouts:        timeouts,
	})
	orderService := service.NewOrderService(db, ledger, notifier, eventPublisher,
		cfg.Business.ShippingFee, cfg.Business.StoreTimeout)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	inboundConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicInbound, cfg.Kafka.ConsumerGroup)
	notificationWorker := worker.NewNotificationWorker(inboundConsumer, db, notifier)
	go func() {
		if err := notificationWorker.Start(workerCtx); err != nil {
			logger.Error("Notification worker error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(api.Dependencies{
		Orders:        orderService,
		Payments:      paymentService,
		Connect:       connectService,
		Notifications: dispatcher,
		Auth:          api.NewAuthenticator(cfg.Auth.JWTSecret),
		Limiter:       api.NewRateLimiter(rate.Limit(cfg.Server.RateLimit), cfg.Server.RateBurst),
		Checks: map[string]api.Pinger{
			"postgres": db,
			"redis":    redisClient,
		},
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if err := notificationWorker.Stop(); err != nil {
		logger.Warn("Error stopping notification worker", zap.Error(err))
	}

	logger.Info("Server exited")
}
