package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"foodorder-svc/auth"
	"foodorder-svc/cache"
	"foodorder-svc/circuitbreaker"
	"foodorder-svc/config"
	"foodorder-svc/database"
	orderrpc "foodorder-svc/grpc"
	"foodorder-svc/handlers"
	"foodorder-svc/kafka"
	"foodorder-svc/middleware"
	"foodorder-svc/services"
	"foodorder-svc/store"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	grpcLib "google.golang.org/grpc"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	zapCfg := zap.NewProductionConfig()
	if level, err := zapcore.ParseLevel(cfg.Log.Level); err == nil {
		zapCfg.Level = zap.NewAtomicLevelAt(level)
	}
	logger, err := zapCfg.Build()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// Initialize OpenTelemetry
	shutdown, err := middleware.InitTracing(cfg.ServiceName, cfg.Tracing)
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}
	defer shutdown()

	// Initialize storage
	var st store.Store
	switch cfg.Database.Driver {
	case "memory":
		logger.Warn("Using in-memory store; data is lost on restart")
		st = store.NewMemory()
	default:
		db, err := database.InitDB(cfg.Database, logger)
		if err != nil {
			logger.Fatal("Failed to initialize database", zap.Error(err))
		}
		defer db.Close()
		st = store.NewPostgres(db)
	}

	// Role cache is optional; authorization falls back to the database
	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = cache.InitRedis(cfg.Redis, logger)
		if err != nil {
			logger.Warn("Redis unavailable, role checks will hit the database", zap.Error(err))
			rdb = nil
		} else {
			defer rdb.Close()
		}
	}

	audit := services.NewAuditWriter(st, logger, nil)
	queue := services.NewNotificationQueue(logger, nil)
	authorizer := auth.NewRoleAuthorizer(st, rdb, cfg.Redis.RoleTTL, logger)
	orderService := services.NewOrderService(services.OrderServiceDeps{
		Store: st, Queue: queue, Audit: audit, Authorizer: authorizer, Logger: logger, Settings: cfg.Orders,
	})
	paymentService := services.NewPaymentService(services.PaymentServiceDeps{
		Store: st, Queue: queue, Audit: audit, Authorizer: authorizer, Logger: logger, Settings: cfg.Orders,
	})
	statusService := services.NewStatusService(services.StatusServiceDeps{
		Store: st, Queue: queue, Audit: audit, Authorizer: authorizer, Logger: logger, Settings: cfg.Orders,
	})

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	var workers sync.WaitGroup

	// Notification relay
	if cfg.Relay.Enabled {
		producer, err := kafka.InitProducer(cfg.Kafka, logger)
		if err != nil {
			logger.Fatal("Failed to initialize Kafka producer", zap.Error(err))
		}
		defer producer.Close()

		breaker := circuitbreaker.NewCircuitBreaker(5, 30*time.Second,
			circuitbreaker.OnStateChange(func(from, to circuitbreaker.State) {
				logger.Warn("Kafka circuit breaker changed state",
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			}),
		)
		publisher := kafka.NewPublisher(producer, breaker, logger)
		relay := kafka.NewRelay(st, publisher, cfg.Kafka.NotificationTopic, cfg.Relay, logger)

		workers.Add(1)
		go func() {
			defer workers.Done()
			relay.Run(ctx)
		}()
	}

	// Payment webhook consumer
	if cfg.Kafka.ConsumerEnabled {
		consumer, err := kafka.InitConsumer(cfg.Kafka, logger)
		if err != nil {
			logger.Fatal("Failed to initialize Kafka consumer", zap.Error(err))
		}
		defer consumer.Close()

		paymentConsumer := kafka.NewPaymentConsumer(paymentService, cfg.Kafka.ConsumerMaxRetries, logger)
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := paymentConsumer.Start(ctx, consumer, cfg.Kafka.PaymentTopic); err != nil {
				logger.Error("Kafka consumer error", zap.Error(err))
			}
		}()
	}

	// Setup REST API with Gin
	router := gin.New()
	router.Use(gin.Recovery())
	// OpenTelemetry middleware must be first to extract trace context
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(middleware.LoggerMiddleware(logger))
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.LimitBody(middleware.MaxBodyBytes))

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", middleware.PrometheusHandler())

	orderHandler := handlers.NewOrderHandler(orderService, statusService, logger)
	paymentHandler := handlers.NewPaymentHandler(paymentService, logger)
	secret := []byte(cfg.Auth.JWTSecret)

	if cfg.Auth.WebhookSecret == "" {
		logger.Warn("AUTH_WEBHOOK_SECRET is empty, payment webhooks will be refused")
	}
	router.POST("/webhooks/payments",
		middleware.WebhookSignature([]byte(cfg.Auth.WebhookSecret), cfg.Auth.WebhookHeader, logger),
		paymentHandler.Webhook,
	)
	router.POST("/orders", middleware.OptionalAuthMiddleware(secret, logger), orderHandler.CreateOrder)

	authed := router.Group("/", middleware.AuthMiddleware(secret, logger))
	authed.GET("/orders/:id", orderHandler.GetOrder)
	authed.GET("/orders/:id/history", orderHandler.GetStatusHistory)
	authed.GET("/orders/:id/events", orderHandler.GetEvents)
	authed.PATCH("/orders/:id/status", orderHandler.UpdateOrderStatus)
	authed.POST("/payments/verify", paymentHandler.VerifyPayment)

	restSrv := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: router,
	}

	go func() {
		if err := restSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start REST server", zap.Error(err))
		}
	}()

	logger.Info("Order Service REST API started", zap.String("addr", cfg.HTTP.Addr))

	// Start gRPC server
	grpcListener, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		logger.Fatal("Failed to listen on gRPC port", zap.Error(err))
	}

	grpcServer := grpcLib.NewServer(
		grpcLib.StatsHandler(otelgrpc.NewServerHandler()),
	)
	orderrpc.RegisterOrderServiceServer(grpcServer,
		handlers.NewOrderServer(orderService, statusService, paymentService, secret, logger))

	go func() {
		if err := grpcServer.Serve(grpcListener); err != nil {
			logger.Fatal("Failed to start gRPC server", zap.Error(err))
		}
	}()

	logger.Info("Order Service gRPC server started", zap.String("addr", cfg.GRPC.Addr))

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down servers...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := restSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("REST server forced to shutdown", zap.Error(err))
	}

	grpcServer.GracefulStop()

	stop()
	workers.Wait()

	logger.Info("Servers exited")
}
