package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"chainorders/internal/app/lifecycle"
	"chainorders/internal/bus"
	"chainorders/internal/config"
	http_orders "chainorders/internal/handler/http/orders"
	http_webhooks "chainorders/internal/handler/http/webhooks"
	"chainorders/internal/infrastructure/database"
	"chainorders/internal/ledger"
	"chainorders/internal/metrics"
	postgres_endpoint_repo "chainorders/internal/repository/endpoint_repo/postgres"
	postgres_event_repo "chainorders/internal/repository/event_repo/postgres"
	postgres_order_repo "chainorders/internal/repository/order_repo/postgres"
	"chainorders/internal/webhook"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	zapConfig := zap.NewProductionConfig()
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapConfig.EncoderConfig.TimeKey = "timestamp"

	appLogger, err := zapConfig.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create zap logger: %v\n", err)
		os.Exit(1)
	}
	appLogger.Info("Chain Orders service starting...")

	appLogger.Info("Waiting for database to be available...")
	dbConfig := database.DBConfig{
		Host:     cfg.DBConfig.DBHost,
		Port:     cfg.DBConfig.DBPort,
		User:     cfg.DBConfig.DBUser,
		Password: cfg.DBConfig.DBPassword,
		DBName:   cfg.DBConfig.DBName,
		SSLMode:  cfg.DBConfig.DBSSLMode,
	}

	var db *sql.DB
	maxRetries := 10
	retryDelay := 5 * time.Second

	for i := 0; i < maxRetries; i++ {
		db, err = database.NewPostgresDB(dbConfig)
		if err == nil {
			appLogger.Info("Successfully connected to PostgreSQL database!")
			break
		}
		appLogger.Warn(fmt.Sprintf("Failed to connect to database (attempt %d/%d): %v. Retrying in %s...", i+1, maxRetries, err, retryDelay))
		time.Sleep(retryDelay)
	}

	if db == nil {
		appLogger.Fatal("Could not connect to database after multiple retries. Exiting.", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			appLogger.Error("Error closing database connection", zap.Error(err))
		}
	}()

	appLogger.Info("Running database migrations...")
	migrateDSN := "postgres://" + cfg.GetDBMigrationConnectionString()
	m, err := migrate.New("file://migrations", migrateDSN)
	if err != nil {
		appLogger.Fatal("Failed to create migrate instance", zap.Error(err))
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		appLogger.Fatal("Failed to run database migrations", zap.Error(err))
	}
	appLogger.Info("Database migrations completed successfully (or no new migrations).")

	publisher := bus.NewKafkaPublisher(cfg.GetKafkaBrokers(), cfg.KafkaLifecycleTopic, appLogger)
	defer func() {
		if err := publisher.Close(); err != nil {
			appLogger.Error("Error closing Kafka publisher", zap.Error(err))
		}
	}()

	registry := ledger.NewRegistry(func(network string) (ledger.Client, error) {
		return ledger.NewGatewayClient(cfg.LedgerGatewayURL, network, cfg.LedgerCallTimeout,
			appLogger.With(zap.String("component", "LedgerGateway"), zap.String("network", network))), nil
	})
	ledgerClient, err := registry.Get(cfg.LedgerNetwork)
	if err != nil {
		appLogger.Fatal("Failed to build ledger client", zap.Error(err))
	}

	appMetrics := metrics.New()

	orderRepository := postgres_order_repo.NewOrderRepository(db, appLogger)
	eventRepository := postgres_event_repo.NewEventRepository(db, appLogger)
	endpointRepository := postgres_endpoint_repo.NewEndpointRepository(db, appLogger)

	lifecycleService := lifecycle.NewService(
		orderRepository,
		endpointRepository,
		ledgerClient,
		publisher,
		appMetrics,
		cfg.WebhookMaxAttempts,
		cfg.OrderTTL,
		appLogger.With(zap.String("component", "LifecycleEngine")),
	)

	sender := webhook.NewSender(cfg.WebhookSendTimeout, appLogger.With(zap.String("component", "WebhookSender")))
	dispatcher := webhook.NewDispatcher(
		eventRepository,
		endpointRepository,
		sender,
		appMetrics,
		cfg.WebhookPollInterval,
		cfg.WebhookBaseDelay,
		cfg.WebhookBatchSize,
		cfg.WebhookConcurrency,
		appLogger.With(zap.String("component", "WebhookDispatcher")),
	)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	dispatcher.Start(workerCtx)
	appLogger.Info("Webhook dispatcher started.")

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	http_orders.RegisterRoutes(r, lifecycleService, cfg.AdminAPIToken, appLogger)
	http_webhooks.RegisterRoutes(r, dispatcher, eventRepository, appLogger)
	r.Handle("/metrics", metrics.Handler())

	serverAddr := fmt.Sprintf(":%d", cfg.HTTPPort)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()
	appLogger.Info("Chain Orders service started", zap.String("address", serverAddr))

	<-sigChan

	appLogger.Info("Shutting down Chain Orders service...")
	dispatcher.Stop()
	workerCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		appLogger.Fatal("Graceful shutdown failed", zap.Error(err))
	}
	appLogger.Info("Chain Orders service stopped.")
}
