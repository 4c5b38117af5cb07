/**
 * @description
 * This is the main entry point for the fulfillment-service. It is responsible for
 * initializing all components of the service, including configuration, database
 * connection, vendor adapters, the message broker, repositories, the core
 * application service, the reconciliation worker, and the HTTP server.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/vendors: Vendor adapter clients.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/datamart/fulfillment-service/internal/api"
	"github.com/datamart/fulfillment-service/internal/app"
	"github.com/datamart/fulfillment-service/internal/config"
	"github.com/datamart/fulfillment-service/internal/store"
	rmrabbit "github.com/datamart/fulfillment-service/pkg/rabbitmq"
	"github.com/datamart/fulfillment-service/pkg/vendors"
	"github.com/datamart/fulfillment-service/pkg/vendors/dataxpress"
	"github.com/datamart/fulfillment-service/pkg/vendors/hubnet"
	"github.com/datamart/fulfillment-service/pkg/vendors/swiftnet"
)

// schemaSQL creates the tables and indexes the repository depends on. The
// partial unique index on refund_credit ledger rows is what makes refunds
// idempotent; do not drop it.
const schemaSQL = `
	CREATE TABLE IF NOT EXISTS accounts (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		subject TEXT NOT NULL UNIQUE,
		phone TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT 'user',
		balance BIGINT NOT NULL DEFAULT 0,
		processing_mode TEXT NOT NULL DEFAULT 'user_override',
		skip_live_global BOOLEAN NOT NULL DEFAULT FALSE,
		skip_live_networks JSONB,
		requires_approval BOOLEAN NOT NULL DEFAULT FALSE,
		daily_order_limit INT NOT NULL DEFAULT 0,
		hourly_order_limit INT NOT NULL DEFAULT 0,
		orders_today INT NOT NULL DEFAULT 0,
		orders_today_date DATE NOT NULL DEFAULT CURRENT_DATE,
		orders_this_hour INT NOT NULL DEFAULT 0,
		orders_hour_start TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE TABLE IF NOT EXISTS orders (
		id UUID PRIMARY KEY,
		reference TEXT NOT NULL UNIQUE,
		account_id UUID NOT NULL REFERENCES accounts(id),
		phone TEXT NOT NULL,
		network TEXT NOT NULL,
		capacity_gb INT NOT NULL,
		price BIGINT NOT NULL,
		channel TEXT NOT NULL,
		processing_method TEXT NOT NULL,
		vendor_id TEXT,
		vendor_order_id TEXT,
		vendor_response JSONB,
		status TEXT NOT NULL,
		failure_reason TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_orders_account_created ON orders (account_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_orders_status_updated ON orders (status, updated_at);
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id UUID PRIMARY KEY,
		reference TEXT NOT NULL UNIQUE,
		account_id UUID NOT NULL REFERENCES accounts(id),
		order_reference TEXT,
		type TEXT NOT NULL,
		amount BIGINT NOT NULL,
		balance_before BIGINT NOT NULL,
		balance_after BIGINT NOT NULL,
		status TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_ledger_account_created ON ledger_entries (account_id, created_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_refund_once
		ON ledger_entries (order_reference) WHERE type = 'refund_credit';
	CREATE TABLE IF NOT EXISTS bundle_prices (
		network TEXT NOT NULL,
		capacity_gb INT NOT NULL,
		role TEXT NOT NULL,
		price BIGINT NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		PRIMARY KEY (network, capacity_gb, role)
	);
	CREATE TABLE IF NOT EXISTS network_inventory (
		network TEXT PRIMARY KEY,
		web_in_stock BOOLEAN NOT NULL DEFAULT TRUE,
		web_skip_vendor BOOLEAN NOT NULL DEFAULT FALSE,
		api_in_stock BOOLEAN NOT NULL DEFAULT TRUE,
		api_skip_vendor BOOLEAN NOT NULL DEFAULT FALSE,
		version INT NOT NULL DEFAULT 1,
		updated_by TEXT,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
`

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	log.Printf("level=info component=bootstrap msg=\"starting fulfillment-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 50
	poolConfig.MinConns = 10
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts behind poolers
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer to publish order events. A broker outage
	// degrades to the no-op fallback; order settlement must not depend on it.
	var eventProducer rmrabbit.Publisher
	producer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		eventProducer = &rmrabbit.EventProducerFallback{}
	} else {
		defer producer.Close()
		eventProducer = producer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Optional Redis for the advisory order-rate guard. Settlement falls back
	// to the in-transaction counters when Redis is absent.
	var rateLimiter *app.RedisOrderRateLimiter
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; advisory rate guard disabled\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; advisory rate guard disabled\" err=%v", parseErr)
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; advisory rate guard disabled\" err=%v", pingErr)
				redisClient.Close()
			} else {
				defer redisClient.Close()
				rateLimiter = app.NewRedisOrderRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	// Vendor adapters get their own HTTP clients bounded by the vendor timeout.
	vendorTimeout := time.Duration(cfg.VendorTimeoutSeconds) * time.Second
	registry := vendors.NewRegistry(
		hubnet.NewClient(cfg.HubnetBaseURL, cfg.HubnetAPIKey, vendorTimeout),
		dataxpress.NewClient(cfg.DataXpressBaseURL, cfg.DataXpressAPIKey, vendorTimeout),
		swiftnet.NewClient(cfg.SwiftnetBaseURL, cfg.SwiftnetAPIKey, vendorTimeout),
	)
	log.Printf("level=info component=bootstrap msg=\"vendor adapters registered\" vendors=%v", registry.IDs())

	// Ensure required tables exist (idempotent)
	if _, err := dbpool.Exec(context.Background(), schemaSQL); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"failed ensuring tables (may already exist)\" err=%v", err)
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the core application service with its dependencies.
	fulfillmentService := app.NewService(repository, registry, eventProducer, rateLimiter, app.ServiceConfig{
		VendorTimeout:      vendorTimeout,
		DuplicateWindowWeb: time.Duration(cfg.DuplicateWindowWebSeconds) * time.Second,
		DuplicateWindowAPI: time.Duration(cfg.DuplicateWindowAPISeconds) * time.Second,
	})

	// Initialize the API handlers.
	fulfillmentHandlers := api.NewFulfillmentHandlers(fulfillmentService)

	// Set up the HTTP router and define the API routes.
	router := chi.NewRouter()
	router.Mount("/", api.FulfillmentRoutes(fulfillmentHandlers, cfg.JWKSURL))

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	// Start the reconciliation worker for orders stranded in processing.
	reconcileCtx, stopReconciler := context.WithCancel(context.Background())
	defer stopReconciler()
	reconciler := app.NewReconciler(
		fulfillmentService,
		time.Duration(cfg.ReconcileIntervalSeconds)*time.Second,
		time.Duration(cfg.ReconcileGraceSeconds)*time.Second,
		cfg.ReconcileBatchSize,
	)
	go reconciler.Run(reconcileCtx)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	stopReconciler()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
