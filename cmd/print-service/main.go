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
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"storyforge/internal/books"
	"storyforge/internal/config"
	"storyforge/internal/fulfillment"
	"storyforge/internal/gateway"
	"storyforge/internal/kafka"
	"storyforge/internal/logger"
	"storyforge/internal/printorder"
	"storyforge/internal/printorder/api"
	"storyforge/internal/printorder/db"
	printkafka "storyforge/internal/printorder/kafka"
	"storyforge/internal/receipt"
	"storyforge/internal/render"
)

// sweepInterval is how often pending print-order payments are reconciled
// against the gateway without waiting for a callback.
const sweepInterval = time.Hour

func main() {
	log := logger.NewLogger("print-service")
	defer log.Close()

	log.Info("APP", "Starting Print Service initialization")

	if err := godotenv.Load(); err != nil {
		log.Warn("CONFIG", ".env file not found, using environment variables")
	} else {
		log.Info("CONFIG", "Loaded environment variables from .env file")
	}
	cfg := config.Load()
	ctx := context.Background()

	// --- PostgreSQL Setup ---
	connector := pgdriver.NewConnector(pgdriver.WithDSN(cfg.Database.DSN()))
	sqldb := sql.OpenDB(connector)
	defer sqldb.Close()

	if err := sqldb.Ping(); err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Failed to connect to Postgres: %v", err))
	}
	sqldb.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.Database.MaxLifetime)
	log.Info("DATABASE", "✅ PostgreSQL connection successful")

	bunDB := bun.NewDB(sqldb, pgdialect.New())

	// --- Redis Setup ---
	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.Redis.Addr,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Redis connection error: %v", err))
	}
	log.Info("DATABASE", fmt.Sprintf("✅ Redis connection successful to %s", cfg.Redis.Addr))

	// --- External Clients ---
	stripeGateway, err := gateway.NewStripeGateway(cfg.Stripe.SecretKey, cfg.Stripe.WebhookSecret, log)
	if err != nil {
		log.Fatal("STRIPE", fmt.Sprintf("Failed to initialize payment gateway: %v", err))
	}

	tokenCache := fulfillment.NewRedisTokenCache(redisClient)
	luluClient := fulfillment.NewLuluClient(cfg.Lulu.BaseURL, cfg.Lulu.ClientKey, cfg.Lulu.ClientSecret, tokenCache, nil, log)
	renderClient := render.NewClient(cfg.Render.BaseURL, nil, log)

	ledger, err := receipt.NewLedgerWithDB(sqldb, log)
	if err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Failed to initialize receipt ledger: %v", err))
	}

	var events printorder.EventPublisher
	if cfg.Kafka.Enabled {
		requiredTopics := []string{
			cfg.Kafka.Topics.OrderCreated,
			cfg.Kafka.Topics.OrderPaid,
			cfg.Kafka.Topics.JobSubmitted,
			cfg.Kafka.Topics.OrderShipped,
			cfg.Kafka.Topics.OrderFailed,
		}
		if err := kafka.EnsureTopicsExist(cfg.Kafka.Brokers, requiredTopics); err != nil {
			log.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
		}
		producer := printkafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topics)
		defer producer.Close()
		events = producer
		log.Info("KAFKA", "Kafka producer initialized successfully")
	} else {
		log.Warn("KAFKA", "Kafka disabled, print order events will not be published")
	}

	// --- Initialize Dependencies ---
	orderDB := &db.DB{Bun: bunDB}
	bookStore := &books.Store{Bun: bunDB}

	log.Info("APP", "📦 Initializing Print Order Service...")
	service := printorder.NewService(orderDB, bookStore, stripeGateway, luluClient, renderClient, ledger, events, cfg.Server.PublicBaseURL, log)
	handler := api.NewHandler(service, stripeGateway, cfg.Frontend.BaseURL, log)

	// --- Payment Sweep ---
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				result, err := service.ProcessPendingPayments(sweepCtx)
				if err != nil {
					log.Error("SWEEP", fmt.Sprintf("Pending payment sweep failed: %v", err))
					continue
				}
				log.Info("SWEEP", fmt.Sprintf("Sweep complete: %d processed, %d failed", result.Processed, result.Failed))
			}
		}
	}()

	// --- Setup Router ---
	r := chi.NewRouter()
	handler.Routes(r)

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("HTTP", fmt.Sprintf("🚀 Print Service running on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP", fmt.Sprintf("HTTP server error: %v", err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	log.Info("APP", "Service started successfully, waiting for shutdown signal")
	<-stop

	log.Info("APP", "Shutdown signal received, initiating graceful shutdown")
	stopSweep()
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctxShutdown); err != nil {
		log.Error("HTTP", fmt.Sprintf("Server shutdown failed: %v", err))
	} else {
		log.Info("HTTP", "✅ Print Service shutdown complete")
	}
}
