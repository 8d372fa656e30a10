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

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"boxoffice/internal/audit"
	"boxoffice/internal/cart"
	"boxoffice/internal/config"
	"boxoffice/internal/database/migrations"
	"boxoffice/internal/eventbus"
	"boxoffice/internal/invoice"
	"boxoffice/internal/logger"
	"boxoffice/internal/mail"
	"boxoffice/internal/order"
	"boxoffice/internal/order/api"
	"boxoffice/internal/order/db"
	"boxoffice/internal/payment"
	"boxoffice/internal/quota"
	"boxoffice/internal/tickets"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log := logger.NewLogger("boxoffice")
	defer log.Close()

	ctx := context.Background()

	// --- PostgreSQL Setup ---
	connector := pgdriver.NewConnector(pgdriver.WithDSN(cfg.Database.DSN))
	sqldb := sql.OpenDB(connector)
	defer sqldb.Close()
	sqldb.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.Database.MaxLifetime)

	if err := sqldb.Ping(); err != nil {
		log.Fatal("DB", fmt.Sprintf("❌ Failed to connect to Postgres: %v", err))
	}
	bunDB := bun.NewDB(sqldb, pgdialect.New())

	runner := migrations.NewRunner(bunDB, migrations.DefaultOptions())
	if err := runner.MigrateUp(); err != nil {
		log.Fatal("DB", fmt.Sprintf("❌ Migrations failed: %v", err))
	}
	defer runner.Close()

	// --- Redis Setup ---
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	log.Info("REDIS", "🔗 Connecting to Redis...")
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatal("REDIS", fmt.Sprintf("❌ Failed to connect to Redis: %v", err))
	}

	// --- Initialize Dependencies ---
	store := db.New(bunDB)
	holds := cart.NewHolds(redisClient, cfg.Orders.CartHoldTTL)
	evaluator := quota.NewEvaluator(store, holds, quota.NewRedisCache(redisClient), log)

	var bus eventbus.Publisher
	if cfg.Kafka.Enabled && !cfg.Kafka.MockMode {
		bus = eventbus.NewProducer(cfg.Kafka, log)
	} else {
		bus = &eventbus.MockProducer{}
		log.Info("KAFKA", "📭 Kafka disabled, events are recorded in memory only")
	}

	payment.InitStripe(os.Getenv("STRIPE_SECRET_KEY"))
	providers := payment.NewRegistry(payment.Manual{}, payment.Free{}, payment.NewStripe(log))

	auditLog := audit.NewLogger(bunDB)
	mailer := mail.NewSMTPMailer(cfg.Email, log)

	log.Info("BOOT", "📦 Initializing Order Service...")
	orders := order.NewService(store, evaluator, providers, bus, auditLog, mailer, log, cfg.Orders.PaymentTerm)
	invoices := invoice.NewService(store, auditLog, log, os.Getenv("INVOICE_PREFIX"))
	orders.Invoices = invoices
	orders.Carts = holds
	ticketGen := tickets.NewGenerator(cfg.Tickets.QRSecret, store, log)
	scheduler := mail.NewScheduler(store, mailer, log)

	handler := &api.Handler{
		Orders:   orders,
		Invoices: invoices,
		Tickets:  ticketGen,
		Quota:    evaluator,
		Audit:    auditLog,
		Store:    store,
		Log:      log,
	}

	// --- Background Sweeps ---
	sweepCtx, stopSweeps := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(cfg.Orders.ExpirySweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				if n, err := orders.ExpireOverdue(sweepCtx); err != nil {
					log.Error("SWEEP", fmt.Sprintf("expiry sweep failed: %v", err))
				} else if n > 0 {
					log.Info("SWEEP", fmt.Sprintf("⌛ expired %d overdue orders", n))
				}
				if n, err := scheduler.SendDue(sweepCtx); err != nil {
					log.Error("SWEEP", fmt.Sprintf("scheduled mail sweep failed: %v", err))
				} else if n > 0 {
					log.Info("SWEEP", fmt.Sprintf("📧 sent %d scheduled mails", n))
				}
			}
		}
	}()

	// --- Start HTTP Server ---
	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      handler.Router(cfg.Server.JWTSecret),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("BOOT", "🚀 Box office running on "+cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("BOOT", fmt.Sprintf("❌ HTTP server error: %v", err))
		}
	}()

	// --- Graceful Shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("BOOT", "📦 Shutdown signal received. Cleaning up...")
	stopSweeps()

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctxShutdown); err != nil {
		log.Fatal("BOOT", fmt.Sprintf("❌ Server forced to shutdown: %v", err))
	}
	log.Info("BOOT", "✅ Server exited gracefully")
}
