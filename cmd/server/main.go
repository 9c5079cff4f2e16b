package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/trovamarket/settlement/internal/adapter/gateway"
	"github.com/trovamarket/settlement/internal/adapter/handler"
	"github.com/trovamarket/settlement/internal/adapter/storage"
	"github.com/trovamarket/settlement/internal/config"
	"github.com/trovamarket/settlement/internal/core/service"
	"github.com/trovamarket/settlement/internal/port"
)

// Store is the union of storage ports one backend provides.
type Store interface {
	port.InventoryLedger
	port.OrderStore
	port.ReturnStore
	port.AuditLog
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := buildLogger(cfg.Env)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()

	var store Store
	var db *sql.DB
	switch cfg.Store {
	case "mysql":
		db, err = sql.Open("mysql", cfg.MySQLDSN)
		if err != nil {
			logger.Fatal("open mysql", zap.Error(err))
		}
		db.SetMaxOpenConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("ping mysql", zap.Error(err))
		}
		store = storage.NewMySQLStore(db)
		logger.Info("connected to mysql")
	case "memory":
		store = storage.NewMemoryStore()
		logger.Info("using in-memory store (demo mode)")
	}

	var cache port.ResultCache
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("ping redis", zap.Error(err))
		}
		cache = storage.NewRedisCache(rdb)
		logger.Info("connected to redis", zap.String("addr", cfg.RedisAddr))
	} else {
		cache = storage.NewMemoryCache()
		logger.Info("using in-process result cache")
	}

	gw := gateway.NewSimulated(gateway.Config{
		DeclineRate:        cfg.GatewayDeclineRate,
		NetworkFailureRate: cfg.GatewayFailureRate,
		Latency:            cfg.GatewayLatency,
	})

	payments := service.NewPaymentService(gw, cache,
		service.BreakerConfig{
			FailureThreshold: cfg.BreakerFailureThreshold,
			SuccessThreshold: cfg.BreakerSuccessThreshold,
			OpenTimeout:      cfg.BreakerOpenTimeout,
		},
		service.RetryPolicy{
			MaxRetries:        cfg.PaymentMaxRetries,
			Delay:             cfg.PaymentRetryDelay,
			BackoffMultiplier: cfg.PaymentBackoff,
			CallTimeout:       cfg.PaymentCallTimeout,
		},
		logger.Named("payments"))

	orchestrator := service.NewOrchestrator(store, store, payments, cache,
		cfg.TaxBps, cfg.FeeBps, logger.Named("orchestrator"))
	returns := service.NewReturnService(store, store, payments, store, logger.Named("returns"))

	h := handler.NewHTTPHandler(orchestrator, returns, payments, handler.HeaderIdentity{}, logger.Named("http"))
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: h.Router(),
	}

	go func() {
		logger.Info("HTTP server listening", zap.String("port", cfg.HTTPPort))
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpServer.Shutdown(shutdownCtx)

	if rdb != nil {
		rdb.Close()
	}
	if db != nil {
		db.Close()
	}
	logger.Info("stopped")
}

func buildLogger(env string) (*zap.Logger, error) {
	if env == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
