package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"github.com/rl1809/canteen-ledger/internal/adapter/events"
	"github.com/rl1809/canteen-ledger/internal/adapter/handler"
	"github.com/rl1809/canteen-ledger/internal/adapter/notify"
	"github.com/rl1809/canteen-ledger/internal/adapter/storage"
	"github.com/rl1809/canteen-ledger/internal/config"
	"github.com/rl1809/canteen-ledger/internal/core/service"
	"github.com/rl1809/canteen-ledger/internal/metrics"
	"github.com/rl1809/canteen-ledger/internal/port"
)

type ledgerStore interface {
	port.DatabaseRepository
	port.MenuRepository
	EnsureSchema(ctx context.Context) error
}

type sideStore interface {
	port.CacheRepository
	port.SessionStore
	port.EventPublisher
	port.EventSubscriber
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
		logger.Info("connections closed")
	}()

	// Initialize ledger store
	var store ledgerStore
	var side sideStore
	switch cfg.Store.Driver {
	case "mysql":
		db, err := storage.OpenMySQL(ctx, cfg.Store.MySQLDSN)
		if err != nil {
			return fmt.Errorf("connect mysql: %w", err)
		}
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)
		closers = append(closers, func() { db.Close() })
		store = storage.NewMySQLAdapter(db)
		logger.Info("connected to mysql")
	case "postgres":
		pool, err := storage.OpenPostgres(ctx, cfg.Store.PostgresURL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		closers = append(closers, pool.Close)
		store = storage.NewPostgresAdapter(pool)
		logger.Info("connected to postgres")
	case "memory":
		mem := storage.NewMemoryAdapter()
		store, side = mem, mem
		logger.Warn("using in-memory store; data is lost on restart")
	}

	if cfg.Store.AutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}

	// Initialize Redis
	if side == nil {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			PoolSize: 100,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		closers = append(closers, func() { rdb.Close() })
		side = storage.NewRedisAdapter(rdb)
		logger.Info("connected to redis")
	}

	publisher := events.Fanout{side}
	if brokers := events.ParseBrokers(cfg.Kafka.Brokers); len(brokers) > 0 {
		kp := events.NewKafkaPublisher(brokers, cfg.Kafka.Topic)
		closers = append(closers, func() { kp.Close() })
		publisher = append(publisher, kp)
		logger.Info("publishing order events to kafka", "brokers", brokers, "topic", cfg.Kafka.Topic)
	}

	notifier, err := newNotifier(cfg.Notify, logger)
	if err != nil {
		return fmt.Errorf("init notifier: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	ledgerMetrics := metrics.NewLedger(reg)

	// Start notification workers
	dispatcher := service.NewDispatcher(notifier, cfg.Notify.Workers, cfg.Notify.QueueSize, cfg.Notify.Timeout, logger, ledgerMetrics)
	logger.Info("started notification workers", "count", cfg.Notify.Workers, "provider", cfg.Notify.Provider)

	// Initialize services
	orderService := service.NewOrderService(store, store, side, dispatcher, service.Config{
		Location:            cfg.Ledger.Location,
		MaxAllocateAttempts: cfg.Ledger.MaxAllocateAttempts,
		NotifyWait:          cfg.Notify.Wait,
		CafeteriaName:       cfg.Ledger.CafeteriaName,
	}, service.WithEvents(publisher), service.WithMetrics(ledgerMetrics), service.WithLogger(logger))
	menuService := service.NewMenuService(store, logger)

	accounts := make([]service.AdminAccount, len(cfg.Auth.AdminUsers))
	for i, u := range cfg.Auth.AdminUsers {
		accounts[i] = service.AdminAccount{Name: u.Name, Category: u.Category, PasswordHash: u.PasswordHash}
	}
	if len(accounts) == 0 {
		logger.Warn("no ADMIN_USERS configured; admin endpoints will reject every login")
	}
	authService := service.NewAuthService(accounts, side, side, service.AuthConfig{
		SessionTTL:  cfg.Auth.SessionTTL,
		MaxAttempts: cfg.Auth.LoginMaxAttempts,
		Window:      cfg.Auth.LoginWindow,
	}, logger)

	// Catch up on a missed rollover before taking traffic
	if applied, err := orderService.ResetDaily(ctx, orderService.Today()); err != nil {
		logger.Warn("startup reset check failed", "err", err)
	} else if applied {
		logger.Info("ledger rolled over at startup", "day", orderService.Today())
	}

	// Initialize gRPC server
	grpcServer := grpc.NewServer()
	handler.RegisterLedgerServer(grpcServer, handler.NewGRPCHandler(orderService, authService, cfg.Auth.PaymentKey))

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	go func() {
		logger.Info("gRPC server listening", "addr", cfg.Server.GRPCAddr)
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server error", "err", err)
		}
	}()

	// Initialize HTTP server
	httpHandler := handler.NewHTTPHandler(orderService, menuService, authService, side,
		metrics.NewServerMetrics(reg), logger, handler.HTTPConfig{
			CronAPIKey: cfg.Auth.CronAPIKey,
			PaymentKey: cfg.Auth.PaymentKey,
		})

	httpServer := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           httpHandler.Routes(reg),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		logger.Info("HTTP server listening", "addr", cfg.Server.HTTPAddr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "err", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	// SSE streams hold connections open; cancelling the base context ends them
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown", "err", err)
	}
	logger.Info("HTTP server stopped")

	grpcServer.GracefulStop()
	logger.Info("gRPC server stopped")

	dispatcher.Close()
	logger.Info("notification workers stopped")
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func newNotifier(cfg config.NotifyConfig, logger *slog.Logger) (port.Notifier, error) {
	switch cfg.Provider {
	case "twilio":
		return notify.NewTwilioNotifier(notify.TwilioConfig{
			AccountSID:  cfg.TwilioSID,
			AuthToken:   cfg.TwilioToken,
			FromNumber:  cfg.TwilioFrom,
			CountryCode: cfg.CountryCode,
		}, nil), nil
	case "telegram":
		return notify.NewTelegramNotifier(cfg.TelegramToken)
	default:
		return notify.NewLogNotifier(logger), nil
	}
}
