package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AfshinJalili/custody/libs/health"
	"github.com/AfshinJalili/custody/libs/httpmiddleware"
	"github.com/AfshinJalili/custody/libs/kafka"
	"github.com/AfshinJalili/custody/libs/logging"
	"github.com/AfshinJalili/custody/libs/metrics"
	"github.com/AfshinJalili/custody/libs/trace"
	"github.com/AfshinJalili/custody/services/wallet/internal/config"
	"github.com/AfshinJalili/custody/services/wallet/internal/consumer"
	"github.com/AfshinJalili/custody/services/wallet/internal/exchange"
	"github.com/AfshinJalili/custody/services/wallet/internal/handlers"
	"github.com/AfshinJalili/custody/services/wallet/internal/ledger"
	"github.com/AfshinJalili/custody/services/wallet/internal/reconcile"
	"github.com/AfshinJalili/custody/services/wallet/internal/scheduler"
	"github.com/AfshinJalili/custody/services/wallet/internal/service"
	"github.com/AfshinJalili/custody/services/wallet/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
)

type walletStore interface {
	ledger.Transactor
	handlers.WalletReader
	reconcile.LedgerReader
	reconcile.SnapshotReader
	reconcile.DiscrepancyWriter
	Ping(ctx context.Context) error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	shutdownTracer, err := trace.InitTracer(cfg.App.ServiceName, cfg.App.Env, cfg.OTLPEndpoint)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := metrics.NewRegistry()
	walletMetrics := service.NewMetrics(registry)
	ready := health.NewManager(false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("ledger store init failed", "error", err)
		os.Exit(1)
	}
	defer closeStore()
	ready.AddCheck("ledger_store", store.Ping)

	walletLedger := ledger.New(store, logger, walletMetrics)

	exchangeClient, err := exchange.NewClient(exchange.Config{
		BaseURL:          cfg.Exchange.BaseURL,
		BalancesPath:     cfg.Exchange.BalancesPath,
		BalancesJSONPath: cfg.Exchange.BalancesJSONPath,
		RequestTimeout:   cfg.Exchange.RequestTimeout,
		APIKeyHeader:     cfg.Exchange.APIKeyHeader,
		APIKey:           cfg.Exchange.APIKey,
	}, nil, logger)
	if err != nil {
		logger.Error("exchange client init failed", "error", err)
		os.Exit(1)
	}

	sinks := []reconcile.AlertSink{reconcile.NewStoreSink(store)}

	var producer kafka.Publisher
	if cfg.Kafka.Enabled() {
		syncProducer, err := kafka.NewSyncProducer(cfg.Kafka.Brokers, cfg.App.ServiceName, logger, kafka.NewProducerMetrics(registry))
		if err != nil {
			logger.Error("kafka producer init failed", "error", err)
			os.Exit(1)
		}
		producer = kafka.NewDLQPublisher(syncProducer, syncProducer, cfg.Kafka.Topics.DLQ, logger)
		defer producer.Close()
		sinks = append(sinks, reconcile.NewKafkaSink(producer, cfg.Kafka.Topics.Discrepancies))
	} else {
		logger.Warn("kafka brokers not configured, adjustment consumer and discrepancy events disabled")
	}

	reconcileJob := reconcile.NewJob(exchangeClient, store, cfg.Reconciliation.Tolerance, logger, walletMetrics, sinks...)
	snapshotJob := reconcile.NewSnapshotJob(store, walletMetrics, logger)

	runner := scheduler.New(ctx, scheduler.Config{
		RedisURL:     cfg.Scheduler.RedisURL,
		KeyPrefix:    cfg.Scheduler.KeyPrefix,
		PollInterval: cfg.Scheduler.PollInterval,
		LeaseTTL:     cfg.Scheduler.LeaseTTL,
		RetryBackoff: cfg.Scheduler.RetryBackoff,
		MaxAttempts:  cfg.Scheduler.MaxAttempts,
	}, logger, walletMetrics)
	jobs := []scheduler.Job{
		{Name: "reconciliation", Interval: cfg.Reconciliation.Interval, Run: reconcileJob.Scheduled},
		{Name: "ledger_snapshot", Interval: cfg.Snapshot.Interval, Run: snapshotJob.Run},
	}
	for _, job := range jobs {
		if err := runner.Register(job); err != nil {
			logger.Error("job registration failed", "job", job.Name, "error", err)
			os.Exit(1)
		}
	}

	handler := handlers.New(walletLedger, store, reconcileJob, logger)
	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	handler.Register(router)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}

	if err := runner.Start(ctx); err != nil {
		logger.Error("scheduler start failed", "error", err)
		os.Exit(1)
	}

	if cfg.Kafka.Enabled() {
		group, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, logger)
		if err != nil {
			logger.Error("kafka consumer init failed", "error", err)
			os.Exit(1)
		}
		defer group.Close()
		group.WithDLQ(producer, cfg.Kafka.Topics.DLQ).WithRetry(cfg.Kafka.MaxAttempts, cfg.Kafka.RetryBackoff)

		adjustments := consumer.NewAdjustmentConsumer(walletLedger, producer, cfg.Kafka.Topics.BalanceAdjusted, logger, walletMetrics)
		go func() {
			logger.Info("wallet consumer starting", "topic", cfg.Kafka.Topics.Adjustments)
			if err := group.Consume(ctx, []string{cfg.Kafka.Topics.Adjustments}, adjustments); err != nil && ctx.Err() == nil {
				logger.Error("kafka consumer error", "error", err)
			}
		}()
	}

	ready.SetReady(true)

	go func() {
		logger.Info("wallet http starting", "addr", httpServer.Addr, "store", cfg.Store)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	waitForShutdown(httpServer, ready, runner, cancel, logger)
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (walletStore, func(), error) {
	if cfg.Store == config.StoreMemory {
		logger.Warn("using in-memory ledger store, balances are lost on restart")
		return storage.NewMemoryStore(), func() {}, nil
	}

	pool, err := connectDB(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect db: %w", err)
	}
	store := storage.New(pool, logger)
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return store, pool.Close, nil
}

func connectDB(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func waitForShutdown(httpServer *http.Server, ready *health.Manager, runner scheduler.Runner, cancel context.CancelFunc, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown started")
	ready.SetReady(false)
	cancel()
	runner.Stop()

	ctx, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTimeout()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
}
