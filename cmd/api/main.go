package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/josh-kwaku/crossledger/internal/alert"
	"github.com/josh-kwaku/crossledger/internal/config"
	"github.com/josh-kwaku/crossledger/internal/handler"
	"github.com/josh-kwaku/crossledger/internal/ledger/cosmos"
	"github.com/josh-kwaku/crossledger/internal/ledger/xrpl"
	"github.com/josh-kwaku/crossledger/internal/lock"
	"github.com/josh-kwaku/crossledger/internal/logging"
	"github.com/josh-kwaku/crossledger/internal/middleware"
	"github.com/josh-kwaku/crossledger/internal/repository"
	"github.com/josh-kwaku/crossledger/internal/service/history"
	"github.com/josh-kwaku/crossledger/internal/service/housekeeping"
	"github.com/josh-kwaku/crossledger/internal/service/transfer"
	"github.com/josh-kwaku/crossledger/internal/telemetry"
)

const serviceName = "crossledger-api"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.Init(serviceName, cfg.LogLevel, cfg.AppEnv)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.InitTracer(ctx, serviceName, cfg.OTLPEndpoint, cfg.TraceSampleRatio)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(tctx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	db, err := repository.NewPostgresDB(ctx, cfg.DatabaseURL, repository.PoolConfig{
		MaxOpenConns:     cfg.DBMaxOpenConns,
		MaxIdleConns:     cfg.DBMaxIdleConns,
		ConnMaxLifetimeS: cfg.DBConnMaxLifetimeS,
		ConnMaxIdleTimeS: cfg.DBConnMaxIdleTimeS,
		ConnectAttempts:  cfg.DBConnectAttempts,
	})
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	readiness := map[string]handler.Pinger{"database": db}

	var locker lock.Locker = lock.NewMemoryLocker()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		locker = lock.NewRedisLocker(rdb, "", logger)
		readiness["redis"] = handler.PingerFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
		logger.Info("using redis transfer locks", "addr", cfg.RedisAddr)
	} else {
		logger.Warn("REDIS_ADDR not set, using in-process transfer locks")
	}

	notifiers := []alert.Notifier{alert.NewLogNotifier(logger)}
	if len(cfg.KafkaBrokers) > 0 {
		kn, err := alert.NewKafkaNotifier(alert.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaAlertTopic})
		if err != nil {
			return fmt.Errorf("kafka alerts: %w", err)
		}
		defer kn.Close()
		notifiers = append(notifiers, kn)
	}
	if cfg.AMQPURL != "" {
		an, err := alert.NewAMQPNotifier(alert.AMQPConfig{URL: cfg.AMQPURL, Exchange: cfg.AMQPExchange})
		if err != nil {
			return fmt.Errorf("amqp alerts: %w", err)
		}
		defer an.Close()
		notifiers = append(notifiers, an)
	}
	alerts := alert.NewFanout(notifiers...)

	legA, err := cosmos.New(cosmos.Config{
		LCDURL:   cfg.CosmosLCDURL,
		RelayURL: cfg.CosmosRelayURL,
		Timeout:  cfg.LedgerCallTimeout,
	})
	if err != nil {
		return err
	}
	legB, err := xrpl.New(xrpl.Config{
		RPCURL:   cfg.XRPLRPCURL,
		RelayURL: cfg.XRPLRelayURL,
		Timeout:  cfg.LedgerCallTimeout,
	})
	if err != nil {
		return err
	}

	transfers := repository.NewTransferRepository(db)
	events := repository.NewTransferEventRepository(db)
	idempotency := repository.NewIdempotencyRepository(db)

	coordinator := transfer.NewCoordinator(transfers, legA, legB, locker, alerts, transfer.Config{
		MaxSubmitAttempts: cfg.MaxSubmitAttempts,
		MaxPollAttempts:   cfg.MaxPollAttempts,
		RetryInitial:      cfg.RetryInitial,
		RetryMax:          cfg.RetryMax,
		LedgerCallTimeout: cfg.LedgerCallTimeout,
		LegDeadline:       cfg.LegDeadline,
		DriveTimeout:      cfg.DriveTimeout,
		DriveConcurrency:  cfg.DriveConcurrency,
		LockTTL:           cfg.LockTTL,
		MaxSweepAttempts:  cfg.MaxSweepAttempts,
	}, logger)

	sweeper := transfer.NewSweeper(transfers, coordinator, logger, cfg.SweepInterval, cfg.SweepBatch, cfg.SweepConcurrency)

	aggregator := history.NewAggregator(legA, legB, transfers, history.Config{
		Limit:        cfg.HistoryLimit,
		CallTimeout:  cfg.LedgerCallTimeout,
		ProbeTimeout: cfg.ProbeTimeout,
		CacheSize:    cfg.HistoryCacheSize,
		CacheTTL:     cfg.HistoryCacheTTL,
	}, logger)

	scheduler := housekeeping.NewScheduler(idempotency, cfg.IdempotencyCleanCron, logger)
	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("housekeeping schedule: %w", err)
	}

	healthH := handler.NewHealthHandler(readiness)
	transferH := handler.NewTransferHandler(coordinator, events)
	statusH := handler.NewStatusHandler(aggregator)

	idem := middleware.Idempotency(idempotency, cfg.IdempotencyTTL)
	operator := func(h http.HandlerFunc) http.Handler {
		return middleware.Auth(cfg.OperatorSecret)(middleware.RequireOperator(h))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthH.Liveness)
	mux.HandleFunc("GET /ready", healthH.Readiness)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /docs", handler.ServeDocs())
	mux.HandleFunc("GET /docs/openapi.yaml", handler.ServeSpec())

	mux.Handle("POST /api/v1/transfers", idem(http.HandlerFunc(transferH.Create)))
	mux.HandleFunc("GET /api/v1/transfers/{id}", transferH.Get)
	mux.HandleFunc("GET /api/v1/transfers/{id}/events", transferH.Events)
	mux.Handle("POST /api/v1/transfers/{id}/cancel", operator(transferH.Cancel))
	mux.Handle("POST /api/v1/refunds", operator(transferH.Refund))
	mux.HandleFunc("GET /api/v1/status", statusH.Status)
	mux.HandleFunc("GET /api/v1/transactions/{address}", statusH.Transactions)

	var h http.Handler = mux
	h = middleware.Logging(h)
	h = middleware.Tracing(h)
	h = middleware.Recovery(h)
	h = otelhttp.NewHandler(h, serviceName)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		sweeper.Start(sweepCtx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server started", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down server")
	case err := <-serverErr:
		logger.Error("server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	stopSweeper()
	<-sweeperDone

	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		logger.Error("in-flight transfers did not finish before shutdown", "error", err)
	}
	<-scheduler.Stop().Done()

	logger.Info("server stopped")
	return nil
}
