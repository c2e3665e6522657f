package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/rl1809/order-saga/internal/adapter/handler"
	"github.com/rl1809/order-saga/internal/adapter/messaging"
	"github.com/rl1809/order-saga/internal/adapter/storage"
	"github.com/rl1809/order-saga/internal/adapter/worker"
	"github.com/rl1809/order-saga/internal/config"
	"github.com/rl1809/order-saga/internal/core/ledger"
	"github.com/rl1809/order-saga/internal/core/payment"
	"github.com/rl1809/order-saga/internal/core/retry"
	"github.com/rl1809/order-saga/internal/core/service"
	"github.com/rl1809/order-saga/internal/observability"
	"github.com/rl1809/order-saga/internal/port"
)

const shutdownTimeout = 10 * time.Second

// migrator is implemented by the SQL adapters.
type migrator interface {
	Migrate(ctx context.Context) error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogMode, cfg.LogFile)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OtelEndpoint, config.ServiceName, config.ServiceVersion)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	if m, ok := db.(migrator); ok {
		if err := m.Migrate(ctx); err != nil {
			return err
		}
	}
	logger.Info("storage ready", zap.String("driver", cfg.StorageDriver))

	guard, closeGuard, err := openGuard(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeGuard()

	publisher := openPublisher(cfg, logger)
	defer publisher.Close()

	pool, err := worker.NewPool(cfg.PaymentWorkers, logger)
	if err != nil {
		return err
	}

	mutator := retry.NewMutator(cfg.Retry, retry.NewLoggingSupervisor(logger))
	inventory := ledger.NewInventoryLedger(db, mutator)
	balance := ledger.NewBalanceLedger(db, db)
	compensation := service.NewCompensationHandler(db, db, inventory, publisher, logger)
	lookup := storage.NewLookup(db)

	saga := service.NewOrderSaga(service.Dependencies{
		Tx:        db,
		Orders:    db,
		Stores:    lookup,
		Products:  lookup,
		Users:     lookup,
		Inventory: inventory,
		Payments: []payment.Strategy{
			payment.NewSyncStrategy(balance),
			payment.NewAsyncStrategy(db, db, balance, pool, compensation, publisher, logger),
		},
		Guard:     guard,
		Publisher: publisher,
		Logger:    logger,
	})

	sweeper := worker.NewSweeper(db, compensation, cfg.SweepStuckAfter, logger)
	if err := sweeper.Start(cfg.SweepSpec); err != nil {
		return err
	}
	defer sweeper.Stop()

	grpcServer := grpc.NewServer()
	handler.RegisterOrderServiceServer(grpcServer, handler.NewGRPCHandler(saga, logger))

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	handler.NewHTTPHandler(saga, db, logger).Register(e)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("listen grpc: %w", err)
		}
		logger.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr))
		return grpcServer.Serve(lis)
	})

	g.Go(func() error {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr))
		if err := e.Start(cfg.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := e.Shutdown(sctx); err != nil {
			logger.Warn("HTTP shutdown failed", zap.Error(err))
		}
		grpcServer.GracefulStop()

		// In-flight payments finish before the database goes away.
		if err := pool.Close(); err != nil {
			logger.Warn("payment workers did not drain", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}

func openDatabase(ctx context.Context, cfg *config.Config) (port.DatabaseRepository, error) {
	switch cfg.StorageDriver {
	case config.DriverMySQL:
		db, err := sql.Open("mysql", cfg.MySQLDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to connect mysql: %w", err)
		}
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to ping mysql: %w", err)
		}
		return storage.NewMySQLAdapter(db), nil

	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to ping postgres: %w", err)
		}
		return storage.NewPostgresAdapter(pool), nil

	default:
		return storage.NewMemoryAdapter(), nil
	}
}

func openGuard(ctx context.Context, cfg *config.Config) (port.IdempotencyGuard, func(), error) {
	if cfg.RedisAddr == "" {
		return storage.NewMemoryGuard(), func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		PoolSize: 100,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("failed to connect redis: %w", err)
	}
	return storage.NewRedisAdapter(rdb), func() { rdb.Close() }, nil
}

func openPublisher(cfg *config.Config, logger *zap.Logger) port.EventPublisher {
	if cfg.KafkaBroker == "" {
		return messaging.NewLogPublisher(logger)
	}
	return messaging.NewKafkaPublisher(messaging.NewKafkaWriter(cfg.KafkaBroker, cfg.KafkaTopic), logger)
}
