package main

import (
	"context"
	"database/sql"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	"github.com/rl1809/bundle-ledger/internal/adapter/handler"
	"github.com/rl1809/bundle-ledger/internal/adapter/messaging"
	"github.com/rl1809/bundle-ledger/internal/adapter/storage"
	"github.com/rl1809/bundle-ledger/internal/config"
	"github.com/rl1809/bundle-ledger/internal/core/service"
	"github.com/rl1809/bundle-ledger/internal/port"
)

const shutdownTimeout = 5 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("failed to load config: %v", err)
	}
	logger, err := config.NewLogger(cfg.LogLevel)
	if err != nil {
		logrus.Fatalf("failed to build logger: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
		logger.Info("connections closed")
	}()

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			PoolSize: 100,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatalf("failed to connect redis: %v", err)
		}
		closers = append(closers, rdb.Close)
		logger.Info("connected to redis")
	}

	var repo port.StockRepository
	switch cfg.StoreBackend {
	case config.BackendMySQL:
		db, err := sql.Open("mysql", cfg.MySQLDSN)
		if err != nil {
			logger.Fatalf("failed to connect mysql: %v", err)
		}
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			logger.Fatalf("failed to ping mysql: %v", err)
		}
		closers = append(closers, db.Close)

		mysqlAdapter := storage.NewMySQLAdapter(db)
		if err := mysqlAdapter.Migrate(ctx); err != nil {
			logger.Fatalf("failed to migrate mysql: %v", err)
		}
		repo = mysqlAdapter
		logger.Info("connected to mysql")
	case config.BackendRedis:
		repo = storage.NewRedisAdapter(rdb, cfg.LockTTL, cfg.IdempotencyTTL)
	default:
		repo = storage.NewMemoryAdapter()
		logger.Warn("using in-memory store, state is lost on restart")
	}

	opts := []service.Option{
		service.WithLogger(logger),
		service.WithDefaultBundleSizes(cfg.BundleSizes),
	}
	switch {
	case cfg.IdempotencyEnabled():
		opts = append(opts, service.WithIdempotency(storage.NewRedisAdapter(rdb, cfg.LockTTL, cfg.IdempotencyTTL)))
	case cfg.StoreBackend == config.BackendMemory:
		opts = append(opts, service.WithIdempotency(storage.NewMemoryIdempotency()))
	}

	if cfg.AMQPURL != "" {
		conn, ch, err := messaging.SetupConn(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			logger.Fatalf("failed to set up rabbitmq: %v", err)
		}
		closers = append(closers, conn.Close, ch.Close)
		opts = append(opts, service.WithPublisher(messaging.NewRabbitMQPublisher(ch, cfg.AMQPExchange)))
		logger.WithField("exchange", cfg.AMQPExchange).Info("publishing stock events")
	}

	ledger := service.NewLedgerService(repo, opts...)

	// Initialize gRPC server
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(
		handler.TimeoutInterceptor(cfg.RequestTimeout),
		handler.LoggingInterceptor(logger),
	))
	handler.RegisterLedgerServiceServer(grpcServer, handler.NewGRPCHandler(ledger, logger))

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatalf("failed to listen: %v", err)
	}

	go func() {
		logger.Infof("gRPC server listening on %s", cfg.GRPCAddr)
		if err := grpcServer.Serve(lis); err != nil {
			logger.Errorf("gRPC server error: %v", err)
		}
	}()

	// Initialize HTTP server
	mux := http.NewServeMux()
	handler.NewHTTPHandler(ledger, logger).Register(mux)

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: http.TimeoutHandler(mux, cfg.RequestTimeout, `{"success":false,"message":"request timed out"}`),
	}

	go func() {
		logger.Infof("HTTP server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Errorf("HTTP server error: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("HTTP shutdown: %v", err)
	}
	logger.Info("HTTP server stopped")

	grpcServer.GracefulStop()
	logger.Info("gRPC server stopped")
}
