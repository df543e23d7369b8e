package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/go-redis/redis/v8"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/fuzzysearch/internal/archive"
	"github.com/example/fuzzysearch/internal/auth"
	"github.com/example/fuzzysearch/internal/config"
	"github.com/example/fuzzysearch/internal/grpcclient"
	"github.com/example/fuzzysearch/internal/grpcserver"
	"github.com/example/fuzzysearch/internal/handlers"
	"github.com/example/fuzzysearch/internal/hashing"
	"github.com/example/fuzzysearch/internal/logging"
	"github.com/example/fuzzysearch/internal/repository"
	"github.com/example/fuzzysearch/internal/usecase"
	"github.com/example/fuzzysearch/pkg/fuzzysearch"
	"github.com/example/fuzzysearch/pkg/fuzzysearch/fstrace"
)

func main() {
	logger, err := logging.NewLogger(os.Getenv("LOG_LEVEL"))
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.LoadFromEnv()
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db := initDatabase(ctx, cfg, logger)
	repo := repository.NewLookupRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	redisClient := initRedis(redisCtx, cfg.RedisAddr, logger)
	defer redisClient.Close()

	hasher, closeHasher := initHasher(ctx, cfg, logger)
	defer closeHasher()

	clientOpts := []fuzzysearch.Option{
		fuzzysearch.WithBaseURL(cfg.BaseURL),
		fuzzysearch.WithLogger(logger),
	}
	if cfg.TracingEnabled {
		shutdownTracing, err := initTracing()
		if err != nil {
			logger.Fatal("failed to start tracing", zap.Error(err))
		}
		defer shutdownTracing()
		clientOpts = append(clientOpts, fuzzysearch.WithInstrumenter(fstrace.New()))
	}
	client, err := fuzzysearch.New(cfg.APIKey, clientOpts...)
	if err != nil {
		logger.Fatal("failed to create FuzzySearch client", zap.Error(err))
	}

	var store archive.Store
	if cfg.ArchiveEnabled() {
		store, err = archive.NewAzureStore(cfg.AzureAccount, cfg.AzureKey, cfg.AzureContainer)
		if err != nil {
			logger.Fatal("failed to create image archive", zap.Error(err))
		}
	}

	cache := usecase.NewRedisCache(redisClient)
	uc := usecase.NewLookupUseCase(client, repo, cache, hasher, store, cfg.CacheTTL, logger)

	if cfg.GRPCEnabled() {
		grpcServer, err := startGRPCServer(cfg.GRPCAddr, grpcMessageLimit(cfg.MaxUploadSize), logger)
		if err != nil {
			logger.Fatal("failed to start gRPC server", zap.Error(err))
		}
		defer grpcServer.GracefulStop()
	} else {
		logger.Info("gRPC hasher server disabled")
	}

	r := gin.Default()
	r.MaxMultipartMemory = cfg.MaxUploadSize
	r.Use(handlers.RequestTimeout(cfg.RequestTimeout))

	authMiddleware := auth.JWTMiddleware(cfg.JWTSecret, cfg.JWTAudience)
	handlers.RegisterRoutes(r, uc, authMiddleware, cfg.MaxUploadSize)

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	logger.Info("FuzzySearch gateway listening",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("hasher_mode", cfg.HasherMode),
		zap.Bool("archive", cfg.ArchiveEnabled()),
		zap.Bool("tracing", cfg.TracingEnabled),
	)
	if err := serveHTTPServer(server, cfg.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func initDatabase(ctx context.Context, cfg *config.Config, zapLogger *zap.Logger) *gorm.DB {
	var dialector gorm.Dialector
	switch cfg.DatabaseDriver {
	case config.DriverSQLite:
		dialector = sqlite.Open(cfg.DatabaseDSN)
	default:
		dialector = postgres.Open(cfg.DatabaseDSN)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err), zap.String("driver", cfg.DatabaseDriver))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

// initHasher picks the hashing strategy. The returned func releases whatever
// the strategy holds.
func initHasher(ctx context.Context, cfg *config.Config, logger *zap.Logger) (hashing.Hasher, func()) {
	if cfg.HasherMode != config.HasherRemote {
		return hashing.NewLocal(), func() {}
	}

	remote, conn, err := grpcclient.DialHasher(ctx, cfg.HasherAddr, logger)
	if err != nil {
		logger.Fatal("failed to connect to hasher", zap.Error(err), zap.String("addr", cfg.HasherAddr))
	}
	return remote, func() { conn.Close() }
}

func initTracing() (func(), error) {
	exporter, err := stdouttrace.New()
	if err != nil {
		return nil, fmt.Errorf("stdout exporter: %w", err)
	}
	provider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(provider)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(ctx)
	}, nil
}

// grpcMessageOverhead covers protobuf framing around the image bytes.
const grpcMessageOverhead = 64 << 10

// grpcMessageLimit sizes the hasher's receive limit so any accepted upload
// fits in one message.
func grpcMessageLimit(maxUploadSize int64) int {
	limit := maxUploadSize + grpcMessageOverhead
	if limit > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(limit)
}

// startGRPCServer serves the local hasher to other instances. An empty addr
// disables it.
func startGRPCServer(addr string, maxMessageBytes int, logger *zap.Logger) (*grpc.Server, error) {
	if addr == "" {
		return nil, nil
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	server := grpcserver.NewServer(hashing.NewLocal(), logger, maxMessageBytes)
	go func() {
		logger.Info("gRPC hasher listening", zap.String("addr", addr))
		if err := server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Error("gRPC server stopped", zap.Error(err))
		}
	}()
	return server, nil
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
