package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/face-service/internal/auth"
	"github.com/example/face-service/internal/classifier"
	"github.com/example/face-service/internal/config"
	"github.com/example/face-service/internal/engine"
	"github.com/example/face-service/internal/handlers"
	"github.com/example/face-service/internal/imaging"
	"github.com/example/face-service/internal/labels"
	"github.com/example/face-service/internal/logging"
	"github.com/example/face-service/internal/repository"
	"github.com/example/face-service/internal/rpc"
	"github.com/example/face-service/internal/usecase"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "infer" {
		os.Exit(runInferCommand(os.Args[2:]))
	}

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("service failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	svc, err := initClassifier(cfg, logger)
	if err != nil {
		return err
	}

	opts := []usecase.Option{
		usecase.WithInferTimeout(cfg.InferTimeout),
		usecase.WithResultTTL(cfg.ResultTTL),
	}
	if cfg.DatabaseDSN != "" {
		db, err := initDatabase(ctx, cfg.DatabaseDSN)
		if err != nil {
			_ = svc.Close()
			return err
		}
		repo := repository.NewInferenceRepository(db, logger)
		if err := repo.AutoMigrate(ctx); err != nil {
			_ = svc.Close()
			return err
		}
		opts = append(opts, usecase.WithRepository(repo))
	} else {
		logger.Warn("DATABASE_DSN not set, inference logs are not persisted")
	}
	if cfg.RedisAddr != "" {
		redisClient, err := initRedis(ctx, cfg.RedisAddr)
		if err != nil {
			_ = svc.Close()
			return err
		}
		defer redisClient.Close()
		opts = append(opts, usecase.WithCache(usecase.NewRedisCache(redisClient)))
	} else {
		logger.Warn("REDIS_ADDR not set, results are not cached")
	}

	uc := usecase.NewInferenceUseCase(svc, logger, opts...)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), handlers.RequestLogger(logger))
	r.MaxMultipartMemory = handlers.MaxUploadSize
	handlers.RegisterRoutes(r, uc, auth.JWTMiddleware(cfg.JWTSecret, cfg.JWTAudience))

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}
	grpcServer := rpc.NewGRPCServer(rpc.NewServer(uc, logger), cfg.JWTSecret, cfg.JWTAudience)
	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		_ = svc.Close()
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var g errgroup.Group
	g.Go(func() error {
		logger.Info("HTTP API listening", zap.String("addr", cfg.HTTPAddr))
		err := serveHTTPServerWithOptions(server, cfg.ShutdownTimeout, logger, nil, sigCh)
		grpcServer.GracefulStop()
		return err
	})
	g.Go(func() error {
		logger.Info("gRPC API listening", zap.String("addr", cfg.GRPCAddr))
		err := serveGRPCServer(grpcServer, grpcListener)
		if err != nil {
			// Unblock the HTTP server so the process can exit.
			select {
			case sigCh <- syscall.SIGTERM:
			default:
			}
		}
		return err
	})

	err = g.Wait()
	if closeErr := svc.Close(); closeErr != nil {
		logger.Error("failed to close classifier", zap.Error(closeErr))
	}
	return err
}

func initClassifier(cfg *config.Config, logger *zap.Logger) (*classifier.Service, error) {
	format, err := labels.ParseFormat(cfg.LabelFormat)
	if err != nil {
		return nil, err
	}
	table, err := labels.Load(cfg.LabelsPath, format)
	if err != nil {
		return nil, logging.NewOperationError("main.load_labels", "", err)
	}

	eng, err := engine.NewONNXEngine(engine.ONNXConfig{
		ModelPath:         cfg.ModelPath,
		SharedLibraryPath: cfg.ORTLibraryPath,
		IntraOpThreads:    cfg.IntraOpThreads,
	}, logger)
	if err != nil {
		return nil, logging.NewOperationError("main.load_engine", "", err)
	}
	logger.Info("labels loaded", zap.String("path", cfg.LabelsPath), zap.Int("classes", table.Len()-1))

	var decoderOpts []imaging.Option
	if cfg.InputWidth > 0 && cfg.InputHeight > 0 {
		decoderOpts = append(decoderOpts, imaging.WithTargetSize(cfg.InputWidth, cfg.InputHeight))
	}
	return classifier.New(eng, table, logger, classifier.WithDecoder(imaging.NewDecoder(decoderOpts...))), nil
}

func initDatabase(ctx context.Context, dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		return nil, logging.NewOperationError("main.open_database", "", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, logging.NewOperationError("main.open_database", "", err)
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, logging.NewOperationError("main.ping_database", "", err)
	}
	return db, nil
}

func initRedis(ctx context.Context, addr string) (*redis.Client, error) {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, logging.NewOperationError("main.ping_redis", "", err)
	}
	return client, nil
}

func serveGRPCServer(server *grpc.Server, listener net.Listener) error {
	err := server.Serve(listener)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
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
		if ok {
			logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		}
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
