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
	"github.com/rs/cors"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/textscan/internal/acquire"
	"github.com/example/textscan/internal/auth"
	"github.com/example/textscan/internal/config"
	"github.com/example/textscan/internal/handlers"
	"github.com/example/textscan/internal/logging"
	"github.com/example/textscan/internal/provision"
	"github.com/example/textscan/internal/recognizer"
	"github.com/example/textscan/internal/recognizer/tesseract"
	"github.com/example/textscan/internal/repository"
	"github.com/example/textscan/internal/screen"
	"github.com/example/textscan/internal/task"
	"github.com/example/textscan/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var (
		repo    usecase.RecognitionRepository
		metrics *usecase.MetricsUseCase
	)
	if cfg.DatabaseDSN != "" {
		db := initDatabase(ctx, cfg.DatabaseDSN, logger)
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}
		recognitionRepo := repository.NewRecognitionRepository(db, logger)
		if err := recognitionRepo.AutoMigrate(ctx); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err))
		}
		repo = recognitionRepo
		metrics = usecase.NewMetricsUseCase(recognitionRepo)
	} else {
		logger.Info("DATABASE_DSN not set, recognition history disabled")
	}

	var cache usecase.Cache
	if cfg.RedisAddr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		defer redisCancel()
		redisClient := initRedis(redisCtx, cfg.RedisAddr, logger)
		defer redisClient.Close()
		cache = usecase.NewRedisCache(redisClient)
	} else {
		logger.Info("REDIS_ADDR not set, result cache disabled")
	}

	paths := provision.Paths{Root: cfg.DataRoot, ModelFile: cfg.ModelFile}
	provisioner := provision.NewProvisioner(os.DirFS(cfg.AssetDir), paths, logger)

	captures, err := acquire.NewCaptureStore(cfg.CaptureDir, config.CaptureAuthority, cfg.MaxUploadBytes, cfg.SessionIdleTTL)
	if err != nil {
		logger.Fatal("failed to prepare capture directory", zap.Error(err))
	}
	roots := map[string]string{config.CaptureAuthority: captures.Dir()}
	for authority, dir := range cfg.PickerRoots {
		roots[authority] = dir
	}
	resolver, err := acquire.NewResolver(roots)
	if err != nil {
		logger.Fatal("invalid picker roots", zap.Error(err))
	}

	runner, err := task.NewRunner(cfg.WorkerPoolSize)
	if err != nil {
		logger.Fatal("failed to start worker pool", zap.Error(err))
	}
	defer runner.Release()

	sessions := screen.NewRegistry(func(id, owner string) (*screen.Controller, error) {
		delegate := recognizer.NewDelegate(paths.DataDir(), cfg.Language(), tesseract.NewEngine, logging.WithSession(logger, id, owner))
		session := usecase.SessionInfo{SessionID: id, UserID: owner, Model: cfg.Language()}
		return screen.New(id, owner, screen.Dependencies{
			Provisioner:    provisioner,
			Recognizer:     usecase.NewRecognitionUseCase(delegate, cache, repo, cfg.ResultCacheTTL, session, logger),
			Resolver:       resolver,
			Captures:       captures,
			Runner:         runner,
			Logger:         logger,
			MaxImageBytes:  cfg.MaxUploadBytes,
			MaxImagePixels: cfg.MaxImagePixels,
		}), nil
	}, cfg.SessionIdleTTL, logger)
	defer sessions.CloseAll()

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go sessions.Run(sweepCtx)

	r := gin.Default()
	r.MaxMultipartMemory = cfg.MaxUploadBytes

	if !cfg.AuthEnabled() {
		logger.Warn("JWT_SECRET not set, sessions are anonymous", zap.String("subject", auth.AnonymousSubject))
	}
	authMiddleware := auth.Middleware(cfg.JWTSecret, cfg.JWTAudience)

	handlers.RegisterRoutes(r, handlers.Options{
		Sessions:      sessions,
		Captures:      captures,
		Metrics:       metrics,
		EngineVersion: tesseract.Version(),
		MaxUploadSize: cfg.MaxUploadBytes,
		Logger:        logger,
	}, authMiddleware)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	})

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: corsHandler.Handler(r),
	}

	logger.Info("text scan API listening",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("model", paths.ModelPath()),
		zap.String("engine", tesseract.Version()))
	if err := serveHTTPServer(server, cfg.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
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
