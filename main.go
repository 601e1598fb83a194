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

	"github.com/example/cancer-check/internal/config"
	"github.com/example/cancer-check/internal/grpcserver"
	"github.com/example/cancer-check/internal/handlers"
	"github.com/example/cancer-check/internal/logging"
	"github.com/example/cancer-check/internal/model"
	"github.com/example/cancer-check/internal/storage"
	"github.com/example/cancer-check/internal/upload"
	"github.com/example/cancer-check/internal/usecase"
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

	stager, err := upload.NewStager(cfg.UploadDir, usecase.MaxUploadSize)
	if err != nil {
		logger.Fatal("failed to prepare upload dir", zap.Error(err))
	}

	holder := model.NewHolder()
	defer func() {
		if err := holder.Close(); err != nil {
			logger.Warn("failed to close model", zap.Error(err))
		}
		if err := model.DestroyRuntime(); err != nil {
			logger.Warn("failed to destroy onnx runtime", zap.Error(err))
		}
	}()

	stopLoad := runInBackground(context.Background(), func(ctx context.Context) {
		loadModel(ctx, cfg, holder, logger)
	})
	// runs before holder.Close
	defer stopLoad()

	var opts []usecase.Option
	if cfg.RedisAddr != "" {
		redisClient := initRedis(cfg.RedisAddr, logger)
		defer redisClient.Close()
		opts = append(opts, usecase.WithScoreCache(usecase.NewRedisCache(redisClient), cfg.ScoreCacheTTL))
	}
	uc := usecase.NewPredictionUseCase(holder, logger, opts...)

	if cfg.GRPCHealthAddr != "" {
		healthServer := grpcserver.NewHealthServer(holder, logger)
		lis, err := net.Listen("tcp", cfg.GRPCHealthAddr)
		if err != nil {
			logger.Fatal("failed to listen for gRPC health", zap.Error(err), zap.String("addr", cfg.GRPCHealthAddr))
		}
		go func() {
			if err := healthServer.Serve(lis); err != nil {
				logger.Error("gRPC health server failed", zap.Error(err))
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			healthServer.Stop(ctx)
		}()
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), logging.AccessLog(logger))
	r.MaxMultipartMemory = handlers.MaxUploadSize

	handlers.RegisterRoutes(r, uc, stager, holder, logger)

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("prediction API listening", zap.String("addr", cfg.Addr()), zap.String("model_url", cfg.ModelURL))
	if err := serveHTTPServer(server, cfg.ShutdownTimeout, logger); err != nil {
		logger.Error("server failed", zap.Error(err))
	}
}

// runInBackground starts fn and returns a stop function that cancels fn's
// context and blocks until fn has returned.
func runInBackground(parent context.Context, fn func(ctx context.Context)) func() {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

// loadModel resolves the holder in the background. Errors are recorded in
// the holder by the loader; the process keeps serving either way.
func loadModel(ctx context.Context, cfg *config.Config, holder *model.Holder, logger *zap.Logger) {
	fetcher := storage.NewFetcher(cfg.ModelCacheDir, storage.S3ClientConfig{
		Endpoint:        cfg.S3EndpointURL,
		Region:          cfg.S3Region,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
	}, logger)
	open := model.OpenOnnx(model.OnnxConfig{
		SharedLibraryPath: cfg.OnnxRuntimeLib,
		InputName:         cfg.ModelInputName,
		OutputName:        cfg.ModelOutputName,
	})
	loader := model.NewLoader(fetcher, open, holder, cfg.ModelLoadTimeout, logger)
	_ = loader.Load(ctx, cfg.ModelURL)
}

// initRedis returns a client even when Redis is down: the score cache is
// optional and cache errors only cost an inference.
func initRedis(addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Warn("redis unreachable, score cache will miss", zap.Error(err), zap.String("addr", addr))
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
