package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/vidfetch/api/internal/client"
	"github.com/vidfetch/api/internal/config"
	"github.com/vidfetch/api/internal/extractor"
	"github.com/vidfetch/api/internal/handler"
	"github.com/vidfetch/api/internal/service"
	"github.com/vidfetch/api/internal/store"
	ws "github.com/vidfetch/api/internal/websocket"
	"github.com/vidfetch/api/internal/worker"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func asynqLogLevel(l slog.Level) asynq.LogLevel {
	switch {
	case l <= slog.LevelDebug:
		return asynq.DebugLevel
	case l <= slog.LevelInfo:
		return asynq.InfoLevel
	case l <= slog.LevelWarn:
		return asynq.WarnLevel
	default:
		return asynq.ErrorLevel
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := parseLogLevel(cfg.Server.LogLevel)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.Download.Dir, 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}

	// Resolve the yt-dlp executable
	executable := cfg.Extractor.Binary
	if executable == "" && cfg.Extractor.AutoInstall {
		executable, err = extractor.Install(ctx)
		if err != nil {
			return fmt.Errorf("install yt-dlp: %w", err)
		}
		logger.Info("yt-dlp installed", "executable", executable)
	}
	ytdlp := extractor.NewYtDlp(executable, cfg.Extractor.ProgressInterval, logger.With("component", "extractor"))

	// Optional object storage mirror
	var storage client.StorageClient
	if cfg.Storage.Enabled() {
		r2, err := client.NewR2Client(&cfg.Storage)
		if err != nil {
			return fmt.Errorf("storage client: %w", err)
		}
		storage = r2
		logger.Info("storage mirror enabled", "bucket", cfg.Storage.BucketName)
	}

	jobs := store.NewJobStore()

	// Initialize WebSocket hub
	hub := ws.NewHub(logger.With("component", "websocket"))
	jobs.OnChange(hub.Notify)

	runner := worker.NewJobRunner(jobs, ytdlp, storage, worker.RunnerConfig{
		DownloadDir:      cfg.Download.Dir,
		FallbackFormat:   cfg.Download.FallbackFormat,
		StorageKeyPrefix: cfg.Storage.KeyPrefix,
	}, logger.With("component", "runner"))

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	var (
		dispatcher  service.Dispatcher
		redisClient *redis.Client
		asynqClient *asynq.Client
	)
	switch cfg.Dispatch.Mode {
	case config.DispatchQueue:
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("redis not available", "addr", cfg.Redis.Addr, "error", err)
		}

		asynqClient = asynq.NewClient(redisOpt)
		defer asynqClient.Close()
		dispatcher = service.NewQueueDispatcher(asynqClient)
	default:
		dispatcher = worker.NewLocalDispatcher(runner)
	}

	downloadService := service.NewDownloadService(jobs, dispatcher, runner, logger.With("component", "service"))

	// Initialize handlers
	validate := validator.New()
	downloadHandler := handler.NewDownloadHandler(downloadService, validate, hub, cfg.Progress.Interval, logger.With("component", "handler"))
	healthHandler := handler.NewHealthHandler(redisClient, cfg.Storage.Enabled(), cfg.Dispatch.Mode)

	app := handler.NewApp()
	handler.RegisterRoutes(app, downloadHandler, healthHandler)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	if cfg.Dispatch.Mode == config.DispatchQueue {
		g.Go(func() error {
			return runWorkerServer(gctx, redisOpt, cfg.Dispatch.Concurrency, level, runner, logger)
		})
	}

	g.Go(func() error {
		addr := ":" + cfg.Server.Port
		logger.Info("server starting", "addr", addr, "dispatch", cfg.Dispatch.Mode)
		return app.Listen(addr)
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := runner.Shutdown(shutdownCtx); err != nil {
			logger.Error("runner shutdown", "error", err)
		}
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			logger.Error("server shutdown", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// runWorkerServer consumes download tasks until ctx is done
func runWorkerServer(ctx context.Context, redisOpt asynq.RedisClientOpt, concurrency int, level slog.Level, runner *worker.JobRunner, logger *slog.Logger) error {
	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			service.QueueDownloads: 1,
		},
		LogLevel: asynqLogLevel(level),
	})

	downloadWorker := worker.NewDownloadWorker(runner, logger.With("component", "worker"))

	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypeDownload, downloadWorker.ProcessTask)

	if err := srv.Start(mux); err != nil {
		return fmt.Errorf("asynq worker: %w", err)
	}
	logger.Info("asynq worker started", "concurrency", concurrency)

	<-ctx.Done()
	srv.Shutdown()
	return nil
}
