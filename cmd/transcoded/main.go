package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/frameloom/transcoded/internal/api"
	"github.com/frameloom/transcoded/internal/blob"
	"github.com/frameloom/transcoded/internal/config"
	"github.com/frameloom/transcoded/internal/executor"
	"github.com/frameloom/transcoded/internal/notify"
	"github.com/frameloom/transcoded/internal/queue"
	"github.com/frameloom/transcoded/internal/retention"
	"github.com/frameloom/transcoded/internal/sandbox"
	"github.com/frameloom/transcoded/internal/storage"
	"github.com/frameloom/transcoded/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfgPath := "transcoded.json"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("loading config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	store := storage.NewSQLiteStore()
	if err := store.Init(cfg.DBPath); err != nil {
		logger.Error("initializing job store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	q := queue.NewRedisQueue(cfg.Redis.Addr, queue.Config{
		Name:          cfg.Redis.QueueName,
		MaxRetries:    cfg.MaxRetries,
		BackoffBase:   time.Duration(cfg.BackoffBaseSeconds) * time.Second,
		KeepCompleted: cfg.KeepCompleted,
		KeepFailed:    cfg.KeepFailed,
	}, logger)
	defer q.Close()

	hub := notify.NewHub(logger)
	sinks := notify.Fanout{hub}
	if cfg.Kafka.Enabled {
		kafkaSink := notify.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		defer kafkaSink.Close()
		sinks = append(sinks, kafkaSink)
	}

	blobs, err := blob.NewMinioStore(cfg.Minio.Endpoint, cfg.Minio.AccessKey, cfg.Minio.SecretKey, cfg.Minio.Bucket, cfg.Minio.UseSSL)
	if err != nil {
		logger.Error("connecting to object storage", "error", err)
		os.Exit(1)
	}

	runtime, err := sandbox.NewDockerRuntime()
	if err != nil {
		logger.Error("connecting to sandbox runtime", "error", err)
		os.Exit(1)
	}
	exec := executor.New(runtime, logger)

	pool := worker.NewPool(store, q, sinks, blobs, exec, worker.Config{
		Workers:            cfg.Workers,
		WorkDir:            cfg.WorkDir,
		MinJobInterval:     time.Duration(cfg.WorkerMinJobIntervalSeconds) * time.Second,
		RetentionWindow:    time.Duration(cfg.RetentionWindowMinutes) * time.Minute,
		SandboxImage:       cfg.Sandbox.Image,
		SandboxMemoryBytes: cfg.Sandbox.MemoryLimitMB * 1024 * 1024,
		SandboxCPUShares:   cfg.Sandbox.CPUShares,
	}, logger)
	pool.Start(context.Background())

	sweeper := retention.NewScheduler(store, blobs, retention.Config{
		Interval:          time.Duration(cfg.SweepIntervalSeconds) * time.Second,
		MaxAttempts:       cfg.CleanupMaxAttempts,
		RetryDelay:        time.Duration(cfg.CleanupRetryDelaySeconds) * time.Second,
		FailureTolerance:  cfg.CleanupFailureTolerance,
		DeleteConcurrency: cfg.CleanupDeleteConcurrency,
	}, logger)
	if err := sweeper.Start(); err != nil {
		logger.Error("starting retention scheduler", "error", err)
		os.Exit(1)
	}

	apiServer := api.New(store, q, sinks, hub, logger)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("server started", "addr", cfg.ListenAddr, "workers", cfg.Workers)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful HTTP shutdown failed", "error", err)
		_ = srv.Close()
	}
	sweeper.Stop()
	pool.Stop()
	logger.Info("drained, exiting")
}
