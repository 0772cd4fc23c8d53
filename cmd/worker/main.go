// Command worker consumes transcode jobs and publishes HLS renditions.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	utils "vidflow/internal"
	"vidflow/internal/config"
	"vidflow/internal/database"
	"vidflow/internal/logging"
	"vidflow/internal/queue"
	"vidflow/internal/response"
	"vidflow/internal/s3"
	"vidflow/internal/transcode"
	"vidflow/internal/video"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		utils.Shutdown(fmt.Sprintf("Failed to load config: %v", err))
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		utils.Shutdown(fmt.Sprintf("Invalid config: %v", err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := database.Connect(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		utils.Shutdown(fmt.Sprintf("Failed to connect to database: %v", err))
	}
	defer pool.Close()

	s3Client, err := s3.NewClient(ctx, cfg.S3Region, cfg.S3Bucket, cfg.AWSAccessKey, cfg.AWSSecretKey, cfg.S3Endpoint)
	if err != nil {
		utils.Shutdown(fmt.Sprintf("Failed to create S3 client: %v", err))
	}

	rdb := queue.NewRedisClient(cfg)
	defer rdb.Close()
	jobs := queue.NewRedisQueue(rdb, cfg.QueueName, queue.DefaultOptions(), logger)
	if err := jobs.Ping(ctx); err != nil {
		utils.Shutdown(fmt.Sprintf("Failed to reach redis: %v", err))
	}

	worker, err := transcode.NewFromConfig(cfg, video.NewPostgresRepository(pool), s3Client, logger)
	if err != nil {
		utils.Shutdown(fmt.Sprintf("Failed to create transcode worker: %v", err))
	}

	consumer := queue.NewConsumer(ctx, jobs, worker.Handle, queue.ConsumerOptions{
		ID:          queue.DefaultConsumerID(),
		Concurrency: cfg.WorkerConcurrency,
	}, logger)
	if err := consumer.Start(); err != nil {
		utils.Shutdown(fmt.Sprintf("Failed to start consumer: %v", err))
	}

	// The worker only serves metrics and liveness.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		response.Plain("OK").Write(w)
	})
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info(fmt.Sprintf("Worker started, metrics on port %s 🚀", cfg.Port), "queue", cfg.QueueName, "concurrency", cfg.WorkerConcurrency)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			utils.GracefulExit(fmt.Sprintf("Metrics server failed: %v", err))
		}
	}()

	signal.Notify(utils.QuitChan, syscall.SIGINT, syscall.SIGTERM)
	<-utils.QuitChan

	logger.Info("Shutting down worker... 🛑")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := consumer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Transcode jobs still running at shutdown; they will be requeued", "error", err)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Metrics server forced to shutdown 🚨", "error", err)
	}

	logger.Info("Worker exited")
}
