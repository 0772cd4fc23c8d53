package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	utils "vidflow/internal"
	"vidflow/internal/api"
	"vidflow/internal/auth"
	"vidflow/internal/config"
	"vidflow/internal/database"
	"vidflow/internal/logging"
	"vidflow/internal/metrics"
	"vidflow/internal/queue"
	"vidflow/internal/response"
	"vidflow/internal/s3"
	"vidflow/internal/service"
	"vidflow/internal/transcode"
	"vidflow/internal/upload"
	"vidflow/internal/video"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		utils.Shutdown(fmt.Sprintf("Failed to load config: %v", err))
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := cfg.ValidateAPI(); err != nil {
		utils.Shutdown(fmt.Sprintf("Invalid config: %v", err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := database.Migrate(cfg.DatabaseURL, logger); err != nil {
		utils.Shutdown(fmt.Sprintf("Failed to migrate database: %v", err))
	}
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

	videos := video.NewPostgresRepository(pool)
	uploadHandler := upload.NewHandler(upload.NewService(s3Client, videos, jobs, cfg, logger), logger)
	playbackAPI := api.NewPlaybackAPI(service.NewPlaybackService(s3Client, videos), logger)
	readiness := database.NewReadinessChecker(map[string]database.Pinger{
		"postgres": pool,
		"s3":       s3Client,
		"redis":    jobs,
	})

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware())

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		response.Plain("OK").Write(w)
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		checks, ready := readiness.CheckReady(r.Context())
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		response.Data(w, status, checks)
	})
	r.Handle("/metrics", promhttp.Handler())

	playbackAPI.PublicRoutes(r)
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(&auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer}))
		uploadHandler.Routes(r)
		playbackAPI.Routes(r)
	})

	var consumer *queue.Consumer
	if cfg.WorkerEnabled {
		worker, err := transcode.NewFromConfig(cfg, videos, s3Client, logger)
		if err != nil {
			utils.Shutdown(fmt.Sprintf("Failed to create transcode worker: %v", err))
		}
		consumer = queue.NewConsumer(ctx, jobs, worker.Handle, queue.ConsumerOptions{
			ID:          queue.DefaultConsumerID(),
			Concurrency: cfg.WorkerConcurrency,
		}, logger)
		if err := consumer.Start(); err != nil {
			utils.GracefulExit(fmt.Sprintf("Transcode worker failed to start: %v", err))
		}
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info(fmt.Sprintf("Starting server on port %s 🚀", cfg.Port), "env", cfg.Env, "worker", cfg.WorkerEnabled)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			utils.Shutdown(fmt.Sprintf("Server failed to start: %v", err))
		}
	}()

	signal.Notify(utils.QuitChan, syscall.SIGINT, syscall.SIGTERM)
	<-utils.QuitChan

	logger.Info("Shutting down server... 🛑")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown 🚨", "error", err)
	}
	if consumer != nil {
		if err := consumer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Transcode jobs still running at shutdown; they will be requeued", "error", err)
		}
	}

	logger.Info("Server exited")
}
