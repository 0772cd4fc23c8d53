// Command uploader sends a video through the resumable multipart protocol.
// Interrupting it pauses the transfer; running it again with the same file
// resumes where it stopped.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"

	"vidflow/internal/auth"
	"vidflow/internal/logging"
	"vidflow/internal/transfer"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		apiURL      = flag.String("api", envOr("VIDFLOW_API_URL", "http://localhost:8080"), "upload API base URL")
		token       = flag.String("token", os.Getenv("VIDFLOW_TOKEN"), "bearer token")
		user        = flag.String("user", os.Getenv("VIDFLOW_USER"), "mint a token for this user with JWT_SECRET when -token is empty (development)")
		contentType = flag.String("content-type", "", "video content type (default: from the file extension)")
		description = flag.String("description", "", "video description")
		stateDir    = flag.String("state-dir", defaultStateDir(), "directory holding resumable upload state")
		concurrency = flag.Int("concurrency", transfer.DefaultConcurrency, "parts sent in parallel")
		abort       = flag.Bool("abort", false, "abort the saved upload for this file instead of sending it")
		logLevel    = flag.String("log-level", "info", "log level")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] FILE\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		return 2
	}
	logger := logging.New(*logLevel, "text")

	if *token == "" && *user != "" {
		secret := os.Getenv("JWT_SECRET")
		if secret == "" {
			logger.Error("🚨 -user needs JWT_SECRET to mint a token")
			return 2
		}
		minted, err := auth.IssueToken(&auth.Config{Secret: secret, Issuer: os.Getenv("JWT_ISSUER")}, *user, 24*time.Hour)
		if err != nil {
			logger.Error("🚨 cannot mint token", "error", err)
			return 1
		}
		*token = minted
	}

	path := flag.Arg(0)
	f, err := os.Open(path)
	if err != nil {
		logger.Error("🚨 cannot open file", "error", err)
		return 1
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		logger.Error("🚨 cannot stat file", "error", err)
		return 1
	}

	ct := *contentType
	if ct == "" {
		if ct = contentTypeFor(path); ct == "" {
			logger.Error("🚨 cannot infer content type; pass -content-type", "file", path)
			return 2
		}
	}

	states, err := transfer.NewFileStateStore(*stateDir)
	if err != nil {
		logger.Error("🚨 cannot open state dir", "error", err)
		return 1
	}
	client := transfer.NewClient(*apiURL, *token, nil)

	src := transfer.Source{
		Name:        filepath.Base(path),
		ContentType: ct,
		Description: *description,
		Size:        info.Size(),
		Reader:      f,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *abort {
		return abortSaved(ctx, client, states, src, logger)
	}

	coordinator := transfer.NewCoordinator(client, &transfer.HTTPSender{Client: &http.Client{Timeout: 10 * time.Minute}}, states, transfer.Options{
		Concurrency: *concurrency,
		Logger:      logger,
		OnPhase: func(p transfer.Phase) {
			logger.Debug("phase", "phase", p)
		},
		OnProgress: func(p transfer.Progress) {
			logger.Info("progress", "parts", fmt.Sprintf("%d/%d", p.Completed, p.Total))
		},
	})

	v, err := coordinator.Upload(ctx, src)
	switch {
	case errors.Is(err, transfer.ErrPaused):
		logger.Warn("⏸️ upload paused; run the same command again to resume")
		return 130
	case errors.Is(err, transfer.ErrSessionGone):
		logger.Warn("saved upload session expired; run again to start over")
		return 1
	case err != nil:
		logger.Error("🚨 upload failed; run again to resume", "error", err)
		return 1
	}

	logger.Info("✅ upload complete", "video_id", v.ID, "status", v.Status)
	return 0
}

func abortSaved(ctx context.Context, client *transfer.Client, states transfer.StateStore, src transfer.Source, logger *slog.Logger) int {
	key := transfer.StateKey(src.Name, src.Size)
	state, err := states.Load(key)
	if err != nil {
		logger.Error("🚨 cannot read saved state", "error", err)
		return 1
	}
	if state == nil {
		logger.Info("no saved upload for this file")
		return 0
	}
	if err := client.Abort(ctx, state.ObjectKey, state.UploadID); err != nil {
		logger.Error("🚨 abort failed", "error", err)
		return 1
	}
	if err := states.Delete(key); err != nil {
		logger.Warn("upload aborted but local state was not removed", "error", err)
	}
	logger.Info("upload aborted", "object_key", state.ObjectKey)
	return 0
}

func contentTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp4", ".m4v":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	case ".ogg", ".ogv":
		return "video/ogg"
	}
	return ""
}

func defaultStateDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "vidflow", "uploads")
	}
	return filepath.Join(os.TempDir(), "vidflow-uploads")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
