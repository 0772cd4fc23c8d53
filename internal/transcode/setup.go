package transcode

import (
	"fmt"
	"log/slog"

	"vidflow/internal/config"
	"vidflow/internal/video"
)

// NewFromConfig builds a Worker that runs the configured ffmpeg binary with
// the transcode profile at cfg.TranscodeConfigPath.
func NewFromConfig(cfg *config.Config, videos video.Repository, store ObjectStore, logger *slog.Logger) (*Worker, error) {
	profile, err := config.LoadTranscodeConfig(cfg.TranscodeConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load transcode profile: %w", err)
	}

	runner := &FFmpeg{
		Path:    cfg.FFmpegPath,
		Timeout: cfg.FFmpegTimeout,
		Logger:  logger,
	}
	return NewWorker(videos, store, runner, profile, Options{
		PublicBaseURL: cfg.S3PublicBaseURL,
		ScratchDir:    cfg.ScratchDir,
		StoreTimeout:  cfg.StoreTimeout,
	}, logger), nil
}
