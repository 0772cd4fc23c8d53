// Package transcode turns an uploaded source video into HLS renditions, a
// master playlist and a thumbnail, and drives the video record to READY or
// FAILED.
package transcode

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	utils "vidflow/internal"
	"vidflow/internal/config"
	"vidflow/internal/metrics"
	"vidflow/internal/queue"
	"vidflow/internal/video"
)

// ObjectStore is the part of the S3 client the worker needs.
type ObjectStore interface {
	GetObject(ctx context.Context, key string) (io.ReadCloser, error)
	PutObject(ctx context.Context, key string, body io.Reader, contentType string) error
}

// Names of the artifacts every READY video has under processed/{id}/.
const (
	ManifestName  = "master.m3u8"
	ThumbnailName = "thumb.jpg"
)

const (
	frameName     = "frame.jpg"
	outputDirName = "hls"

	uploadConcurrency = 4

	defaultStoreTimeout = 5 * time.Minute
)

type Worker struct {
	videos        video.Repository
	store         ObjectStore
	runner        Runner
	profile       *config.TranscodeConfig
	publicBaseURL string
	scratchDir    string
	storeTimeout  time.Duration
	logger        *slog.Logger
}

type Options struct {
	PublicBaseURL string
	// ScratchDir is the parent of per-job temp directories; empty uses the
	// OS default.
	ScratchDir string
	// StoreTimeout bounds the source download and each artifact upload.
	StoreTimeout time.Duration
}

func NewWorker(videos video.Repository, store ObjectStore, runner Runner, profile *config.TranscodeConfig, opts Options, logger *slog.Logger) *Worker {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = defaultStoreTimeout
	}
	return &Worker{
		videos:        videos,
		store:         store,
		runner:        runner,
		profile:       profile,
		publicBaseURL: strings.TrimSuffix(opts.PublicBaseURL, "/"),
		scratchDir:    opts.ScratchDir,
		storeTimeout:  opts.StoreTimeout,
		logger:        logger,
	}
}

// ArtifactKey is where a produced file is stored for a video.
func ArtifactKey(videoID, name string) string {
	return path.Join("processed", videoID, name)
}

// Handle processes one job. It is safe to call again for the same video:
// READY videos are skipped and artifacts are written to fixed keys.
func (w *Worker) Handle(ctx context.Context, job queue.TranscodeJob) error {
	if job.VideoID == "" || job.S3Key == "" {
		w.logger.Warn("dropping job with missing inputs", "video_id", job.VideoID, "s3_key", job.S3Key)
		return nil
	}
	logger := w.logger.With("video_id", job.VideoID)

	v, err := w.videos.FindByID(ctx, job.VideoID)
	if err != nil {
		return fmt.Errorf("load video %s: %w", job.VideoID, err)
	}
	if v.Status == video.StatusReady {
		logger.Info("video already processed, skipping")
		metrics.TranscodeJobs.WithLabelValues("skipped").Inc()
		return nil
	}

	if _, err := w.videos.Transition(ctx, v.ID, video.StatusProcessing, video.Update{}); err != nil {
		return fmt.Errorf("claim video %s: %w", v.ID, err)
	}

	metrics.WorkerActiveJobs.Inc()
	defer metrics.WorkerActiveJobs.Dec()
	start := time.Now()
	logger.Info("transcode started", "s3_key", job.S3Key)

	update, err := w.process(ctx, v.ID, job.S3Key, logger)
	if err == nil {
		_, err = w.videos.Transition(ctx, v.ID, video.StatusReady, update)
	}
	if err != nil {
		w.markFailed(ctx, v.ID, logger, err)
		metrics.TranscodeJobs.WithLabelValues("failed").Inc()
		return err
	}

	metrics.TranscodeDuration.Observe(time.Since(start).Seconds())
	metrics.TranscodeJobs.WithLabelValues("ready").Inc()
	logger.Info("transcode finished", "duration", time.Since(start))
	return nil
}

func (w *Worker) markFailed(ctx context.Context, videoID string, logger *slog.Logger, cause error) {
	logger.Error("transcode failed", "error", cause)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if _, err := w.videos.Transition(ctx, videoID, video.StatusFailed, video.Update{}); err != nil {
		logger.Error("failed to mark video FAILED", "error", err)
	}
}

func (w *Worker) process(ctx context.Context, videoID, sourceKey string, logger *slog.Logger) (video.Update, error) {
	workdir, err := os.MkdirTemp(w.scratchDir, "video-"+videoID+"-")
	if err != nil {
		return video.Update{}, fmt.Errorf("create scratch dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(workdir); err != nil {
			logger.Warn("failed to remove scratch dir", "dir", workdir, "error", err)
		}
	}()

	outDir := filepath.Join(workdir, outputDirName)
	if err := os.Mkdir(outDir, 0o755); err != nil {
		return video.Update{}, fmt.Errorf("create output dir: %w", err)
	}

	sourceName := "source" + sourceExt(sourceKey)
	if err := w.download(ctx, sourceKey, filepath.Join(workdir, sourceName)); err != nil {
		return video.Update{}, err
	}
	input := filepath.Join("..", sourceName)

	for _, r := range w.profile.Renditions {
		logger.Info("encoding rendition", "rendition", r.Name)
		if err := w.run(ctx, outDir, renditionArgs(input, r, w.profile.SegmentSeconds)); err != nil {
			return video.Update{}, fmt.Errorf("rendition %s: %w", r.Name, err)
		}
	}

	if err := os.WriteFile(filepath.Join(outDir, ManifestName), []byte(masterPlaylist(w.profile.Renditions)), 0o644); err != nil {
		return video.Update{}, fmt.Errorf("write master playlist: %w", err)
	}

	if err := w.thumbnail(ctx, workdir, outDir, input); err != nil {
		return video.Update{}, err
	}

	if err := w.publish(ctx, videoID, outDir); err != nil {
		return video.Update{}, err
	}

	return video.Ready(
		w.publicBaseURL+"/"+ArtifactKey(videoID, ManifestName),
		w.publicBaseURL+"/"+ArtifactKey(videoID, ThumbnailName),
	), nil
}

func (w *Worker) download(ctx context.Context, key, dest string) error {
	ctx, cancel := context.WithTimeout(ctx, w.storeTimeout)
	defer cancel()

	body, err := w.store.GetObject(ctx, key)
	if err != nil {
		return fmt.Errorf("download source %s: %w", key, err)
	}
	defer body.Close()

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create source file: %w", err)
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		return fmt.Errorf("download source %s: %w", key, err)
	}
	return f.Close()
}

func (w *Worker) run(ctx context.Context, dir string, args []string) error {
	code, err := w.runner.Run(ctx, dir, args)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("ffmpeg exited with code %d", code)
	}
	return nil
}

// thumbnail extracts one frame outside the output dir and stores the
// normalised JPEG as thumb.jpg.
func (w *Worker) thumbnail(ctx context.Context, workdir, outDir, input string) error {
	opts := w.profile.Thumbnail
	if err := w.run(ctx, outDir, frameArgs(input, opts.Offset, filepath.Join("..", frameName))); err != nil {
		return fmt.Errorf("thumbnail: %w", err)
	}

	frame, err := os.ReadFile(filepath.Join(workdir, frameName))
	if err != nil {
		return fmt.Errorf("read thumbnail frame: %w", err)
	}
	thumb, err := generateThumbnail(frame, opts.Width, opts.Quality)
	if err != nil {
		return fmt.Errorf("thumbnail: %w", err)
	}
	return os.WriteFile(filepath.Join(outDir, ThumbnailName), thumb, 0o644)
}

// publish uploads every file in outDir under processed/{videoID}/.
func (w *Worker) publish(ctx context.Context, videoID, outDir string) error {
	entries, err := os.ReadDir(outDir)
	if err != nil {
		return fmt.Errorf("list outputs: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadConcurrency)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		g.Go(func() error {
			f, err := os.Open(filepath.Join(outDir, name))
			if err != nil {
				return err
			}
			defer f.Close()

			putCtx, cancel := context.WithTimeout(gctx, w.storeTimeout)
			defer cancel()
			if err := w.store.PutObject(putCtx, ArtifactKey(videoID, name), f, utils.ContentTypeByExt(name)); err != nil {
				return fmt.Errorf("upload %s: %w", name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("publish artifacts: %w", err)
	}
	return nil
}

func sourceExt(key string) string {
	ext := strings.ToLower(path.Ext(key))
	switch ext {
	case ".mp4", ".webm", ".ogg", ".ogv":
		return ext
	}
	return ".mp4"
}

