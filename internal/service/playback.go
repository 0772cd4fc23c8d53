package service

import (
	"context"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"

	utils "vidflow/internal"
	"vidflow/internal/apperror"
	"vidflow/internal/s3"
	"vidflow/internal/transcode"
	"vidflow/internal/video"
)

// ObjectReader streams stored objects.
type ObjectReader interface {
	GetObject(ctx context.Context, key string) (io.ReadCloser, error)
}

type PlaybackService struct {
	store  ObjectReader
	videos video.Repository
}

func NewPlaybackService(store ObjectReader, videos video.Repository) *PlaybackService {
	return &PlaybackService{
		store:  store,
		videos: videos,
	}
}

// Artifact is an open processed file. Callers must close Body.
type Artifact struct {
	Body        io.ReadCloser
	ContentType string
}

// Manifest opens the master playlist of a video.
func (s *PlaybackService) Manifest(ctx context.Context, videoID string) (*Artifact, error) {
	return s.Artifact(ctx, videoID, transcode.ManifestName)
}

// Artifact opens a file the transcoder produced for videoID. name is relative
// to the video's prefix and may not climb out of it.
func (s *PlaybackService) Artifact(ctx context.Context, videoID, name string) (*Artifact, error) {
	const op = "playback.artifact"

	if _, err := uuid.Parse(videoID); err != nil {
		return nil, apperror.NotFound(op, "video not found")
	}
	cleaned, ok := cleanArtifactPath(name)
	if !ok {
		return nil, apperror.NotFound(op, "file not found")
	}

	body, err := s.store.GetObject(ctx, transcode.ArtifactKey(videoID, cleaned))
	if err != nil {
		if s3.IsNotFound(err) {
			return nil, apperror.NotFound(op, "file not found")
		}
		return nil, apperror.TransientInfra(op, err)
	}

	return &Artifact{
		Body:        body,
		ContentType: utils.ContentTypeByExt(cleaned),
	}, nil
}

// ListVideos returns the caller's videos, newest first. An empty status lists
// every status.
func (s *PlaybackService) ListVideos(ctx context.Context, userID, status string) ([]*video.Video, error) {
	const op = "videos.list"

	var filter *video.Status
	if status != "" {
		st, err := video.ParseStatus(status)
		if err != nil {
			return nil, apperror.Validation(op, err.Error())
		}
		filter = &st
	}

	videos, err := s.videos.ListForUser(ctx, userID, filter)
	if err != nil {
		return nil, err
	}
	if videos == nil {
		videos = []*video.Video{}
	}
	return videos, nil
}

func cleanArtifactPath(name string) (string, bool) {
	if name == "" || strings.Contains(name, `\`) {
		return "", false
	}
	cleaned := path.Clean(name)
	if cleaned != name || path.IsAbs(cleaned) || cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", false
	}
	return cleaned, true
}
