package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"vidflow/internal/apperror"
	"vidflow/internal/config"
	"vidflow/internal/metrics"
	"vidflow/internal/queue"
	"vidflow/internal/s3"
	"vidflow/internal/video"
)

type Service struct {
	s3Client S3Client
	videos   video.Repository
	jobs     JobQueue
	config   *config.Config
	logger   *slog.Logger
	locks    *keyedMutex
	now      func() time.Time
}

func NewService(s3Client S3Client, videos video.Repository, jobs JobQueue, config *config.Config, logger *slog.Logger) *Service {
	return &Service{
		s3Client: s3Client,
		videos:   videos,
		jobs:     jobs,
		config:   config,
		logger:   logger,
		locks:    newKeyedMutex(),
		now:      time.Now,
	}
}

// Initiate opens a multipart session and records the PENDING video.
func (s *Service) Initiate(ctx context.Context, userID string, req *InitiateRequest) (*InitiateResponse, error) {
	const op = "upload.Initiate"

	if err := req.Validate(s.config.MaxUploadBytes); err != nil {
		return nil, apperror.Validation(op, err.Error())
	}

	objectKey := BuildObjectKey(userID, s.now(), req.Filename)
	uploadID, err := s.s3Client.CreateMultipartUpload(ctx, objectKey, req.ContentType)
	if err != nil {
		return nil, apperror.TransientInfra(op, err)
	}

	v := video.New(video.NewParams{
		UserID:      userID,
		S3Key:       objectKey,
		UploadID:    uploadID,
		Filename:    req.Filename,
		Description: req.Description,
		ContentType: req.ContentType,
		SizeBytes:   req.SizeBytes,

		PartSizeBytes: s.config.PartSizeBytes,
	})
	if err := s.videos.Create(ctx, v); err != nil {
		abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.StoreTimeout)
		if abortErr := s.s3Client.AbortMultipartUpload(abortCtx, objectKey, uploadID); abortErr != nil {
			s.logger.Warn("failed to abort orphaned multipart upload",
				"s3_key", objectKey, "upload_id", uploadID, "error", abortErr)
		}
		cancel()
		if errors.Is(err, video.ErrConflict) {
			return nil, apperror.Conflict(op, "an upload for this file already exists")
		}
		return nil, fmt.Errorf("%s: create video: %w", op, err)
	}

	s.logger.Info("upload initiated",
		"video_id", v.ID, "s3_key", objectKey, "upload_id", uploadID, "size_bytes", req.SizeBytes)

	return &InitiateResponse{
		UploadID:      uploadID,
		S3Key:         objectKey,
		PartSizeBytes: v.PartSizeBytes,
	}, nil
}

// Presign issues a checksum-bound URL for one part. It does not consult the
// video record.
func (s *Service) Presign(ctx context.Context, userID, objectKey string, req *PresignRequest) (*PresignResponse, error) {
	const op = "upload.Presign"

	if err := authorizeKey(op, userID, objectKey); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, apperror.Validation(op, err.Error())
	}

	url, err := s.s3Client.PresignUploadPart(ctx, objectKey, req.UploadID, int32(req.PartNumber), req.Checksum, s.config.PresignTTL)
	if err != nil {
		return nil, apperror.TransientInfra(op, err)
	}
	return &PresignResponse{URL: url}, nil
}

// ListParts returns the store's live part inventory for the upload.
func (s *Service) ListParts(ctx context.Context, userID, objectKey, uploadID string) ([]PartResponse, error) {
	const op = "upload.ListParts"

	if err := authorizeKey(op, userID, objectKey); err != nil {
		return nil, err
	}
	if uploadID == "" {
		return nil, apperror.Validation(op, "upload_id is required")
	}

	parts, err := s.s3Client.ListParts(ctx, objectKey, uploadID)
	if err != nil {
		if s3.IsNoSuchUpload(err) {
			return nil, apperror.NotFound(op, "upload not found")
		}
		return nil, apperror.TransientInfra(op, err)
	}

	resp := make([]PartResponse, len(parts))
	for i, p := range parts {
		resp[i] = PartResponse{PartNumber: p.PartNumber, ETag: p.ETag}
	}
	return resp, nil
}

// Complete assembles the object in the store, then marks the video UPLOADED
// and enqueues its transcode job.
//
// A failed store call deletes the PENDING record so the user can start over.
// Once the store has acknowledged completion the object exists; later
// failures are reported as inconsistencies and leave both the record and the
// object in place.
func (s *Service) Complete(ctx context.Context, userID, objectKey string, req *CompleteRequest) (*video.Video, error) {
	const op = "upload.Complete"

	if err := authorizeKey(op, userID, objectKey); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, apperror.Validation(op, err.Error())
	}

	unlock := s.locks.Lock(objectKey)
	defer unlock()

	v, err := s.videos.FindByKey(ctx, objectKey)
	if err != nil {
		if errors.Is(err, video.ErrNotFound) {
			return nil, apperror.NotFound(op, "video not found")
		}
		return nil, fmt.Errorf("%s: find video: %w", op, err)
	}
	if v.UploadID != req.UploadID {
		return nil, apperror.Validation(op, "upload_id does not match this upload")
	}
	if v.Status != video.StatusPending {
		metrics.UploadsCompleted.WithLabelValues("rejected").Inc()
		return nil, apperror.Conflict(op, fmt.Sprintf("upload is already %s", v.Status))
	}
	if req.SizeBytes != v.SizeBytes {
		return nil, apperror.Validation(op, "size_bytes does not match the initiated upload")
	}
	if err := validatePartList(req.Parts, TotalParts(v.SizeBytes, s.sessionPartSize(v))); err != nil {
		return nil, apperror.Validation(op, err.Error())
	}

	parts := make([]s3.PartInfo, len(req.Parts))
	for i, p := range req.Parts {
		parts[i] = s3.PartInfo{PartNumber: p.PartNumber, ETag: p.ETag}
	}

	// The caller going away must not interrupt the store call or the
	// bookkeeping that follows it, but a hung dependency must not hold the
	// key lock forever either.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.StoreTimeout)
	defer cancel()

	hasCompleted := false
	fail := func(err error) error {
		if !hasCompleted {
			s.discardPending(ctx, v)
			metrics.UploadsCompleted.WithLabelValues("failed").Inc()
			return apperror.TransientInfra(op, err)
		}
		return s.inconsistent(op, v, err)
	}

	if err := s.s3Client.CompleteMultipartUpload(ctx, objectKey, req.UploadID, parts); err != nil {
		return nil, fail(err)
	}
	hasCompleted = true

	uploaded, err := s.videos.Transition(ctx, v.ID, video.StatusUploaded, video.Update{})
	if err != nil {
		return nil, fail(fmt.Errorf("mark uploaded: %w", err))
	}

	if err := s.jobs.Enqueue(ctx, queue.TranscodeJob{VideoID: v.ID, S3Key: objectKey}); err != nil {
		return nil, fail(fmt.Errorf("enqueue transcode: %w", err))
	}

	metrics.UploadsCompleted.WithLabelValues("completed").Inc()
	s.logger.Info("upload completed", "video_id", v.ID, "s3_key", objectKey, "parts", len(parts))
	return uploaded, nil
}

// sessionPartSize is the part size the client was given at initiation, so a
// changed PART_SIZE_BYTES does not break sessions already in flight.
func (s *Service) sessionPartSize(v *video.Video) int64 {
	if v.PartSizeBytes > 0 {
		return v.PartSizeBytes
	}
	return s.config.PartSizeBytes
}

func (s *Service) discardPending(ctx context.Context, v *video.Video) {
	deleted, err := s.videos.DeletePendingByKey(ctx, v.S3Key)
	if err != nil {
		s.logger.Error("failed to delete video after failed completion",
			"video_id", v.ID, "s3_key", v.S3Key, "error", err)
		return
	}
	if deleted {
		s.logger.Info("deleted pending video after failed completion", "video_id", v.ID, "s3_key", v.S3Key)
	}
}

func (s *Service) inconsistent(op string, v *video.Video, err error) error {
	metrics.UploadsCompleted.WithLabelValues("inconsistent").Inc()
	s.logger.Error("object assembled but bookkeeping failed",
		"critical", true,
		"video_id", v.ID,
		"s3_key", v.S3Key,
		"upload_id", v.UploadID,
		"error", err,
	)
	return apperror.Inconsistency(op, err)
}

// Abort cancels the multipart session and removes the PENDING record.
// Aborting an unknown or already aborted upload succeeds.
func (s *Service) Abort(ctx context.Context, userID, objectKey string, req *AbortRequest) error {
	const op = "upload.Abort"

	if err := authorizeKey(op, userID, objectKey); err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return apperror.Validation(op, err.Error())
	}

	unlock := s.locks.Lock(objectKey)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, s.config.StoreTimeout)
	defer cancel()

	v, err := s.videos.FindByKey(ctx, objectKey)
	switch {
	case errors.Is(err, video.ErrNotFound):
		v = nil
	case err != nil:
		return fmt.Errorf("%s: find video: %w", op, err)
	case v.UploadID != req.UploadID:
		return apperror.Validation(op, "upload_id does not match this upload")
	case v.Status != video.StatusPending:
		return apperror.Conflict(op, fmt.Sprintf("upload is already %s", v.Status))
	}

	if err := s.s3Client.AbortMultipartUpload(ctx, objectKey, req.UploadID); err != nil {
		s.logger.Warn("failed to abort multipart upload",
			"s3_key", objectKey, "upload_id", req.UploadID, "error", err)
	}

	if v == nil {
		return nil
	}
	if _, err := s.videos.DeletePendingByKey(ctx, objectKey); err != nil {
		return fmt.Errorf("%s: delete video: %w", op, err)
	}

	metrics.UploadsAborted.Inc()
	s.logger.Info("upload aborted", "video_id", v.ID, "s3_key", objectKey)
	return nil
}

// BuildObjectKey derives uploads/{userID}/{unixMillis}_{filename}. The user id
// prefix is what per-part operations authorize against.
func BuildObjectKey(userID string, now time.Time, filename string) string {
	return fmt.Sprintf("uploads/%s/%d_%s", userID, now.UnixMilli(), sanitizeFilename(filename))
}

func sanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if out := b.String(); out != "" && out != "." && out != ".." {
		return out
	}
	return "video"
}

// authorizeKey rejects keys outside the caller's uploads/{userID}/ prefix.
// The same error is returned whether or not the key exists.
func authorizeKey(op, userID, objectKey string) error {
	if userID == "" || !strings.HasPrefix(objectKey, "uploads/"+userID+"/") {
		return apperror.Authorization(op)
	}
	rest := strings.TrimPrefix(objectKey, "uploads/"+userID+"/")
	if rest == "" || strings.Contains(rest, "/") {
		return apperror.Authorization(op)
	}
	return nil
}
