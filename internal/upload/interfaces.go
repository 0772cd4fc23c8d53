package upload

import (
	"context"
	"time"

	"vidflow/internal/queue"
	"vidflow/internal/s3"
)

// S3Client interface for dependency injection and testing
type S3Client interface {
	CreateMultipartUpload(ctx context.Context, key, contentType string) (string, error)
	PresignUploadPart(ctx context.Context, key, uploadID string, partNumber int32, checksum string, expires time.Duration) (string, error)
	ListParts(ctx context.Context, key, uploadID string) ([]s3.PartInfo, error)
	CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []s3.PartInfo) error
	AbortMultipartUpload(ctx context.Context, key, uploadID string) error
}

// JobQueue accepts transcode jobs for a completed upload.
type JobQueue interface {
	Enqueue(ctx context.Context, job queue.TranscodeJob) error
}
