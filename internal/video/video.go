// Package video holds the video record, which is both the upload session while
// PENDING and the catalog entry afterwards, and the rules for moving it through
// the processing pipeline.
package video

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusUploaded   Status = "UPLOADED"
	StatusProcessing Status = "PROCESSING"
	StatusReady      Status = "READY"
	StatusFailed     Status = "FAILED"
)

var (
	ErrNotFound          = errors.New("video not found")
	ErrConflict          = errors.New("video already exists")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// transitions lists the states each status may be entered from.
// PROCESSING may be re-entered from itself or FAILED when the queue
// redelivers a job whose previous attempt crashed or failed.
var transitions = map[Status][]Status{
	StatusUploaded:   {StatusPending},
	StatusProcessing: {StatusUploaded, StatusProcessing, StatusFailed},
	StatusReady:      {StatusUploaded, StatusProcessing},
	StatusFailed:     {StatusPending, StatusUploaded, StatusProcessing},
}

func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusUploaded, StatusProcessing, StatusReady, StatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// AllowedFrom returns the states from which to may be entered.
func AllowedFrom(to Status) []Status {
	return transitions[to]
}

func CanTransition(from, to Status) bool {
	for _, s := range transitions[to] {
		if s == from {
			return true
		}
	}
	return false
}

type Video struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	S3Key          string    `json:"-"`
	UploadID       string    `json:"-"`
	Filename       string    `json:"filename"`
	Description    string    `json:"description"`
	Status         Status    `json:"status"`
	ContentType    string    `json:"content_type"`
	SizeBytes      int64     `json:"size_bytes"`
	PartSizeBytes  int64     `json:"-"`
	ThumbnailURL   *string   `json:"thumbnail_url"`
	HLSManifestURL *string   `json:"hls_manifest_url"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// NewParams carries everything known about a video at upload initiation.
type NewParams struct {
	UserID      string
	S3Key       string
	UploadID    string
	Filename    string
	Description string
	ContentType string
	SizeBytes   int64

	// PartSizeBytes is the part size handed to the client for this session.
	PartSizeBytes int64
}

// New builds a PENDING video with a fresh id.
func New(p NewParams) *Video {
	now := time.Now().UTC()
	return &Video{
		ID:          uuid.NewString(),
		UserID:      p.UserID,
		S3Key:       p.S3Key,
		UploadID:    p.UploadID,
		Filename:    p.Filename,
		Description: p.Description,
		Status:      StatusPending,
		ContentType: p.ContentType,
		SizeBytes:   p.SizeBytes,
		CreatedAt:   now,
		UpdatedAt:   now,

		PartSizeBytes: p.PartSizeBytes,
	}
}

// Update is the set of fields a status transition may also change. Nil
// fields are left untouched.
type Update struct {
	HLSManifestURL *string
	ThumbnailURL   *string
}

func (u Update) apply(v *Video) {
	if u.HLSManifestURL != nil {
		url := *u.HLSManifestURL
		v.HLSManifestURL = &url
	}
	if u.ThumbnailURL != nil {
		url := *u.ThumbnailURL
		v.ThumbnailURL = &url
	}
}

// Ready is the update published when every artifact is stored.
func Ready(manifestURL, thumbnailURL string) Update {
	return Update{HLSManifestURL: &manifestURL, ThumbnailURL: &thumbnailURL}
}
