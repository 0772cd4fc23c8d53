// Package queue delivers transcode jobs at least once through Redis, retrying
// failed attempts with exponential backoff.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TranscodeJob is enqueued once per completed upload.
type TranscodeJob struct {
	VideoID string `json:"videoId"`
	S3Key   string `json:"s3Key"`
}

type Options struct {
	// Attempts is the total number of deliveries, first one included.
	Attempts int
	// Backoff is the delay before the first retry; it doubles per retry.
	Backoff time.Duration
}

func DefaultOptions() Options {
	return Options{Attempts: 3, Backoff: 10 * time.Second}
}

// BackoffDelay returns the wait before retrying after the given number of
// failed attempts: base, 2*base, 4*base...
func BackoffDelay(base time.Duration, failedAttempts int) time.Duration {
	if failedAttempts < 1 {
		failedAttempts = 1
	}
	return base << (failedAttempts - 1)
}

// envelope is the stored form of a job.
type envelope struct {
	ID           string       `json:"id"`
	Job          TranscodeJob `json:"data"`
	AttemptsMade int          `json:"attemptsMade"`
	MaxAttempts  int          `json:"attempts"`
	BackoffMs    int64        `json:"backoffMs"`
	EnqueuedAt   time.Time    `json:"enqueuedAt"`
	FailedReason string       `json:"failedReason,omitempty"`
}

func newEnvelope(job TranscodeJob, opts Options) envelope {
	return envelope{
		ID:          uuid.NewString(),
		Job:         job,
		MaxAttempts: opts.Attempts,
		BackoffMs:   opts.Backoff.Milliseconds(),
		EnqueuedAt:  time.Now().UTC(),
	}
}

func (e envelope) encode() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}
	return string(b), nil
}

func decodeEnvelope(raw string) (envelope, error) {
	var e envelope
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return envelope{}, fmt.Errorf("decode job: %w", err)
	}
	return e, nil
}

// retryDelay is the wait before the next attempt, or false if the job has
// used every attempt.
func (e envelope) retryDelay() (time.Duration, bool) {
	if e.AttemptsMade >= e.MaxAttempts {
		return 0, false
	}
	return BackoffDelay(time.Duration(e.BackoffMs)*time.Millisecond, e.AttemptsMade), true
}
