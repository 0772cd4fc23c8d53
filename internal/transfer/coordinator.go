// Package transfer is the client side of a resumable multipart upload: it
// remembers progress locally, reconciles it with the store, sends the missing
// parts with bounded concurrency and completes the upload.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"vidflow/internal/upload"
	"vidflow/internal/video"
)

type Phase string

const (
	PhaseInit         Phase = "INIT"
	PhaseReconcile    Phase = "RECONCILE"
	PhaseTransferring Phase = "TRANSFERRING"
	PhaseCompleting   Phase = "COMPLETING"
	PhaseDone         Phase = "DONE"
	PhasePaused       Phase = "PAUSED"
)

const DefaultConcurrency = 4

var (
	// ErrPaused is returned when ctx is cancelled during the transfer. Progress
	// made so far is kept and the next Upload resumes from it.
	ErrPaused = errors.New("transfer paused")
	// ErrSessionGone means the server no longer knows the saved session. The
	// local state has been dropped; uploading again starts a new session.
	ErrSessionGone = errors.New("upload session no longer exists")
)

// Source is the file being uploaded.
type Source struct {
	Name        string
	ContentType string
	Description string
	Size        int64
	Reader      io.ReaderAt
}

type Progress struct {
	Completed int
	Total     int
}

type Options struct {
	Concurrency int
	OnPhase     func(Phase)
	OnProgress  func(Progress)
	Logger      *slog.Logger
}

type Coordinator struct {
	api    API
	sender PartSender
	states StateStore
	opts   Options
	logger *slog.Logger
}

func NewCoordinator(api API, sender PartSender, states StateStore, opts Options) *Coordinator {
	if opts.Concurrency < 1 {
		opts.Concurrency = DefaultConcurrency
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Coordinator{
		api:    api,
		sender: sender,
		states: states,
		opts:   opts,
		logger: logger,
	}
}

func (c *Coordinator) phase(p Phase) {
	if c.opts.OnPhase != nil {
		c.opts.OnPhase(p)
	}
}

// Upload drives src to a completed upload, resuming any saved progress.
func (c *Coordinator) Upload(ctx context.Context, src Source) (*video.Video, error) {
	key := StateKey(src.Name, src.Size)

	c.phase(PhaseInit)
	state, err := c.init(ctx, key, src)
	if err != nil {
		return nil, err
	}
	logger := c.logger.With("object_key", state.ObjectKey, "upload_id", state.UploadID)

	c.phase(PhaseReconcile)
	total := upload.TotalParts(src.Size, state.PartSize)
	remote, err := c.api.ListParts(ctx, state.ObjectKey, state.UploadID)
	if err != nil {
		if IsNotFound(err) {
			c.dropState(key, logger)
			return nil, ErrSessionGone
		}
		return nil, fmt.Errorf("reconcile parts: %w", err)
	}
	var missing []int
	state.Parts, missing = Merge(total, state.Parts, remote)
	if err := c.states.Save(key, state); err != nil {
		return nil, err
	}
	logger.Info("reconciled", "total_parts", total, "missing_parts", len(missing))

	c.phase(PhaseTransferring)
	if err := c.transfer(ctx, key, src, state, missing, total); err != nil {
		if errors.Is(err, ErrPaused) {
			c.phase(PhasePaused)
		}
		return nil, err
	}

	c.phase(PhaseCompleting)
	v, err := c.api.Complete(ctx, state.ObjectKey, &upload.CompleteRequest{
		UploadID:    state.UploadID,
		Parts:       orderedParts(state.Parts),
		Filename:    src.Name,
		ContentType: src.ContentType,
		SizeBytes:   src.Size,
	})
	if err != nil {
		// The server dropped the session after the store refused to
		// assemble it; resuming would fail the same way forever.
		if IsNotFound(err) {
			c.dropState(key, logger)
			return nil, ErrSessionGone
		}
		return nil, fmt.Errorf("complete upload: %w", err)
	}
	if err := c.states.Delete(key); err != nil {
		logger.Warn("upload completed but local state was not removed", "error", err)
	}

	c.phase(PhaseDone)
	return v, nil
}

func (c *Coordinator) dropState(key string, logger *slog.Logger) {
	if err := c.states.Delete(key); err != nil {
		logger.Warn("failed to drop stale state", "error", err)
	}
}

func (c *Coordinator) init(ctx context.Context, key string, src Source) (*State, error) {
	state, err := c.states.Load(key)
	if err != nil {
		return nil, err
	}
	if state != nil {
		c.logger.Info("resuming upload", "object_key", state.ObjectKey, "parts_saved", len(state.Parts))
		return state, nil
	}

	resp, err := c.api.Initiate(ctx, &upload.InitiateRequest{
		Filename:    src.Name,
		ContentType: src.ContentType,
		SizeBytes:   src.Size,
		Description: src.Description,
	})
	if err != nil {
		return nil, fmt.Errorf("initiate upload: %w", err)
	}
	if resp.PartSizeBytes <= 0 {
		return nil, fmt.Errorf("initiate upload: invalid part size %d", resp.PartSizeBytes)
	}

	state = &State{
		UploadID:  resp.UploadID,
		ObjectKey: resp.S3Key,
		PartSize:  resp.PartSizeBytes,
		Parts:     map[int]string{},
	}
	if err := c.states.Save(key, state); err != nil {
		return nil, err
	}
	return state, nil
}

// transfer sends the missing parts. Cancelling ctx stops scheduling; parts
// already in flight finish and are recorded. The first failed part stops
// scheduling too and its error is returned.
func (c *Coordinator) transfer(ctx context.Context, key string, src Source, state *State, missing []int, total int) error {
	var mu sync.Mutex
	c.progress(len(state.Parts), total)

	partCtx := context.WithoutCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)

	for _, n := range missing {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			// g.Go may have waited for a slot while another part failed or
			// the transfer was paused.
			if gctx.Err() != nil {
				return nil
			}
			etag, err := c.sendPart(partCtx, src, state, n)
			if err != nil {
				return fmt.Errorf("part %d: %w", n, err)
			}

			mu.Lock()
			defer mu.Unlock()
			state.Parts[n] = etag
			if err := c.states.Save(key, state.clone()); err != nil {
				return fmt.Errorf("part %d: %w", n, err)
			}
			c.progress(len(state.Parts), total)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ErrPaused
	}
	return nil
}

func (c *Coordinator) progress(completed, total int) {
	if c.opts.OnProgress != nil {
		c.opts.OnProgress(Progress{Completed: completed, Total: total})
	}
}

func (c *Coordinator) sendPart(ctx context.Context, src Source, state *State, n int) (string, error) {
	offset, length := partRange(n, state.PartSize, src.Size)
	buf := make([]byte, length)
	read, err := src.Reader.ReadAt(buf, offset)
	if int64(read) != length {
		return "", fmt.Errorf("read part: %w", err)
	}

	checksum := Checksum(buf)
	url, err := c.api.Presign(ctx, state.ObjectKey, &upload.PresignRequest{
		UploadID:   state.UploadID,
		PartNumber: n,
		Checksum:   checksum,
	})
	if err != nil {
		return "", fmt.Errorf("presign: %w", err)
	}
	return c.sender.Send(ctx, url, buf, checksum)
}
