package video

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryRepository is an in-process Repository with the same transition
// rules as PostgresRepository. Used by tests and the local uploader smoke
// run.
type MemoryRepository struct {
	mu     sync.Mutex
	videos map[string]*Video
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{videos: make(map[string]*Video)}
}

func clone(v *Video) *Video {
	c := *v
	if v.HLSManifestURL != nil {
		u := *v.HLSManifestURL
		c.HLSManifestURL = &u
	}
	if v.ThumbnailURL != nil {
		u := *v.ThumbnailURL
		c.ThumbnailURL = &u
	}
	return &c
}

func (r *MemoryRepository) Create(_ context.Context, v *Video) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.videos {
		if existing.S3Key == v.S3Key {
			return fmt.Errorf("%w: key %s", ErrConflict, v.S3Key)
		}
	}
	if _, ok := r.videos[v.ID]; ok {
		return fmt.Errorf("%w: id %s", ErrConflict, v.ID)
	}
	r.videos[v.ID] = clone(v)
	return nil
}

func (r *MemoryRepository) FindByID(_ context.Context, id string) (*Video, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.videos[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(v), nil
}

func (r *MemoryRepository) FindByKey(_ context.Context, s3Key string) (*Video, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, v := range r.videos {
		if v.S3Key == s3Key {
			return clone(v), nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryRepository) ListForUser(_ context.Context, userID string, status *Status) ([]*Video, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	videos := []*Video{}
	for _, v := range r.videos {
		if v.UserID != userID {
			continue
		}
		if status != nil && v.Status != *status {
			continue
		}
		videos = append(videos, clone(v))
	}
	sort.Slice(videos, func(i, j int) bool {
		return videos[i].CreatedAt.After(videos[j].CreatedAt)
	})
	return videos, nil
}

func (r *MemoryRepository) Transition(_ context.Context, id string, to Status, upd Update) (*Video, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.videos[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !CanTransition(v.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, v.Status, to)
	}
	v.Status = to
	upd.apply(v)
	v.UpdatedAt = time.Now().UTC()
	return clone(v), nil
}

func (r *MemoryRepository) DeletePendingByKey(_ context.Context, s3Key string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, v := range r.videos {
		if v.S3Key == s3Key && v.Status == StatusPending {
			delete(r.videos, id)
			return true, nil
		}
	}
	return false, nil
}
