package transfer

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vidflow/internal/upload"
	"vidflow/internal/video"
)

const mib = 1024 * 1024

type harness struct {
	store  *fakeStore
	api    *fakeAPI
	states *memoryStateStore
	data   []byte
	src    Source
}

func newHarness(t *testing.T, size int, partSize int64) *harness {
	store := newFakeStore(t)
	data := testData(size)
	return &harness{
		store:  store,
		api:    &fakeAPI{store: store, partSize: partSize},
		states: newMemoryStateStore(),
		data:   data,
		src: Source{
			Name:        "clip.mp4",
			ContentType: "video/mp4",
			Size:        int64(size),
			Reader:      bytes.NewReader(data),
		},
	}
}

func (h *harness) coordinator(opts Options) *Coordinator {
	return NewCoordinator(h.api, &HTTPSender{Client: h.store.srv.Client()}, h.states, opts)
}

func (h *harness) savedState(t *testing.T) *State {
	t.Helper()
	s, err := h.states.Load(StateKey(h.src.Name, h.src.Size))
	require.NoError(t, err)
	return s
}

func TestUpload_EndToEndWithFailedPart(t *testing.T) {
	h := newHarness(t, 20*mib, 8*mib)
	h.store.failNext(3, 1)

	var phases []Phase
	var mu sync.Mutex
	opts := Options{OnPhase: func(p Phase) {
		mu.Lock()
		defer mu.Unlock()
		phases = append(phases, p)
	}}

	_, err := h.coordinator(opts).Upload(context.Background(), h.src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "part 3")

	state := h.savedState(t)
	require.NotNil(t, state, "progress must survive a failed batch")
	assert.Equal(t, int64(8*mib), state.PartSize)
	assert.Len(t, state.Parts, 2)
	assert.Contains(t, state.Parts, 1)
	assert.Contains(t, state.Parts, 2)
	assert.Equal(t, 0, h.api.completeCalled)

	// The store lost track of everything; local state alone decides.
	h.api.resetPresigned()
	h.api.listPartsFunc = func() ([]upload.PartResponse, error) { return nil, nil }

	v, err := h.coordinator(opts).Upload(context.Background(), h.src)
	require.NoError(t, err)

	assert.Equal(t, []int{3}, h.api.presignedParts(), "only the failed part is re-sent")
	assert.Equal(t, 1, h.api.initiates, "resume must reuse the session")
	require.Len(t, h.api.completed, 3)
	for i, p := range h.api.completed {
		assert.Equal(t, i+1, p.PartNumber)
	}
	assert.True(t, bytes.Equal(h.data, h.api.assembled), "assembled object must equal the source")
	assert.Equal(t, video.StatusUploaded, v.Status)
	assert.Nil(t, h.savedState(t), "state is dropped after completion")
	assert.Equal(t, PhaseDone, phases[len(phases)-1])
}

func TestUpload_RemoteInventoryPreventsReupload(t *testing.T) {
	h := newHarness(t, 3*mib+100, mib)
	c := h.coordinator(Options{})

	// A previous run sent parts 1..3 but only recorded 1 and 2 locally.
	_, err := h.coordinator(Options{}).init(context.Background(), StateKey(h.src.Name, h.src.Size), h.src)
	require.NoError(t, err)
	for n := 1; n <= 3; n++ {
		off, length := partRange(n, mib, h.src.Size)
		part := h.data[off : off+length]
		_, err := (&HTTPSender{}).Send(context.Background(), h.store.url(n, Checksum(part)), part, Checksum(part))
		require.NoError(t, err)
	}
	state := h.savedState(t)
	state.Parts = map[int]string{1: etagOf(h.data[:mib]), 2: etagOf(h.data[mib : 2*mib])}
	require.NoError(t, h.states.Save(StateKey(h.src.Name, h.src.Size), state))
	putsBefore := h.store.putCount()

	_, err = c.Upload(context.Background(), h.src)
	require.NoError(t, err)

	assert.Equal(t, []int{4}, h.api.presignedParts(), "part 3 is already in the store")
	assert.Equal(t, putsBefore+1, h.store.putCount())
	assert.True(t, bytes.Equal(h.data, h.api.assembled))
}

func TestUpload_ChecksumMismatchIsNotRecorded(t *testing.T) {
	h := newHarness(t, 2*mib, mib)
	corrupt := &corruptingSender{next: &HTTPSender{Client: h.store.srv.Client()}, part: 2}
	c := NewCoordinator(h.api, corrupt, h.states, Options{Concurrency: 1})

	_, err := c.Upload(context.Background(), h.src)
	require.Error(t, err)

	state := h.savedState(t)
	require.NotNil(t, state)
	assert.NotContains(t, state.Parts, 2, "a rejected part is never accounted as uploaded")
	assert.Len(t, h.store.inventory(), 1, "the store kept only part 1")
	assert.Equal(t, 0, h.api.completeCalled)
}

// corruptingSender flips a byte of one part after its checksum was taken.
type corruptingSender struct {
	next PartSender
	part int
	n    int
	mu   sync.Mutex
}

func (s *corruptingSender) Send(ctx context.Context, url string, body []byte, checksum string) (string, error) {
	s.mu.Lock()
	s.n++
	n := s.n
	s.mu.Unlock()
	if n == s.part {
		body = append([]byte(nil), body...)
		body[0] ^= 0xff
	}
	return s.next.Send(ctx, url, body, checksum)
}

func TestUpload_CancelPauses(t *testing.T) {
	h := newHarness(t, 3*mib, mib)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var phases []Phase
	opts := Options{
		Concurrency: 1,
		OnPhase:     func(p Phase) { phases = append(phases, p) },
		OnProgress: func(p Progress) {
			if p.Completed == 1 {
				cancel()
			}
		},
	}

	_, err := h.coordinator(opts).Upload(ctx, h.src)
	require.ErrorIs(t, err, ErrPaused)
	assert.Equal(t, PhasePaused, phases[len(phases)-1])
	assert.Equal(t, 0, h.api.completeCalled)

	state := h.savedState(t)
	require.NotNil(t, state)
	assert.Len(t, state.Parts, 1)
	assert.Equal(t, []int{1}, h.api.presignedParts(), "nothing is scheduled after the pause")
	assert.Equal(t, 1, h.store.putCount())

	v, err := h.coordinator(Options{}).Upload(context.Background(), h.src)
	require.NoError(t, err)
	assert.NotNil(t, v)
	assert.True(t, bytes.Equal(h.data, h.api.assembled))
	assert.Equal(t, 3, h.store.putCount(), "no part is sent twice")
}

func TestUpload_FailedPartStopsScheduling(t *testing.T) {
	h := newHarness(t, 4*mib, mib)
	h.store.failNext(1, 1)

	_, err := h.coordinator(Options{Concurrency: 1}).Upload(context.Background(), h.src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "part 1")

	assert.Equal(t, []int{1}, h.api.presignedParts())
	assert.Equal(t, 1, h.store.putCount())
	assert.Empty(t, h.savedState(t).Parts)
}

func TestUpload_SessionGone(t *testing.T) {
	h := newHarness(t, mib, mib)
	require.NoError(t, h.states.Save(StateKey(h.src.Name, h.src.Size), &State{
		UploadID: "old", ObjectKey: "uploads/u1/1_clip.mp4", PartSize: mib, Parts: map[int]string{},
	}))
	h.api.listPartsFunc = func() ([]upload.PartResponse, error) {
		return nil, &APIError{Status: 404, Code: "not_found"}
	}

	_, err := h.coordinator(Options{}).Upload(context.Background(), h.src)
	require.ErrorIs(t, err, ErrSessionGone)
	assert.Nil(t, h.savedState(t))
}

func TestUpload_CompleteNotFoundStartsOver(t *testing.T) {
	h := newHarness(t, 2*mib, mib)
	h.api.completeErr = &APIError{Status: 404, Code: "not_found"}

	_, err := h.coordinator(Options{}).Upload(context.Background(), h.src)
	require.ErrorIs(t, err, ErrSessionGone)
	assert.Nil(t, h.savedState(t), "a session the server dropped must not be resumed")

	h.api.completeErr = nil
	v, err := h.coordinator(Options{}).Upload(context.Background(), h.src)
	require.NoError(t, err)
	assert.NotNil(t, v)
	assert.Equal(t, 2, h.api.initiates, "the next run opens a new session")
}

func TestUpload_CompleteFailureKeepsState(t *testing.T) {
	h := newHarness(t, 2*mib, mib)
	h.api.completeErr = &APIError{Status: 502, Code: "storage_unavailable"}

	_, err := h.coordinator(Options{}).Upload(context.Background(), h.src)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSessionGone)
	require.NotNil(t, h.savedState(t))
	assert.Len(t, h.savedState(t).Parts, 2)
}

func TestUpload_ReconcileFailureSurfaces(t *testing.T) {
	h := newHarness(t, mib, mib)
	h.api.listPartsFunc = func() ([]upload.PartResponse, error) {
		return nil, errors.New("store unreachable")
	}

	_, err := h.coordinator(Options{}).Upload(context.Background(), h.src)
	require.Error(t, err)
	assert.Empty(t, h.api.presignedParts(), "no part is sent without a reconciled inventory")
}

func TestUpload_ProgressReachesTotal(t *testing.T) {
	h := newHarness(t, 5*mib+1, mib)

	var mu sync.Mutex
	var last Progress
	_, err := h.coordinator(Options{OnProgress: func(p Progress) {
		mu.Lock()
		defer mu.Unlock()
		last = p
	}}).Upload(context.Background(), h.src)
	require.NoError(t, err)

	assert.Equal(t, Progress{Completed: 6, Total: 6}, last)
}
