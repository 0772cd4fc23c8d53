package transfer

import (
	"bytes"
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"vidflow/internal/apperror"
	"vidflow/internal/upload"
	"vidflow/internal/video"
)

// fakeStore is an httptest stand-in for the presigned part endpoint. It
// rejects a PUT whose bytes do not match the checksum bound into the URL.
type fakeStore struct {
	srv *httptest.Server

	mu       sync.Mutex
	parts    map[int][]byte
	puts     []int
	failures map[int]int
}

func newFakeStore(t *testing.T) *fakeStore {
	s := &fakeStore{parts: map[int][]byte{}, failures: map[int]int{}}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handlePut))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *fakeStore) url(part int, checksum string) string {
	return fmt.Sprintf("%s/part/%d?checksum=%s", s.srv.URL, part, url.QueryEscape(checksum))
}

func (s *fakeStore) failNext(part, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[part] = times
}

func etagOf(b []byte) string {
	return fmt.Sprintf(`"%x"`, md5.Sum(b))
}

func (s *fakeStore) handlePut(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/part/"))
	if err != nil || r.Method != http.MethodPut {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts = append(s.puts, n)

	if s.failures[n] > 0 {
		s.failures[n]--
		http.Error(w, "connection reset", http.StatusServiceUnavailable)
		return
	}
	signed := r.URL.Query().Get("checksum")
	if r.Header.Get("x-amz-checksum-crc32") != signed || Checksum(body) != signed {
		http.Error(w, "BadDigest", http.StatusBadRequest)
		return
	}

	s.parts[n] = body
	w.Header().Set("ETag", etagOf(body))
	w.WriteHeader(http.StatusOK)
}

func (s *fakeStore) inventory() []upload.PartResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]upload.PartResponse, 0, len(s.parts))
	for n, b := range s.parts {
		out = append(out, upload.PartResponse{PartNumber: n, ETag: etagOf(b)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartNumber < out[j].PartNumber })
	return out
}

func (s *fakeStore) putCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.puts)
}

// fakeAPI plays the upload server on top of a fakeStore.
type fakeAPI struct {
	store    *fakeStore
	partSize int64

	mu             sync.Mutex
	initiates      int
	presigned      []int
	completed      []upload.CompletedPart
	assembled      []byte
	listPartsFunc  func() ([]upload.PartResponse, error)
	completeErr    error
	completeCalled int
}

func (a *fakeAPI) Initiate(ctx context.Context, req *upload.InitiateRequest) (*upload.InitiateResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.initiates++
	return &upload.InitiateResponse{
		UploadID:      fmt.Sprintf("upload-%d", a.initiates),
		S3Key:         "uploads/u1/1700000000000_" + req.Filename,
		PartSizeBytes: a.partSize,
	}, nil
}

func (a *fakeAPI) Presign(ctx context.Context, objectKey string, req *upload.PresignRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	a.mu.Lock()
	a.presigned = append(a.presigned, req.PartNumber)
	a.mu.Unlock()
	return a.store.url(req.PartNumber, req.Checksum), nil
}

func (a *fakeAPI) ListParts(ctx context.Context, objectKey, uploadID string) ([]upload.PartResponse, error) {
	if a.listPartsFunc != nil {
		return a.listPartsFunc()
	}
	return a.store.inventory(), nil
}

func (a *fakeAPI) Complete(ctx context.Context, objectKey string, req *upload.CompleteRequest) (*video.Video, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.completeCalled++
	if a.completeErr != nil {
		return nil, a.completeErr
	}
	a.completed = req.Parts

	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	var assembled bytes.Buffer
	for i, p := range req.Parts {
		if p.PartNumber != i+1 {
			return nil, apperror.Validation("complete", "parts out of order")
		}
		body, ok := a.store.parts[p.PartNumber]
		if !ok || etagOf(body) != p.ETag {
			return nil, apperror.Validation("complete", fmt.Sprintf("part %d does not match", p.PartNumber))
		}
		assembled.Write(body)
	}
	a.assembled = assembled.Bytes()

	v := video.New(video.NewParams{UserID: "u1", S3Key: objectKey, Filename: req.Filename, SizeBytes: req.SizeBytes})
	v.Status = video.StatusUploaded
	return v, nil
}

func (a *fakeAPI) Abort(ctx context.Context, objectKey, uploadID string) error {
	return nil
}

func (a *fakeAPI) presignedParts() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := append([]int(nil), a.presigned...)
	sort.Ints(out)
	return out
}

func (a *fakeAPI) resetPresigned() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.presigned = nil
}

type memoryStateStore struct {
	mu     sync.Mutex
	states map[string]*State
}

func newMemoryStateStore() *memoryStateStore {
	return &memoryStateStore{states: map[string]*State{}}
}

func (m *memoryStateStore) Load(key string) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[key]; ok {
		return s.clone(), nil
	}
	return nil, nil
}

func (m *memoryStateStore) Save(key string, state *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[key] = state.clone()
	return nil
}

func (m *memoryStateStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, key)
	return nil
}

func testData(size int) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte(i*31 + i/7)
	}
	return b
}
