package transcode

import (
	"bytes"
	"context"
	"errors"
	"image/color"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vidflow/internal/config"
	"vidflow/internal/queue"
	"vidflow/internal/video"
)

// fakeRunner writes the files ffmpeg would produce.
type fakeRunner struct {
	mu     sync.Mutex
	calls  [][]string
	failOn string
}

func (r *fakeRunner) Run(ctx context.Context, dir string, args []string) (int, error) {
	r.mu.Lock()
	r.calls = append(r.calls, args)
	r.mu.Unlock()

	out := args[len(args)-1]
	if r.failOn != "" && strings.Contains(out, r.failOn) {
		return 1, nil
	}

	if strings.HasSuffix(out, ".m3u8") {
		name := strings.TrimSuffix(out, ".m3u8")
		playlist := "#EXTM3U\n#EXT-X-PLAYLIST-TYPE:VOD\n#EXTINF:4.0,\n" + name + "_000.ts\n#EXT-X-ENDLIST\n"
		if err := os.WriteFile(filepath.Join(dir, out), []byte(playlist), 0o644); err != nil {
			return -1, err
		}
		return 0, os.WriteFile(filepath.Join(dir, name+"_000.ts"), []byte("segment"), 0o644)
	}

	frame := imaging.New(1280, 720, color.NRGBA{R: 200, G: 40, B: 40, A: 255})
	return 0, imaging.Save(frame, filepath.Join(dir, out))
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type storedObject struct {
	body        []byte
	contentType string
}

type fakeStore struct {
	mu      sync.Mutex
	source  []byte
	getErr  error
	putErr  error
	objects map[string]storedObject

	// hangGet makes GetObject block until its context ends.
	hangGet bool
	// unbounded counts calls made without a deadline.
	unbounded int
}

func (s *fakeStore) checkDeadline(ctx context.Context) {
	if _, ok := ctx.Deadline(); !ok {
		s.mu.Lock()
		s.unbounded++
		s.mu.Unlock()
	}
}

func (s *fakeStore) GetObject(ctx context.Context, key string) (io.ReadCloser, error) {
	s.checkDeadline(ctx)
	if s.hangGet {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.getErr != nil {
		return nil, s.getErr
	}
	return io.NopCloser(bytes.NewReader(s.source)), nil
}

func (s *fakeStore) PutObject(ctx context.Context, key string, body io.Reader, contentType string) error {
	s.checkDeadline(ctx)
	if s.putErr != nil {
		return s.putErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.objects == nil {
		s.objects = make(map[string]storedObject)
	}
	s.objects[key] = storedObject{body: data, contentType: contentType}
	return nil
}

type workerFixture struct {
	repo    *video.MemoryRepository
	store   *fakeStore
	runner  *fakeRunner
	worker  *Worker
	scratch string
	video   *video.Video
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	f := &workerFixture{
		repo:    video.NewMemoryRepository(),
		store:   &fakeStore{source: []byte("source video bytes")},
		runner:  &fakeRunner{},
		scratch: t.TempDir(),
	}
	f.worker = NewWorker(f.repo, f.store, f.runner, config.DefaultTranscodeConfig(), Options{
		PublicBaseURL: "http://localhost:9000/videos/",
		ScratchDir:    f.scratch,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	f.video = video.New(video.NewParams{
		UserID: "u1", S3Key: "uploads/u1/1700000000000_clip.mp4", UploadID: "up",
		Filename: "clip.mp4", ContentType: "video/mp4", SizeBytes: 20 << 20,
	})
	require.NoError(t, f.repo.Create(context.Background(), f.video))
	_, err := f.repo.Transition(context.Background(), f.video.ID, video.StatusUploaded, video.Update{})
	require.NoError(t, err)
	return f
}

func (f *workerFixture) job() queue.TranscodeJob {
	return queue.TranscodeJob{VideoID: f.video.ID, S3Key: f.video.S3Key}
}

func (f *workerFixture) status(t *testing.T) *video.Video {
	t.Helper()
	v, err := f.repo.FindByID(context.Background(), f.video.ID)
	require.NoError(t, err)
	return v
}

func assertScratchEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch directory must be removed")
}

func TestWorker_Handle_PublishesArtifacts(t *testing.T) {
	f := newWorkerFixture(t)

	require.NoError(t, f.worker.Handle(context.Background(), f.job()))

	v := f.status(t)
	assert.Equal(t, video.StatusReady, v.Status)
	require.NotNil(t, v.HLSManifestURL)
	require.NotNil(t, v.ThumbnailURL)
	assert.Equal(t, "http://localhost:9000/videos/processed/"+v.ID+"/master.m3u8", *v.HLSManifestURL)
	assert.Equal(t, "http://localhost:9000/videos/processed/"+v.ID+"/thumb.jpg", *v.ThumbnailURL)

	prefix := "processed/" + v.ID + "/"
	expected := map[string]string{
		"480p.m3u8":   "application/vnd.apple.mpegurl",
		"720p.m3u8":   "application/vnd.apple.mpegurl",
		"master.m3u8": "application/vnd.apple.mpegurl",
		"480p_000.ts": "video/mp2t",
		"720p_000.ts": "video/mp2t",
		"thumb.jpg":   "image/jpeg",
	}
	assert.Len(t, f.store.objects, len(expected))
	for name, contentType := range expected {
		obj, ok := f.store.objects[prefix+name]
		if assert.True(t, ok, "missing %s", name) {
			assert.Equal(t, contentType, obj.contentType, name)
		}
	}

	assert.Equal(t, masterPlaylist(config.DefaultTranscodeConfig().Renditions), string(f.store.objects[prefix+"master.m3u8"].body))

	thumb, err := imaging.Decode(bytes.NewReader(f.store.objects[prefix+"thumb.jpg"].body))
	require.NoError(t, err)
	assert.Equal(t, 640, thumb.Bounds().Dx())
	assert.Equal(t, 360, thumb.Bounds().Dy())

	// two renditions and one frame grab
	assert.Equal(t, 3, f.runner.callCount())
	assert.Zero(t, f.store.unbounded, "every store call needs a deadline")
	assertScratchEmpty(t, f.scratch)
}

func TestWorker_Handle_HungStoreTimesOut(t *testing.T) {
	f := newWorkerFixture(t)
	f.store.hangGet = true
	f.worker.storeTimeout = 20 * time.Millisecond

	err := f.worker.Handle(context.Background(), f.job())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, video.StatusFailed, f.status(t).Status)
	assert.Zero(t, f.runner.callCount())
	assertScratchEmpty(t, f.scratch)
}

func TestWorker_Handle_IdempotentWhenReady(t *testing.T) {
	f := newWorkerFixture(t)
	require.NoError(t, f.worker.Handle(context.Background(), f.job()))

	before := f.runner.callCount()
	snapshot := make(map[string]storedObject, len(f.store.objects))
	for k, v := range f.store.objects {
		snapshot[k] = v
	}

	require.NoError(t, f.worker.Handle(context.Background(), f.job()))

	assert.Equal(t, before, f.runner.callCount(), "READY video must not be transcoded again")
	assert.Equal(t, snapshot, f.store.objects)
	assert.Equal(t, video.StatusReady, f.status(t).Status)
}

func TestWorker_Handle_FailureMarksFailed(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *workerFixture)
	}{
		{"rendition exits non-zero", func(f *workerFixture) { f.runner.failOn = "720p" }},
		{"thumbnail exits non-zero", func(f *workerFixture) { f.runner.failOn = "frame" }},
		{"source download fails", func(f *workerFixture) { f.store.getErr = errors.New("NoSuchKey") }},
		{"artifact upload fails", func(f *workerFixture) { f.store.putErr = errors.New("SlowDown") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newWorkerFixture(t)
			tt.setup(f)

			err := f.worker.Handle(context.Background(), f.job())
			require.Error(t, err)

			v := f.status(t)
			assert.Equal(t, video.StatusFailed, v.Status)
			assert.Nil(t, v.HLSManifestURL)
			assertScratchEmpty(t, f.scratch)
		})
	}
}

func TestWorker_Handle_RetryAfterFailure(t *testing.T) {
	f := newWorkerFixture(t)
	f.runner.failOn = "480p"
	require.Error(t, f.worker.Handle(context.Background(), f.job()))
	assert.Equal(t, video.StatusFailed, f.status(t).Status)

	f.runner.failOn = ""
	require.NoError(t, f.worker.Handle(context.Background(), f.job()))
	assert.Equal(t, video.StatusReady, f.status(t).Status)
}

func TestWorker_Handle_MissingInputsAcked(t *testing.T) {
	f := newWorkerFixture(t)

	for _, job := range []queue.TranscodeJob{{VideoID: f.video.ID}, {S3Key: f.video.S3Key}, {}} {
		assert.NoError(t, f.worker.Handle(context.Background(), job))
	}
	assert.Equal(t, 0, f.runner.callCount())
	assert.Equal(t, video.StatusUploaded, f.status(t).Status)
}

func TestWorker_Handle_UnknownVideo(t *testing.T) {
	f := newWorkerFixture(t)
	err := f.worker.Handle(context.Background(), queue.TranscodeJob{VideoID: "missing", S3Key: "k"})
	assert.ErrorIs(t, err, video.ErrNotFound)
	assert.Equal(t, 0, f.runner.callCount())
}

func TestWorker_Handle_PendingVideoNotClaimed(t *testing.T) {
	f := newWorkerFixture(t)
	pending := video.New(video.NewParams{UserID: "u1", S3Key: "uploads/u1/2_b.mp4"})
	require.NoError(t, f.repo.Create(context.Background(), pending))

	err := f.worker.Handle(context.Background(), queue.TranscodeJob{VideoID: pending.ID, S3Key: pending.S3Key})
	assert.ErrorIs(t, err, video.ErrInvalidTransition)
	assert.Equal(t, 0, f.runner.callCount())
}

func TestMasterPlaylist(t *testing.T) {
	expected := "#EXTM3U\n" +
		"#EXT-X-VERSION:3\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x480\n" +
		"480p.m3u8\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=2800000,RESOLUTION=1280x720\n" +
		"720p.m3u8\n"
	assert.Equal(t, expected, masterPlaylist(config.DefaultTranscodeConfig().Renditions))
}

func TestRenditionArgs(t *testing.T) {
	r := config.DefaultTranscodeConfig().Renditions[1]
	args := renditionArgs("../source.mp4", r, 4)

	joined := strings.Join(args, " ")
	for _, want := range []string{
		"-i ../source.mp4",
		"-vf scale=-2:720",
		"-hls_time 4",
		"-hls_playlist_type vod",
		"-b:v 2800k",
		"-maxrate 2996k",
		"-bufsize 4200k",
		"-hls_segment_filename 720p_%03d.ts",
	} {
		assert.Contains(t, joined, want)
	}
	assert.Equal(t, "720p.m3u8", args[len(args)-1])
}

func TestSourceExt(t *testing.T) {
	assert.Equal(t, ".webm", sourceExt("uploads/u1/1_a.WEBM"))
	assert.Equal(t, ".mp4", sourceExt("uploads/u1/1_a.mp4"))
	assert.Equal(t, ".mp4", sourceExt("uploads/u1/1_noext"))
}

func TestGenerateThumbnail_KeepsSmallFrames(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, imaging.New(320, 240, color.White), imaging.JPEG))

	out, err := generateThumbnail(buf.Bytes(), 640, 85)
	require.NoError(t, err)
	img, err := imaging.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 320, img.Bounds().Dx())

	_, err = generateThumbnail([]byte("not an image"), 640, 85)
	assert.Error(t, err)
}
