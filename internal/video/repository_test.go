package video

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"vidflow/internal/database"
)

func setupTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("skipping integration test: TEST_INTEGRATION not set")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("vidflow_test"),
		postgres.WithUsername("vidflow"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	require.NoError(t, database.Migrate(url, logger))

	pool, err := database.Connect(ctx, url, logger)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestPostgresRepository(t *testing.T) {
	pool := setupTestPool(t)
	repo := NewPostgresRepository(pool)
	ctx := context.Background()

	v := New(NewParams{
		UserID:      "u1",
		S3Key:       "uploads/u1/1700000000000_clip.mp4",
		UploadID:    "upload-1",
		Filename:    "clip.mp4",
		Description: "holiday",
		ContentType: "video/mp4",
		SizeBytes:   20 * 1024 * 1024,

		PartSizeBytes: 5 * 1024 * 1024,
	})

	t.Run("create and find", func(t *testing.T) {
		require.NoError(t, repo.Create(ctx, v))

		byKey, err := repo.FindByKey(ctx, v.S3Key)
		require.NoError(t, err)
		assert.Equal(t, v.ID, byKey.ID)
		assert.Equal(t, StatusPending, byKey.Status)
		assert.Equal(t, "holiday", byKey.Description)
		assert.Equal(t, int64(5*1024*1024), byKey.PartSizeBytes)
		assert.Nil(t, byKey.HLSManifestURL)
	})

	t.Run("duplicate key conflicts", func(t *testing.T) {
		err := repo.Create(ctx, New(NewParams{UserID: "u1", S3Key: v.S3Key, UploadID: "x", Filename: "f", ContentType: "video/mp4", SizeBytes: 1}))
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("unknown and malformed ids", func(t *testing.T) {
		_, err := repo.FindByID(ctx, "2b1f6c1e-1d7e-4c53-9d3c-6a3c0e5d4f10")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = repo.FindByID(ctx, "not-a-uuid")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("guarded transitions", func(t *testing.T) {
		_, err := repo.Transition(ctx, v.ID, StatusReady, Update{})
		assert.ErrorIs(t, err, ErrInvalidTransition)

		uploaded, err := repo.Transition(ctx, v.ID, StatusUploaded, Update{})
		require.NoError(t, err)
		assert.Equal(t, StatusUploaded, uploaded.Status)

		_, err = repo.Transition(ctx, v.ID, StatusUploaded, Update{})
		assert.ErrorIs(t, err, ErrInvalidTransition)

		deleted, err := repo.DeletePendingByKey(ctx, v.S3Key)
		require.NoError(t, err)
		assert.False(t, deleted)

		_, err = repo.Transition(ctx, v.ID, StatusProcessing, Update{})
		require.NoError(t, err)
		ready, err := repo.Transition(ctx, v.ID, StatusReady, Ready("https://cdn/processed/x/master.m3u8", "https://cdn/processed/x/thumb.jpg"))
		require.NoError(t, err)
		require.NotNil(t, ready.ThumbnailURL)
		assert.Equal(t, "https://cdn/processed/x/thumb.jpg", *ready.ThumbnailURL)
	})

	t.Run("list filters by owner and status", func(t *testing.T) {
		other := New(NewParams{UserID: "u2", S3Key: "uploads/u2/1_x.mp4", UploadID: "u", Filename: "x.mp4", ContentType: "video/mp4", SizeBytes: 1})
		require.NoError(t, repo.Create(ctx, other))

		all, err := repo.ListForUser(ctx, "u1", nil)
		require.NoError(t, err)
		assert.Len(t, all, 1)

		pending := StatusPending
		none, err := repo.ListForUser(ctx, "u1", &pending)
		require.NoError(t, err)
		assert.Empty(t, none)

		deleted, err := repo.DeletePendingByKey(ctx, other.S3Key)
		require.NoError(t, err)
		assert.True(t, deleted)
	})
}
