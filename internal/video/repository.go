package video

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type Repository interface {
	Create(ctx context.Context, v *Video) error
	FindByID(ctx context.Context, id string) (*Video, error)
	FindByKey(ctx context.Context, s3Key string) (*Video, error)
	// ListForUser returns the user's videos, newest first. A nil status
	// returns all of them.
	ListForUser(ctx context.Context, userID string, status *Status) ([]*Video, error)
	// Transition moves the video to status `to` if its current status allows
	// it, applying upd in the same write. It returns ErrNotFound or
	// ErrInvalidTransition otherwise.
	Transition(ctx context.Context, id string, to Status, upd Update) (*Video, error)
	// DeletePendingByKey removes the record only while it is still PENDING.
	// It reports whether a row was deleted.
	DeletePendingByKey(ctx context.Context, s3Key string) (bool, error)
}

// DBTX is implemented by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresRepository struct {
	db DBTX
}

func NewPostgresRepository(db DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const videoColumns = `id, user_id, s3_key, upload_id, filename, description, status,
	content_type, size_bytes, part_size_bytes, thumbnail_url, hls_manifest_url, created_at, updated_at`

func scanVideo(row pgx.Row) (*Video, error) {
	v := &Video{}
	var status string
	err := row.Scan(&v.ID, &v.UserID, &v.S3Key, &v.UploadID, &v.Filename, &v.Description,
		&status, &v.ContentType, &v.SizeBytes, &v.PartSizeBytes, &v.ThumbnailURL, &v.HLSManifestURL,
		&v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return nil, err
	}
	v.Status = Status(status)
	return v, nil
}

func (r *PostgresRepository) Create(ctx context.Context, v *Video) error {
	query := `
		INSERT INTO videos (id, user_id, s3_key, upload_id, filename, description, status,
			content_type, size_bytes, part_size_bytes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := r.db.Exec(ctx, query, v.ID, v.UserID, v.S3Key, v.UploadID, v.Filename,
		v.Description, string(v.Status), v.ContentType, v.SizeBytes, v.PartSizeBytes, v.CreatedAt, v.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: key %s", ErrConflict, v.S3Key)
		}
		return fmt.Errorf("insert video: %w", err)
	}
	return nil
}

func (r *PostgresRepository) FindByID(ctx context.Context, id string) (*Video, error) {
	v, err := scanVideo(r.db.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidUUID(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get video: %w", err)
	}
	return v, nil
}

func (r *PostgresRepository) FindByKey(ctx context.Context, s3Key string) (*Video, error) {
	v, err := scanVideo(r.db.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE s3_key = $1`, s3Key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get video by key: %w", err)
	}
	return v, nil
}

func (r *PostgresRepository) ListForUser(ctx context.Context, userID string, status *Status) ([]*Video, error) {
	query := `SELECT ` + videoColumns + ` FROM videos WHERE user_id = $1`
	args := []any{userID}
	if status != nil {
		query += ` AND status = $2`
		args = append(args, string(*status))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list videos: %w", err)
	}
	defer rows.Close()

	videos := []*Video{}
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, fmt.Errorf("scan video: %w", err)
		}
		videos = append(videos, v)
	}
	return videos, rows.Err()
}

func (r *PostgresRepository) Transition(ctx context.Context, id string, to Status, upd Update) (*Video, error) {
	from := AllowedFrom(to)
	if len(from) == 0 {
		return nil, fmt.Errorf("%w: nothing enters %s", ErrInvalidTransition, to)
	}
	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}

	query := `
		UPDATE videos
		SET status = $2,
			hls_manifest_url = COALESCE($3, hls_manifest_url),
			thumbnail_url = COALESCE($4, thumbnail_url),
			updated_at = $5
		WHERE id = $1 AND status = ANY($6)
		RETURNING ` + videoColumns

	v, err := scanVideo(r.db.QueryRow(ctx, query, id, string(to), upd.HLSManifestURL,
		upd.ThumbnailURL, time.Now().UTC(), allowed))
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("update video status: %w", err)
	}

	current, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, to)
}

func (r *PostgresRepository) DeletePendingByKey(ctx context.Context, s3Key string) (bool, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM videos WHERE s3_key = $1 AND status = $2`,
		s3Key, string(StatusPending))
	if err != nil {
		return false, fmt.Errorf("delete video: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// isInvalidUUID catches lookups by an id that is not a uuid at all.
func isInvalidUUID(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "22P02"
	}
	return false
}
