package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"vodforge/internal/models"
)

// PostgresConfig describes how the repository initialises its connection
// pool.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	ApplicationName     string
	Clock               func() time.Time
}

func newPostgresConfig(dsn string, opts ...Option) PostgresConfig {
	cfg := PostgresConfig{
		DSN:             dsn,
		MinConnections:  -1,
		ApplicationName: "vodforge",
		Clock:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyPostgres(&cfg)
		}
	}
	return cfg
}

type postgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
	now  func() time.Time
}

const postgresSchema = `CREATE TABLE IF NOT EXISTS videos (
	watch_id TEXT PRIMARY KEY,
	channel_id TEXT NOT NULL,
	uploaded_file_path TEXT NOT NULL,
	uploaded_file_name TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	thumbnail_path TEXT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_videos_status_created ON videos(status, created_at);`

// NewPostgresRepository opens a pgx pool against dsn and ensures the videos
// table exists.
func NewPostgresRepository(dsn string, opts ...Option) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	repo := &postgresRepository{pool: pool, cfg: cfg, now: cfg.Clock}
	if err := repo.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, postgresSchema)
		return err
	}); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return repo, nil
}

// withConn acquires a pooled connection bounded by the acquire timeout.
func (r *postgresRepository) withConn(ctx context.Context, fn func(context.Context, *pgxpool.Conn) error) error {
	acquireCtx := ctx
	if r.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, r.cfg.AcquireTimeout)
		defer cancel()
	}
	conn, err := r.pool.Acquire(acquireCtx)
	if err != nil {
		return fmt.Errorf("acquire postgres connection: %w", err)
	}
	defer conn.Release()
	return fn(ctx, conn)
}

const postgresVideoColumns = `watch_id, channel_id, uploaded_file_path, uploaded_file_name, status, thumbnail_path, created_at, updated_at`

func (r *postgresRepository) CreateVideo(ctx context.Context, video models.Video) (models.Video, error) {
	video, err := validateNewVideo(video)
	if err != nil {
		return models.Video{}, persistenceError("create", video.WatchID, err)
	}
	now := r.now()
	var stored models.Video
	err = r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		row := conn.QueryRow(ctx, `INSERT INTO videos (`+postgresVideoColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
			RETURNING `+postgresVideoColumns,
			video.WatchID, video.ChannelID, video.UploadedFilePath, video.UploadedFileName,
			string(video.Status), video.ThumbnailPath, now)
		var scanErr error
		stored, scanErr = scanPostgresVideo(row)
		return scanErr
	})
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return models.Video{}, persistenceError("create", video.WatchID, ErrAlreadyExists)
	}
	if err != nil {
		return models.Video{}, persistenceError("create", video.WatchID, err)
	}
	return stored, nil
}

func (r *postgresRepository) GetVideo(ctx context.Context, watchID string) (models.Video, error) {
	var video models.Video
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		row := conn.QueryRow(ctx, `SELECT `+postgresVideoColumns+` FROM videos WHERE watch_id = $1`, watchID)
		var scanErr error
		video, scanErr = scanPostgresVideo(row)
		return scanErr
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Video{}, persistenceError("get", watchID, ErrNotFound)
	}
	if err != nil {
		return models.Video{}, persistenceError("get", watchID, err)
	}
	return video, nil
}

func (r *postgresRepository) UpdateVideo(ctx context.Context, watchID string, update VideoUpdate) (models.Video, error) {
	if err := validateUpdate(update); err != nil {
		return models.Video{}, persistenceError("update", watchID, err)
	}
	sets := []string{"updated_at = $1"}
	args := []any{r.now()}
	if update.Status != nil {
		args = append(args, string(*update.Status))
		sets = append(sets, fmt.Sprintf("status = $%d", len(args)))
	}
	if update.ThumbnailPath != nil {
		args = append(args, *update.ThumbnailPath)
		sets = append(sets, fmt.Sprintf("thumbnail_path = $%d", len(args)))
	}
	args = append(args, watchID)
	query := fmt.Sprintf(`UPDATE videos SET %s WHERE watch_id = $%d RETURNING %s`,
		strings.Join(sets, ", "), len(args), postgresVideoColumns)

	var video models.Video
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		var scanErr error
		video, scanErr = scanPostgresVideo(conn.QueryRow(ctx, query, args...))
		return scanErr
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Video{}, persistenceError("update", watchID, ErrNotFound)
	}
	if err != nil {
		return models.Video{}, persistenceError("update", watchID, err)
	}
	return video, nil
}

func (r *postgresRepository) ListVideosByStatus(ctx context.Context, status models.VideoStatus, limit int) ([]models.Video, error) {
	query := `SELECT ` + postgresVideoColumns + ` FROM videos WHERE status = $1 ORDER BY created_at ASC, watch_id ASC`
	args := []any{string(status)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	videos := make([]models.Video, 0)
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			video, err := scanPostgresVideo(rows)
			if err != nil {
				return err
			}
			videos = append(videos, video)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, persistenceError("list", "", err)
	}
	return videos, nil
}

func (r *postgresRepository) Close() error {
	r.pool.Close()
	return nil
}

func scanPostgresVideo(row pgx.Row) (models.Video, error) {
	var (
		video  models.Video
		status string
	)
	if err := row.Scan(
		&video.WatchID,
		&video.ChannelID,
		&video.UploadedFilePath,
		&video.UploadedFileName,
		&status,
		&video.ThumbnailPath,
		&video.CreatedAt,
		&video.UpdatedAt,
	); err != nil {
		return models.Video{}, err
	}
	video.Status = models.VideoStatus(status)
	video.CreatedAt = video.CreatedAt.UTC()
	video.UpdatedAt = video.UpdatedAt.UTC()
	return video, nil
}
