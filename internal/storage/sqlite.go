package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"vodforge/internal/models"
)

const defaultSQLiteBusyTimeout = 5 * time.Second

// SQLiteConfig describes a single-file SQLite repository.
type SQLiteConfig struct {
	DSN         string
	BusyTimeout time.Duration
	Clock       func() time.Time
}

type sqliteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRepository opens (or creates) the database at dsn. Accepted forms
// are sqlite:./data.db, sqlite3:./data.db, file:./data.db and a plain path.
func NewSQLiteRepository(dsn string, opts ...Option) (Repository, error) {
	cfg := SQLiteConfig{
		DSN:         dsn,
		BusyTimeout: defaultSQLiteBusyTimeout,
		Clock:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applySQLite(&cfg)
		}
	}

	db, err := sql.Open("sqlite", normalizeSQLiteDSN(cfg.DSN, cfg.BusyTimeout))
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// One writer connection keeps WAL mode free of lock contention.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := configureSQLitePragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := ensureSQLiteSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteRepository{db: db, now: cfg.Clock}, nil
}

func normalizeSQLiteDSN(raw string, busyTimeout time.Duration) string {
	dsn := strings.TrimSpace(raw)
	if idx := strings.Index(dsn, ":"); idx != -1 {
		prefix := dsn[:idx]
		if prefix == "sqlite3" || prefix == "sqlite" {
			dsn = strings.TrimSpace(dsn[idx+1:])
		}
	}
	if dsn == "" {
		dsn = "./vodforge.db"
	}
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + filepath.Clean(dsn)
	}
	if !strings.Contains(dsn, "?") {
		dsn += fmt.Sprintf("?_pragma=busy_timeout(%d)", busyTimeout.Milliseconds())
	}
	return dsn
}

func configureSQLitePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("configure sqlite pragma (%s): %w", pragma, err)
		}
	}
	return nil
}

func ensureSQLiteSchema(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS videos (
			watch_id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL,
			uploaded_file_path TEXT NOT NULL,
			uploaded_file_name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			thumbnail_path TEXT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_videos_status_created ON videos(status, created_at);`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

const sqliteVideoColumns = `watch_id, channel_id, uploaded_file_path, uploaded_file_name, status, thumbnail_path, created_at, updated_at`

func (r *sqliteRepository) CreateVideo(ctx context.Context, video models.Video) (models.Video, error) {
	video, err := validateNewVideo(video)
	if err != nil {
		return models.Video{}, persistenceError("create", video.WatchID, err)
	}
	now := r.now()
	video.CreatedAt = now
	video.UpdatedAt = now
	result, err := r.db.ExecContext(ctx, `INSERT INTO videos (`+sqliteVideoColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(watch_id) DO NOTHING`,
		video.WatchID, video.ChannelID, video.UploadedFilePath, video.UploadedFileName,
		string(video.Status), nullString(video.ThumbnailPath), video.CreatedAt, video.UpdatedAt)
	if err != nil {
		return models.Video{}, persistenceError("create", video.WatchID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return models.Video{}, persistenceError("create", video.WatchID, err)
	}
	if affected == 0 {
		return models.Video{}, persistenceError("create", video.WatchID, ErrAlreadyExists)
	}
	return r.GetVideo(ctx, video.WatchID)
}

func (r *sqliteRepository) GetVideo(ctx context.Context, watchID string) (models.Video, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sqliteVideoColumns+` FROM videos WHERE watch_id = ?`, watchID)
	video, err := scanVideo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Video{}, persistenceError("get", watchID, ErrNotFound)
	}
	if err != nil {
		return models.Video{}, persistenceError("get", watchID, err)
	}
	return video, nil
}

func (r *sqliteRepository) UpdateVideo(ctx context.Context, watchID string, update VideoUpdate) (models.Video, error) {
	if err := validateUpdate(update); err != nil {
		return models.Video{}, persistenceError("update", watchID, err)
	}
	sets := []string{"updated_at = ?"}
	args := []any{r.now()}
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.ThumbnailPath != nil {
		sets = append(sets, "thumbnail_path = ?")
		args = append(args, *update.ThumbnailPath)
	}
	args = append(args, watchID)
	result, err := r.db.ExecContext(ctx, `UPDATE videos SET `+strings.Join(sets, ", ")+` WHERE watch_id = ?`, args...)
	if err != nil {
		return models.Video{}, persistenceError("update", watchID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return models.Video{}, persistenceError("update", watchID, err)
	}
	if affected == 0 {
		return models.Video{}, persistenceError("update", watchID, ErrNotFound)
	}
	return r.GetVideo(ctx, watchID)
}

func (r *sqliteRepository) ListVideosByStatus(ctx context.Context, status models.VideoStatus, limit int) ([]models.Video, error) {
	query := `SELECT ` + sqliteVideoColumns + ` FROM videos WHERE status = ? ORDER BY created_at ASC, watch_id ASC`
	args := []any{string(status)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistenceError("list", "", err)
	}
	defer rows.Close()

	videos := make([]models.Video, 0)
	for rows.Next() {
		video, err := scanVideo(rows)
		if err != nil {
			return nil, persistenceError("list", "", err)
		}
		videos = append(videos, video)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceError("list", "", err)
	}
	return videos, nil
}

func (r *sqliteRepository) Close() error {
	return r.db.Close()
}

func scanVideo(scanner interface {
	Scan(dest ...any) error
}) (models.Video, error) {
	var (
		video     models.Video
		status    string
		thumbnail sql.NullString
	)
	if err := scanner.Scan(
		&video.WatchID,
		&video.ChannelID,
		&video.UploadedFilePath,
		&video.UploadedFileName,
		&status,
		&thumbnail,
		&video.CreatedAt,
		&video.UpdatedAt,
	); err != nil {
		return models.Video{}, err
	}
	video.Status = models.VideoStatus(status)
	if thumbnail.Valid {
		value := thumbnail.String
		video.ThumbnailPath = &value
	}
	video.CreatedAt = video.CreatedAt.UTC()
	video.UpdatedAt = video.UpdatedAt.UTC()
	return video, nil
}

func nullString(value *string) sql.NullString {
	if value == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *value, Valid: true}
}
