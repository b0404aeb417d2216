// Package storage persists video records and the media files produced for
// them.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"vodforge/internal/models"
)

var (
	// ErrNotFound reports that no video exists for a watch ID.
	ErrNotFound = errors.New("video not found")
	// ErrAlreadyExists reports a duplicate watch ID on create.
	ErrAlreadyExists = errors.New("video already exists")
)

// PersistenceError wraps a failed repository operation.
type PersistenceError struct {
	Op      string
	WatchID string
	Err     error
}

func (e *PersistenceError) Error() string {
	if e.WatchID == "" {
		return fmt.Sprintf("%s video: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s video %s: %v", e.Op, e.WatchID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func persistenceError(op, watchID string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, WatchID: watchID, Err: err}
}

// VideoUpdate is a partial update. Nil fields are left untouched.
type VideoUpdate struct {
	Status        *models.VideoStatus
	ThumbnailPath *string
}

// StatusUpdate builds a VideoUpdate that only changes the status.
func StatusUpdate(status models.VideoStatus) VideoUpdate {
	return VideoUpdate{Status: &status}
}

// ThumbnailUpdate builds a VideoUpdate that only changes the thumbnail path.
func ThumbnailUpdate(path string) VideoUpdate {
	return VideoUpdate{ThumbnailPath: &path}
}

// Repository is the persistence contract used by the pipeline. Reads always
// return a fresh copy of the stored record.
type Repository interface {
	CreateVideo(ctx context.Context, video models.Video) (models.Video, error)
	GetVideo(ctx context.Context, watchID string) (models.Video, error)
	UpdateVideo(ctx context.Context, watchID string, update VideoUpdate) (models.Video, error)
	// ListVideosByStatus returns videos oldest first. A limit of zero or
	// less returns every match.
	ListVideosByStatus(ctx context.Context, status models.VideoStatus, limit int) ([]models.Video, error)
	Close() error
}

// Supported repository drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open builds the repository named by driver.
func Open(driver, dsn string, opts ...Option) (Repository, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverMemory, "":
		return NewMemoryRepository(opts...), nil
	case DriverSQLite:
		return NewSQLiteRepository(dsn, opts...)
	case DriverPostgres:
		return NewPostgresRepository(dsn, opts...)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}

func validateNewVideo(video models.Video) (models.Video, error) {
	video.WatchID = strings.TrimSpace(video.WatchID)
	video.ChannelID = strings.TrimSpace(video.ChannelID)
	if video.WatchID == "" {
		return video, errors.New("watch id is required")
	}
	if video.ChannelID == "" {
		return video, errors.New("channel id is required")
	}
	if strings.TrimSpace(video.UploadedFilePath) == "" {
		return video, errors.New("uploaded file path is required")
	}
	if video.Status == "" {
		video.Status = models.VideoStatusPending
	}
	if _, ok := models.ParseVideoStatus(string(video.Status)); !ok {
		return video, fmt.Errorf("invalid status %q", video.Status)
	}
	return video, nil
}

func validateUpdate(update VideoUpdate) error {
	if update.Status != nil {
		if _, ok := models.ParseVideoStatus(string(*update.Status)); !ok {
			return fmt.Errorf("invalid status %q", *update.Status)
		}
	}
	return nil
}
