package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"vodforge/internal/models"
)

type memoryRepository struct {
	mu     sync.RWMutex
	videos map[string]models.Video
	now    func() time.Time
}

// NewMemoryRepository returns a process-local repository.
func NewMemoryRepository(opts ...Option) Repository {
	repo := &memoryRepository{
		videos: make(map[string]models.Video),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyMemory(repo)
		}
	}
	return repo
}

func (r *memoryRepository) CreateVideo(ctx context.Context, video models.Video) (models.Video, error) {
	video, err := validateNewVideo(video)
	if err != nil {
		return models.Video{}, persistenceError("create", video.WatchID, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.videos[video.WatchID]; exists {
		return models.Video{}, persistenceError("create", video.WatchID, ErrAlreadyExists)
	}
	now := r.now()
	video.CreatedAt = now
	video.UpdatedAt = now
	video.ThumbnailPath = cloneString(video.ThumbnailPath)
	r.videos[video.WatchID] = video
	return cloneVideo(video), nil
}

func (r *memoryRepository) GetVideo(ctx context.Context, watchID string) (models.Video, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	video, ok := r.videos[watchID]
	if !ok {
		return models.Video{}, persistenceError("get", watchID, ErrNotFound)
	}
	return cloneVideo(video), nil
}

func (r *memoryRepository) UpdateVideo(ctx context.Context, watchID string, update VideoUpdate) (models.Video, error) {
	if err := validateUpdate(update); err != nil {
		return models.Video{}, persistenceError("update", watchID, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	video, ok := r.videos[watchID]
	if !ok {
		return models.Video{}, persistenceError("update", watchID, ErrNotFound)
	}
	if update.Status != nil {
		video.Status = *update.Status
	}
	if update.ThumbnailPath != nil {
		video.ThumbnailPath = cloneString(update.ThumbnailPath)
	}
	video.UpdatedAt = r.now()
	r.videos[watchID] = video
	return cloneVideo(video), nil
}

func (r *memoryRepository) ListVideosByStatus(ctx context.Context, status models.VideoStatus, limit int) ([]models.Video, error) {
	r.mu.RLock()
	matches := make([]models.Video, 0)
	for _, video := range r.videos {
		if video.Status == status {
			matches = append(matches, cloneVideo(video))
		}
	}
	r.mu.RUnlock()
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].WatchID < matches[j].WatchID
		}
		return matches[i].CreatedAt.Before(matches[j].CreatedAt)
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (r *memoryRepository) Close() error {
	return nil
}

func cloneVideo(video models.Video) models.Video {
	video.ThumbnailPath = cloneString(video.ThumbnailPath)
	return video
}

func cloneString(value *string) *string {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}
