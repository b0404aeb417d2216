package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"vodforge/internal/models"
)

// RepositoryFactory constructs a repository for cross-datastore scenario
// assertions.
type RepositoryFactory func(t *testing.T, opts ...Option) (Repository, func(), error)

func runRepository(t *testing.T, factory RepositoryFactory, opts ...Option) Repository {
	t.Helper()
	if factory == nil {
		t.Fatal("repository factory is required")
	}
	repo, cleanup, err := factory(t, opts...)
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	if repo == nil {
		t.Fatal("repository factory returned nil repository")
	}
	if cleanup != nil {
		t.Cleanup(cleanup)
	}
	return repo
}

// steppingClock returns a clock advancing one second per call.
func steppingClock() func() time.Time {
	var mu sync.Mutex
	current := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(time.Second)
		return current
	}
}

func newVideo(watchID string) models.Video {
	return models.Video{
		WatchID:          watchID,
		ChannelID:        "chan-1",
		UploadedFilePath: "/uploads/" + watchID,
		UploadedFileName: watchID + ".mp4",
	}
}

func RunRepositoryVideoLifecycle(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory, WithClock(steppingClock()))
	ctx := context.Background()

	created, err := repo.CreateVideo(ctx, newVideo("w1"))
	if err != nil {
		t.Fatalf("CreateVideo: %v", err)
	}
	if created.Status != models.VideoStatusPending {
		t.Fatalf("expected PENDING default, got %s", created.Status)
	}
	if created.ThumbnailPath != nil {
		t.Fatalf("expected no thumbnail, got %q", *created.ThumbnailPath)
	}

	if _, err := repo.CreateVideo(ctx, newVideo("w1")); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	updated, err := repo.UpdateVideo(ctx, "w1", StatusUpdate(models.VideoStatusDone))
	if err != nil {
		t.Fatalf("UpdateVideo status: %v", err)
	}
	if updated.Status != models.VideoStatusDone || !updated.UpdatedAt.After(created.UpdatedAt) {
		t.Fatalf("unexpected update result %+v", updated)
	}

	withThumb, err := repo.UpdateVideo(ctx, "w1", ThumbnailUpdate("/media/chan-1/w1/thumbnail_1.png"))
	if err != nil {
		t.Fatalf("UpdateVideo thumbnail: %v", err)
	}
	if withThumb.Status != models.VideoStatusDone {
		t.Fatalf("thumbnail update must not touch status, got %s", withThumb.Status)
	}
	if withThumb.ThumbnailPath == nil || *withThumb.ThumbnailPath != "/media/chan-1/w1/thumbnail_1.png" {
		t.Fatalf("unexpected thumbnail %v", withThumb.ThumbnailPath)
	}

	reloaded, err := repo.GetVideo(ctx, "w1")
	if err != nil {
		t.Fatalf("GetVideo: %v", err)
	}
	if reloaded.UploadedFileName != "w1.mp4" || reloaded.ChannelID != "chan-1" {
		t.Fatalf("unexpected reload %+v", reloaded)
	}
	if !reloaded.CreatedAt.Equal(created.CreatedAt) {
		t.Fatalf("created_at changed: %v vs %v", reloaded.CreatedAt, created.CreatedAt)
	}
}

func RunRepositoryMissingVideo(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	ctx := context.Background()

	_, err := repo.GetVideo(ctx, "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	var persistErr *PersistenceError
	if !errors.As(err, &persistErr) || persistErr.Op != "get" || persistErr.WatchID != "missing" {
		t.Fatalf("expected PersistenceError for get, got %v", err)
	}
	if _, err := repo.UpdateVideo(ctx, "missing", StatusUpdate(models.VideoStatusError)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on update, got %v", err)
	}
}

func RunRepositoryRejectsInvalidInput(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	ctx := context.Background()

	invalid := []models.Video{
		{ChannelID: "c", UploadedFilePath: "/x"},
		{WatchID: "w", UploadedFilePath: "/x"},
		{WatchID: "w", ChannelID: "c"},
		{WatchID: "w", ChannelID: "c", UploadedFilePath: "/x", Status: "QUEUED"},
	}
	for _, video := range invalid {
		if _, err := repo.CreateVideo(ctx, video); err == nil {
			t.Fatalf("expected validation error for %+v", video)
		}
	}
	if _, err := repo.CreateVideo(ctx, newVideo("w")); err != nil {
		t.Fatalf("CreateVideo: %v", err)
	}
	bogus := models.VideoStatus("RUNNING")
	if _, err := repo.UpdateVideo(ctx, "w", VideoUpdate{Status: &bogus}); err == nil {
		t.Fatalf("expected invalid status to be rejected")
	}
}

func RunRepositoryListByStatus(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory, WithClock(steppingClock()))
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d"} {
		if _, err := repo.CreateVideo(ctx, newVideo(id)); err != nil {
			t.Fatalf("CreateVideo %s: %v", id, err)
		}
	}
	if _, err := repo.UpdateVideo(ctx, "b", StatusUpdate(models.VideoStatusDone)); err != nil {
		t.Fatalf("UpdateVideo: %v", err)
	}

	pending, err := repo.ListVideosByStatus(ctx, models.VideoStatusPending, 0)
	if err != nil {
		t.Fatalf("ListVideosByStatus: %v", err)
	}
	if len(pending) != 3 || pending[0].WatchID != "a" || pending[1].WatchID != "c" || pending[2].WatchID != "d" {
		t.Fatalf("unexpected pending list %+v", pending)
	}

	limited, err := repo.ListVideosByStatus(ctx, models.VideoStatusPending, 2)
	if err != nil {
		t.Fatalf("ListVideosByStatus limited: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected 2 videos, got %d", len(limited))
	}

	errored, err := repo.ListVideosByStatus(ctx, models.VideoStatusError, 0)
	if err != nil {
		t.Fatalf("ListVideosByStatus error: %v", err)
	}
	if len(errored) != 0 {
		t.Fatalf("expected no errored videos, got %d", len(errored))
	}
}

func runRepositoryScenarios(t *testing.T, factory RepositoryFactory) {
	t.Run("Lifecycle", func(t *testing.T) { RunRepositoryVideoLifecycle(t, factory) })
	t.Run("Missing", func(t *testing.T) { RunRepositoryMissingVideo(t, factory) })
	t.Run("Invalid", func(t *testing.T) { RunRepositoryRejectsInvalidInput(t, factory) })
	t.Run("ListByStatus", func(t *testing.T) { RunRepositoryListByStatus(t, factory) })
}
