package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"vodforge/internal/media"
	"vodforge/internal/models"
	"vodforge/internal/observability/metrics"
	"vodforge/internal/storage"
)

// FrameExtractor writes one frame of a source file.
type FrameExtractor interface {
	ExtractFrame(ctx context.Context, source string, timestamp int, size media.FrameSize, output string) (string, error)
}

// ThumbnailSelector stores full size thumbnails for the timestamps a user
// was offered and records the chosen one on the video.
type ThumbnailSelector struct {
	repo      storage.Repository
	media     storage.MediaStore
	extractor FrameExtractor
	metrics   *metrics.Recorder
	logger    *slog.Logger
}

func NewThumbnailSelector(repo storage.Repository, store storage.MediaStore, extractor FrameExtractor, recorder *metrics.Recorder, logger *slog.Logger) *ThumbnailSelector {
	if recorder == nil {
		recorder = metrics.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ThumbnailSelector{repo: repo, media: store, extractor: extractor, metrics: recorder, logger: logger}
}

// MaterializeSelected extracts a FullSize frame for each of the three
// timestamps and saves it as thumbnail_<index>.png. The frame whose
// timestamp equals selected (surrounding whitespace ignored) becomes the
// video's thumbnail; when none matches the thumbnail is left unchanged. All
// frames are stored either way.
func (s *ThumbnailSelector) MaterializeSelected(ctx context.Context, video models.Video, timestamps []int, selected string) (models.Video, []string, error) {
	if len(timestamps) != media.CandidateCount {
		return video, nil, fmt.Errorf("expected %d timestamps, got %d", media.CandidateCount, len(timestamps))
	}
	if s.repo == nil || s.media == nil || s.extractor == nil {
		return video, nil, errors.New("thumbnail selector is not configured")
	}
	selected = strings.TrimSpace(selected)
	paths := make([]string, 0, len(timestamps))
	var chosen string
	for i, timestamp := range timestamps {
		stored, err := s.materialize(ctx, video, i, timestamp)
		if err != nil {
			return video, paths, err
		}
		paths = append(paths, stored)
		if chosen == "" && strconv.Itoa(timestamp) == selected {
			chosen = stored
		}
	}
	s.metrics.ObserveThumbnails("selected", len(paths))
	if chosen == "" {
		s.logger.Info("no thumbnail matched selection", "watch_id", video.WatchID, "selected", selected)
		return video, paths, nil
	}
	updated, err := s.repo.UpdateVideo(ctx, video.WatchID, storage.ThumbnailUpdate(chosen))
	if err != nil {
		return video, paths, err
	}
	s.logger.Info("thumbnail selected", "watch_id", video.WatchID, "path", chosen)
	return updated, paths, nil
}

func (s *ThumbnailSelector) materialize(ctx context.Context, video models.Video, index, timestamp int) (string, error) {
	frame, err := s.extractor.ExtractFrame(ctx, video.UploadedFilePath, timestamp, media.FullSize, "")
	if err != nil {
		return "", err
	}
	defer os.Remove(frame)
	file, err := os.Open(frame)
	if err != nil {
		return "", fmt.Errorf("open frame: %w", err)
	}
	defer file.Close()
	return s.media.Save(ctx, video.ChannelID, video.WatchID, fmt.Sprintf("thumbnail_%d.png", index), file)
}
