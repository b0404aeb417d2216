package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// MediaStore keeps per-video working files under
// <root>/<channelID>/<watchID>.
type MediaStore interface {
	// Dir returns the working directory of a video without creating it.
	Dir(channelID, watchID string) string
	// Save writes body as name inside the video's directory and returns the
	// stored path. An existing file is never overwritten; a fresh name is
	// chosen instead.
	Save(ctx context.Context, channelID, watchID, name string, body io.Reader) (string, error)
}

type filesystemMediaStore struct {
	root string
}

// NewFilesystemMediaStore roots a MediaStore at root, creating it if needed.
func NewFilesystemMediaStore(root string) (MediaStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("media root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve media root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create media root: %w", err)
	}
	return &filesystemMediaStore{root: abs}, nil
}

func (s *filesystemMediaStore) Dir(channelID, watchID string) string {
	return filepath.Join(s.root, safeSegment(channelID), safeSegment(watchID))
}

func (s *filesystemMediaStore) Save(ctx context.Context, channelID, watchID, name string, body io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name = safeSegment(name)
	if name == "" {
		return "", errors.New("file name is required")
	}
	dir := s.Dir(channelID, watchID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create media directory: %w", err)
	}
	file, err := os.OpenFile(filepath.Join(dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, os.ErrExist) {
		ext := filepath.Ext(name)
		fresh := strings.TrimSuffix(name, ext) + "_" + uuid.NewString()[:8] + ext
		file, err = os.OpenFile(filepath.Join(dir, fresh), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	}
	if err != nil {
		return "", fmt.Errorf("create media file: %w", err)
	}
	if _, err := io.Copy(file, body); err != nil {
		_ = file.Close()
		_ = os.Remove(file.Name())
		return "", fmt.Errorf("write media file: %w", err)
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("close media file: %w", err)
	}
	return file.Name(), nil
}

// safeSegment reduces value to a single path element.
func safeSegment(value string) string {
	value = strings.TrimSpace(strings.ReplaceAll(value, "\\", "/"))
	value = filepath.Base(filepath.FromSlash(value))
	if value == "." || value == ".." || value == string(filepath.Separator) {
		return ""
	}
	return value
}
