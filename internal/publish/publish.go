// Package publish ships encoded HLS assets and the original upload to remote
// storage.
package publish

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"

	"vodforge/internal/media"
	"vodforge/internal/models"
	"vodforge/internal/objectstore"
	"vodforge/internal/observability/metrics"
)

// UploadError reports a failed transfer of one local file.
type UploadError struct {
	Path string
	Key  string
	Err  error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s to %s: %v", e.Path, e.Key, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// Upload kinds reported to metrics.
const (
	KindSegment   = "segment"
	KindPlaylist  = "playlist"
	KindSource    = "source"
	KindThumbnail = "thumbnail"
)

type Config struct {
	Uploader objectstore.Uploader
	Metrics  *metrics.Recorder
	Logger   *slog.Logger
}

// Publisher uploads files and removes the local renditions once they are
// stored remotely.
type Publisher struct {
	uploader objectstore.Uploader
	metrics  *metrics.Recorder
	logger   *slog.Logger
}

func New(cfg Config) *Publisher {
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{uploader: cfg.Uploader, metrics: recorder, logger: logger}
}

// RemoteKey builds channelID/watchID/name with name normalised to Unicode NFC.
func RemoteKey(channelID, watchID, name string) string {
	return path.Join(channelID, watchID, norm.NFC.String(name))
}

// Publish uploads every file of out, deleting each local copy right after
// its upload succeeds, and then uploads the original source under its own
// file name. The source file is left in place. Files deleted before a
// failure are not restored.
func (p *Publisher) Publish(ctx context.Context, video models.Video, out media.Output) error {
	files := out.Files()
	for _, local := range files {
		key := RemoteKey(video.ChannelID, video.WatchID, filepath.Base(local))
		if err := p.upload(ctx, local, key, kindOf(local)); err != nil {
			return err
		}
		if err := os.Remove(local); err != nil {
			p.logger.Warn("failed to remove published file", "path", local, "error", err)
		}
	}
	sourceKey := RemoteKey(video.ChannelID, video.WatchID, video.SourceName())
	if err := p.upload(ctx, video.UploadedFilePath, sourceKey, KindSource); err != nil {
		return err
	}
	p.logger.Info("published renditions",
		"watch_id", video.WatchID,
		"channel_id", video.ChannelID,
		"files", len(files)+1,
	)
	return nil
}

func (p *Publisher) upload(ctx context.Context, local, key, kind string) error {
	if p.uploader == nil {
		return &UploadError{Path: local, Key: key, Err: objectstore.ErrNotConfigured}
	}
	file, err := os.Open(local)
	if err != nil {
		return &UploadError{Path: local, Key: key, Err: err}
	}
	defer file.Close()
	ref, err := p.uploader.Upload(ctx, key, ContentType(local), file)
	if err != nil {
		return &UploadError{Path: local, Key: key, Err: err}
	}
	p.metrics.ObserveUpload(kind, ref.Size)
	p.logger.Debug("uploaded file", "key", ref.Key, "kind", kind, "bytes", ref.Size)
	return nil
}

// ContentType picks the MIME type served for name.
func ContentType(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	case ".png":
		return "image/png"
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func kindOf(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".m3u8":
		return KindPlaylist
	case ".ts":
		return KindSegment
	case ".png":
		return KindThumbnail
	default:
		return KindSource
	}
}
