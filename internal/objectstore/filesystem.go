package objectstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// filesystemUploader mirrors uploads into a local directory tree. It backs
// development setups and tests that have no remote storage.
type filesystemUploader struct {
	root   string
	prefix string
	public string
}

func newFilesystemUploader(cfg Config) (*filesystemUploader, error) {
	root := strings.TrimSpace(cfg.Root)
	if root == "" {
		return nil, fmt.Errorf("filesystem: root is required: %w", ErrNotConfigured)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("filesystem: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("filesystem: create root: %w", err)
	}
	return &filesystemUploader{root: abs, prefix: cfg.Prefix, public: cfg.PublicEndpoint}, nil
}

func (f *filesystemUploader) Upload(ctx context.Context, key, _ string, body io.ReadSeeker) (Reference, error) {
	if err := ctx.Err(); err != nil {
		return Reference{}, err
	}
	finalKey := applyPrefix(f.prefix, key)
	cleaned := path.Clean("/" + finalKey)
	if cleaned == "/" {
		return Reference{}, fmt.Errorf("upload object: empty key")
	}
	target := filepath.Join(f.root, filepath.FromSlash(strings.TrimPrefix(cleaned, "/")))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return Reference{}, fmt.Errorf("upload object %s: %w", finalKey, err)
	}
	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return Reference{}, fmt.Errorf("rewind body: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return Reference{}, fmt.Errorf("upload object %s: %w", finalKey, err)
	}
	size, copyErr := io.Copy(tmp, body)
	closeErr := tmp.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(tmp.Name())
		if copyErr == nil {
			copyErr = closeErr
		}
		return Reference{}, fmt.Errorf("upload object %s: %w", finalKey, copyErr)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		_ = os.Remove(tmp.Name())
		return Reference{}, fmt.Errorf("upload object %s: %w", finalKey, err)
	}
	return Reference{Key: strings.TrimPrefix(cleaned, "/"), URL: publicURL(f.public, strings.TrimPrefix(cleaned, "/")), Size: size}, nil
}
