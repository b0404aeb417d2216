// Package objectstore uploads published renditions and sources to remote
// storage backends.
package objectstore

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

const defaultRequestTimeout = 5 * time.Minute

// Supported driver names.
const (
	DriverS3         = "s3"
	DriverBunny      = "bunny"
	DriverFilesystem = "filesystem"
)

// ErrNotConfigured is returned by New when the selected driver is missing
// required settings.
var ErrNotConfigured = errors.New("object storage is not configured")

// Config selects and configures an Uploader. Bucket doubles as the storage
// zone name for the bunny driver and Root is only used by the filesystem
// driver.
type Config struct {
	Driver         string
	Endpoint       string
	Region         string
	AccessKey      string
	SecretKey      string
	Bucket         string
	UseSSL         bool
	Prefix         string
	PublicEndpoint string
	Root           string
	RequestTimeout time.Duration
}

func (cfg Config) requestTimeout() time.Duration {
	if cfg.RequestTimeout <= 0 {
		return defaultRequestTimeout
	}
	return cfg.RequestTimeout
}

// Reference identifies an uploaded object.
type Reference struct {
	Key  string
	URL  string
	Size int64
}

// Uploader stores one object under key. The body is read at most twice: once
// to compute its checksum and once to transmit it.
type Uploader interface {
	Upload(ctx context.Context, key, contentType string, body io.ReadSeeker) (Reference, error)
}

// New builds the Uploader named by cfg.Driver.
func New(cfg Config) (Uploader, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case DriverS3, "":
		return newS3Uploader(cfg)
	case DriverBunny:
		return newBunnyUploader(cfg)
	case DriverFilesystem:
		return newFilesystemUploader(cfg)
	default:
		return nil, fmt.Errorf("unknown object storage driver %q", cfg.Driver)
	}
}

func applyPrefix(prefix, key string) string {
	trimmed := strings.TrimLeft(strings.TrimSpace(key), "/")
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return trimmed
	}
	if trimmed == "" {
		return prefix
	}
	if trimmed == prefix || strings.HasPrefix(trimmed, prefix+"/") {
		return trimmed
	}
	return prefix + "/" + trimmed
}

func publicURL(base, key string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return ""
	}
	trimmedBase := strings.TrimRight(base, "/")
	trimmedKey := strings.TrimLeft(key, "/")
	if trimmedKey == "" {
		return trimmedBase
	}
	return trimmedBase + "/" + trimmedKey
}

// hashBody streams body through SHA-256, rewinds it and returns the digest
// with the body length.
func hashBody(body io.ReadSeeker) ([]byte, int64, error) {
	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return nil, 0, fmt.Errorf("rewind body: %w", err)
	}
	hash := sha256.New()
	size, err := io.Copy(hash, body)
	if err != nil {
		return nil, 0, fmt.Errorf("hash body: %w", err)
	}
	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return nil, 0, fmt.Errorf("rewind body: %w", err)
	}
	return hash.Sum(nil), size, nil
}
