package objectstore

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const bunnyDefaultHost = "storage.bunnycdn.com"

// bunnyUploader writes to a Bunny.net edge storage zone with its HTTP API.
type bunnyUploader struct {
	cfg        Config
	base       *url.URL
	zone       string
	httpClient *http.Client
}

func newBunnyUploader(cfg Config) (*bunnyUploader, error) {
	zone := strings.Trim(strings.TrimSpace(cfg.Bucket), "/")
	if zone == "" || strings.TrimSpace(cfg.AccessKey) == "" {
		return nil, fmt.Errorf("bunny: storage zone and access key are required: %w", ErrNotConfigured)
	}
	base, err := bunnyBaseURL(cfg)
	if err != nil {
		return nil, err
	}
	return &bunnyUploader{
		cfg:        cfg,
		base:       base,
		zone:       zone,
		httpClient: &http.Client{Timeout: cfg.requestTimeout()},
	}, nil
}

// bunnyBaseURL resolves the storage API host. An explicit endpoint wins,
// otherwise the region selects a regional host such as ny.storage.bunnycdn.com.
func bunnyBaseURL(cfg Config) (*url.URL, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		host := bunnyDefaultHost
		region := strings.ToLower(strings.TrimSpace(cfg.Region))
		if region != "" && region != "de" && region != "falkenstein" {
			host = region + "." + bunnyDefaultHost
		}
		return &url.URL{Scheme: "https", Host: host}, nil
	}
	if !strings.Contains(endpoint, "://") {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		endpoint = scheme + "://" + endpoint
	}
	parsed, err := url.Parse(endpoint)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("bunny: invalid endpoint %q: %w", cfg.Endpoint, ErrNotConfigured)
	}
	return parsed, nil
}

func (c *bunnyUploader) Upload(ctx context.Context, key, contentType string, body io.ReadSeeker) (Reference, error) {
	finalKey := applyPrefix(c.cfg.Prefix, key)
	sum, size, err := hashBody(body)
	if err != nil {
		return Reference{}, err
	}
	target := *c.base
	target.Path = strings.TrimRight(c.base.Path, "/") + "/" + c.zone + "/" + finalKey
	request, err := http.NewRequestWithContext(ctx, http.MethodPut, target.String(), io.NopCloser(body))
	if err != nil {
		return Reference{}, fmt.Errorf("create upload request: %w", err)
	}
	request.ContentLength = size
	request.Header.Set("AccessKey", strings.TrimSpace(c.cfg.AccessKey))
	request.Header.Set("Checksum", strings.ToUpper(hex.EncodeToString(sum)))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	request.Header.Set("Content-Type", contentType)
	response, err := c.httpClient.Do(request)
	if err != nil {
		return Reference{}, fmt.Errorf("upload object %s: %w", finalKey, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, response.Body)
		_ = response.Body.Close()
	}()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return Reference{}, fmt.Errorf("upload object %s: unexpected status %d", finalKey, response.StatusCode)
	}
	return Reference{Key: finalKey, URL: publicURL(c.cfg.PublicEndpoint, finalKey), Size: size}, nil
}
