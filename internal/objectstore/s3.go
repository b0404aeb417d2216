package objectstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const defaultS3Region = "us-east-1"

// s3Uploader writes objects to any S3 compatible endpoint using path style
// addressing. Requests are unsigned when no credentials are configured.
type s3Uploader struct {
	client *s3.Client
	bucket string
	prefix string
	public string
}

func newS3Uploader(cfg Config) (*s3Uploader, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	endpoint, err := s3Endpoint(cfg.Endpoint, cfg.UseSSL)
	if bucket == "" || err != nil {
		return nil, fmt.Errorf("s3: bucket and a valid endpoint are required: %w", ErrNotConfigured)
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = defaultS3Region
	}
	var creds aws.CredentialsProvider = aws.AnonymousCredentials{}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		creds = aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""))
	}
	client := s3.New(s3.Options{
		Region:                     region,
		BaseEndpoint:               aws.String(endpoint),
		UsePathStyle:               true,
		Credentials:                creds,
		HTTPClient:                 &http.Client{Timeout: cfg.requestTimeout()},
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
		ResponseChecksumValidation: aws.ResponseChecksumValidationWhenRequired,
	})
	return &s3Uploader{client: client, bucket: bucket, prefix: cfg.Prefix, public: cfg.PublicEndpoint}, nil
}

// s3Endpoint accepts either a bare host[:port] or a full URL. UseSSL picks
// the scheme for bare hosts.
func s3Endpoint(raw string, useSSL bool) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrNotConfigured
	}
	if !strings.Contains(raw, "://") {
		scheme := "http"
		if useSSL {
			scheme = "https"
		}
		raw = scheme + "://" + raw
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return "", fmt.Errorf("invalid endpoint %q", raw)
	}
	return strings.TrimRight(parsed.String(), "/"), nil
}

func (c *s3Uploader) Upload(ctx context.Context, key, contentType string, body io.ReadSeeker) (Reference, error) {
	finalKey := applyPrefix(c.prefix, key)
	size, err := body.Seek(0, io.SeekEnd)
	if err != nil {
		return Reference{}, fmt.Errorf("measure body: %w", err)
	}
	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return Reference{}, fmt.Errorf("rewind body: %w", err)
	}
	input := &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(finalKey),
		Body:          body,
		ContentLength: aws.Int64(size),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := c.client.PutObject(ctx, input); err != nil {
		return Reference{}, fmt.Errorf("upload object %s: %w", finalKey, err)
	}
	return Reference{Key: finalKey, URL: publicURL(c.public, finalKey), Size: size}, nil
}
