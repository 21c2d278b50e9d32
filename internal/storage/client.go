package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"tarharvest/internal/transport"

	"go.uber.org/zap"
)

// Source defines where item archives are fetched from
type Source interface {
	// Open returns a stream of the archive for itemID
	Open(ctx context.Context, itemID string) (Object, error)
	// Locate returns a human-readable location of the archive for itemID
	Locate(itemID string) string
}

// Object is an open archive stream
type Object interface {
	io.ReadCloser
	Stat() (ObjectInfo, error)
}

// ObjectInfo contains archive metadata. Size is -1 when unknown.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
	ContentType  string
}

// Config contains object storage configuration
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Secure    bool
	// Region skips bucket location lookups when set
	Region string
}

// NewSource picks the source implementation from the base URL scheme.
// s3://bucket/prefix reads from object storage; http(s) URLs go through the retrying client.
func NewSource(baseURL string, s3 Config, client *transport.Client, logger *zap.Logger) (Source, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}

	switch u.Scheme {
	case "http", "https":
		return NewHTTPSource(baseURL, client), nil
	case "s3":
		bucket, prefix, err := ParseS3URL(baseURL)
		if err != nil {
			return nil, err
		}
		return NewMinIOSource(s3, bucket, prefix, logger)
	default:
		return nil, fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}
}

// ParseS3URL splits s3://bucket/prefix into bucket and prefix
func ParseS3URL(raw string) (string, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("invalid s3 url: %w", err)
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("invalid s3 url %q: expected s3://bucket/prefix", raw)
	}
	return u.Host, strings.Trim(u.Path, "/"), nil
}

// archiveKey joins prefix and the archive file name for itemID
func archiveKey(prefix, itemID string) string {
	name := itemID + ".tar"
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}
