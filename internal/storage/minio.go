package storage

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"tarharvest/internal/transport"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// MinIOSource reads archives from an S3-compatible bucket using minio-go
type MinIOSource struct {
	client *minio.Client
	bucket string
	prefix string
	logger *zap.Logger
}

// NewMinIOSource creates a source reading bucket/prefix/{item_id}.tar
func NewMinIOSource(cfg Config, bucket, prefix string, logger *zap.Logger) (*MinIOSource, error) {
	// Clean and validate endpoint
	endpoint, err := cleanEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, err
	}

	return &MinIOSource{
		client: client,
		bucket: bucket,
		prefix: prefix,
		logger: logger,
	}, nil
}

// cleanEndpoint removes protocol and path from endpoint URL to get host:port format
func cleanEndpoint(endpoint string) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("endpoint cannot be empty")
	}

	// If endpoint doesn't have protocol, it must already be host:port
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if strings.Contains(endpoint, "/") {
			return "", fmt.Errorf("endpoint contains path but no protocol")
		}
		return endpoint, nil
	}

	parsedURL, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("failed to parse endpoint URL: %w", err)
	}

	if parsedURL.Path != "" && parsedURL.Path != "/" {
		return "", fmt.Errorf("endpoint URL cannot have paths, only host:port is allowed (got path: %s)", parsedURL.Path)
	}

	return parsedURL.Host, nil
}

// Locate returns the s3:// location of the archive for itemID
func (s *MinIOSource) Locate(itemID string) string {
	return "s3://" + s.bucket + "/" + archiveKey(s.prefix, itemID)
}

// Open retrieves the archive object. The object is stat'ed up front so a
// missing key fails here rather than on the first read.
func (s *MinIOSource) Open(ctx context.Context, itemID string) (Object, error) {
	key := archiveKey(s.prefix, itemID)

	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}

	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: %s", transport.ErrNotFound, s.Locate(itemID))
		}
		return nil, err
	}

	s.logger.Debug("Opened archive object",
		zap.String("bucket", s.bucket),
		zap.String("key", key),
		zap.Int64("size", info.Size),
	)

	return &minioObject{Object: obj, info: info}, nil
}

// minioObject wraps minio.Object to implement our Object interface
type minioObject struct {
	*minio.Object
	info minio.ObjectInfo
}

func (o *minioObject) Stat() (ObjectInfo, error) {
	return ObjectInfo{
		Key:          o.info.Key,
		Size:         o.info.Size,
		ETag:         o.info.ETag,
		LastModified: o.info.LastModified,
		ContentType:  o.info.ContentType,
	}, nil
}
