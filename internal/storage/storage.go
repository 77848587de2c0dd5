// Package storage holds finished artifacts: on the local filesystem, in MinIO,
// or in S3.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/mediafetch/mediafetch/internal/config"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("object not found")

// ObjectInfo contains metadata about a stored object.
type ObjectInfo struct {
	Key         string
	Size        int64
	ContentType string
	ETag        string
	ModTime     time.Time
}

// ByteRange is an inclusive byte range within an object.
type ByteRange struct {
	Start int64
	End   int64
}

// Length returns the number of bytes covered by r.
func (r ByteRange) Length() int64 {
	return r.End - r.Start + 1
}

// Store is the artifact storage contract.
type Store interface {
	// Put uploads the file at path under key.
	Put(ctx context.Context, key, path, contentType string) error
	// Open reads the object, or only rng when it is non-nil.
	Open(ctx context.Context, key string, rng *ByteRange) (io.ReadCloser, ObjectInfo, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Name() string
}

// Presigner is implemented by stores that can hand out temporary direct URLs.
type Presigner interface {
	PresignGet(ctx context.Context, key, filename string, ttl time.Duration) (string, error)
}

// New selects the backend named by cfg.StorageBackend.
func New(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.StorageBackend {
	case "", "local":
		return NewLocal(cfg.DownloadDir)
	case "minio":
		c, err := NewMinio(&MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return nil, err
		}
		if err := c.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return c, nil
	case "s3":
		return NewS3(&S3Config{
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
}
