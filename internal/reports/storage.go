package reports

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"membership-bulk-upload/internal/config"
)

// ErrNotFound is returned when a report object does not exist.
var ErrNotFound = errors.New("report not found")

// KeyPrefix namespaces report objects in every backend.
const KeyPrefix = "reports/"

// Object describes a stored report artifact.
type Object struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// Storage persists report artifacts by key.
type Storage interface {
	Put(ctx context.Context, key string, body []byte) error
	Open(ctx context.Context, key string) (io.ReadCloser, int64, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]Object, error)
}

// KeyFor returns the storage key of a job's report.
func KeyFor(jobID string) string {
	return KeyPrefix + jobID + ".xlsx"
}

// NewStorage picks the backend named by cfg.ReportBackend.
func NewStorage(ctx context.Context, cfg config.Config) (Storage, error) {
	switch strings.ToLower(cfg.ReportBackend) {
	case "", "local":
		return NewLocalStorage(cfg.ReportDir)
	case "s3":
		return NewS3Storage(ctx, cfg)
	case "minio":
		return NewMinioStorage(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown report backend %q", cfg.ReportBackend)
	}
}

func cleanKey(key string) (string, error) {
	cleaned := path.Clean("/" + key)[1:]
	if cleaned == "" || cleaned != strings.TrimPrefix(key, "/") || strings.HasPrefix(cleaned, "..") {
		return "", fmt.Errorf("invalid report key %q", key)
	}
	return cleaned, nil
}
