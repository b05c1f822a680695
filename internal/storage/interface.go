package storage

import (
	"context"
	"io"
	"path"
	"strings"
)

// ObjectStorage stores archived result payloads.
type ObjectStorage interface {
	// Upload writes an object under key, replacing any existing object.
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	// Download opens an object for reading. The caller closes it.
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// GetURL returns the URL for accessing an object
	GetURL(key string) string

	Delete(ctx context.Context, key string) error

	Exists(ctx context.Context, key string) (bool, error)
}

// ResultKey returns the archive key of a run's raw result payload.
func ResultKey(prefix, runID, jobID string) string {
	clean := strings.NewReplacer("/", "_", "\\", "_", "..", "_")
	return path.Join(prefix, clean.Replace(runID), clean.Replace(jobID)+".csv")
}
