package storage

import (
	"context"
	"io"
	"time"
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ObjectStorage defines the interface for object storage operations
type ObjectStorage interface {
	// Upload uploads an object to storage
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	// Download downloads an object from storage
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// GetURL returns the URL for accessing an object
	GetURL(key string) string

	// Delete deletes an object from storage. Deleting a missing key succeeds.
	Delete(ctx context.Context, key string) error

	// DeleteMany deletes a batch of objects. Missing keys are ignored.
	DeleteMany(ctx context.Context, keys []string) error

	// Exists checks if an object exists
	Exists(ctx context.Context, key string) (bool, error)

	// List enumerates every object whose key starts with prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}
