// Package storage defines the object store used to archive run data.
// Implementations live in sub-packages: gcs for Google Cloud Storage, local
// for a directory on disk, memory for tests.
package storage

import (
	"context"
	"io"
	"strings"
)

// LocalScheme prefixes a bucket setting that points at a local directory.
const LocalScheme = "file://"

// BlobStore uploads objects and returns their URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// IsLocal reports whether bucket names a local directory rather than a
// cloud bucket, returning the directory when it does.
func IsLocal(bucket string) (string, bool) {
	if !strings.HasPrefix(bucket, LocalScheme) {
		return "", false
	}
	return strings.TrimPrefix(bucket, LocalScheme), true
}
