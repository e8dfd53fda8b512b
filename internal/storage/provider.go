// Package storage defines the blob store used by the archive sink. The
// gcs, local and memory subpackages implement it.
package storage

import (
	"context"
	"io"
)

// BlobStore writes one object and returns its URI.
type BlobStore interface {
	PutObject(ctx context.Context, path, contentType string, r io.Reader) (string, error)
}
