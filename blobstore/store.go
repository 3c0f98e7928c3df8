// Package blobstore abstracts where snapshot blobs live: memory, local disk,
// or S3-compatible object storage.
package blobstore

import (
	"context"
	"io"
	"os"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations should return an error that satisfies
// `errors.Is(err, ErrNotFound)`. The default maps to `os.ErrNotExist`.
var ErrNotFound = os.ErrNotExist

// BlobStore is an abstraction for reading and writing snapshot blobs.
type BlobStore interface {
	// Open opens an existing blob for reading.
	Open(ctx context.Context, name string) (Blob, error)

	// Create creates a new blob for streaming writes. The blob becomes
	// visible once Close returns.
	Create(ctx context.Context, name string) (WritableBlob, error)

	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error

	// List returns all blob names with the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Blob is a read-only handle to a snapshot blob.
type Blob interface {
	io.ReadCloser

	// Size returns the size of the blob in bytes.
	Size() int64
}

// WritableBlob is a write handle to a snapshot blob being created.
// Exactly one of Close (publish) or Abort (discard) finishes the write.
type WritableBlob interface {
	io.WriteCloser

	// Sync flushes buffered data to durable storage where applicable.
	Sync() error

	// Abort discards the write without publishing. A previously published
	// blob of the same name stays untouched. Abort after Close is a no-op.
	Abort() error
}
