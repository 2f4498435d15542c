package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter uploads objects to blob storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobReader fetches objects from blob storage. Get returns ErrNotFound
// when no object exists at the path.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
}

// Archiver moves terminal positions out of the hot store into blob storage.
// Archived records are retained in the primary store; deletion is a
// separate, operator-driven step.
type Archiver interface {
	// ArchivePositions uploads every position that reached a terminal state
	// before the cutoff and returns the number newly archived.
	ArchivePositions(ctx context.Context, before time.Time) (int64, error)
}
