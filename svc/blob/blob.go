package blob

import (
	"context"
	"io"
)

// Store is the blob storage collaborator. Delete failures are expected to
// be caught and logged by callers; metadata operations never fail on them.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}
