package blobstore

import (
	"context"
	"errors"
	"io"
)

// ErrNotExist indicates a key absent from the store.
var ErrNotExist = errors.New("blobstore: key does not exist")

// Store is a minimal object store: flat keys, whole-object reads and
// writes. Implementations must be safe for concurrent use.
type Store interface {
	// Put uploads the object under key. size is the exact length of r;
	// backends that require a known content length rely on it.
	Put(ctx context.Context, key string, r io.Reader, size int64) error

	// Get opens the object for reading. The caller closes the returned
	// reader. Absent keys yield ErrNotExist.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the object. Deleting an absent key is not an
	// error.
	Delete(ctx context.Context, key string) error

	// List returns all keys with the given prefix in ascending order.
	List(ctx context.Context, prefix string) ([]string, error)
}
