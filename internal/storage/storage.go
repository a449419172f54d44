package storage

import (
	"context"
	"errors"
)

// ErrObjectNotFound is returned by GetBytes/Delete when the key does not exist.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore provides byte-level access to the document bucket. Keys are
// opaque strings chosen by the caller. It is used to fetch input files,
// persist extracted texts, and store generated reports.
type ObjectStore interface {
	// GetBytes reads the full object at key.
	GetBytes(ctx context.Context, key string) ([]byte, error)

	// PutBytes writes data at key with the given content type, overwriting
	// any existing object.
	PutBytes(ctx context.Context, key string, data []byte, contentType string) error

	// Delete removes the object at key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
