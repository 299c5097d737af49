// Package provider defines abstractions for hot object storage.
//
// Providers hold job inputs, annotated results and logs. They implement a
// small core interface plus optional capabilities detected by type
// assertion. Authentication uses SDK default credential chains; providers
// should not implement custom auth logic.
package provider

import (
	"context"
	"io"
	"time"
)

// Provider abstracts a single bucket of object storage. Implementations are
// safe for concurrent use.
type Provider interface {
	// Head returns ErrNotFound if the object does not exist.
	Head(ctx context.Context, key string) (*ObjectMeta, error)
	Close() error
}

// ObjectGetter streams an object. contentLength is -1 when the store does
// not report it.
type ObjectGetter interface {
	GetObject(ctx context.Context, key string) (body io.ReadCloser, contentLength int64, err error)
}

// ObjectPutter writes an object. Writes to the same key are last-writer-wins
// overwrites, which is what lets a thaw or a result upload be repeated.
type ObjectPutter interface {
	PutObject(ctx context.Context, key string, body io.Reader, contentLength int64) error
}

// ObjectDeleter removes an object. Deleting a missing object is not an error.
type ObjectDeleter interface {
	DeleteObject(ctx context.Context, key string) error
}

// ObjectStore is the full read/write surface the job lifecycle needs.
type ObjectStore interface {
	Provider
	ObjectGetter
	ObjectPutter
	ObjectDeleter
}

// ObjectMeta describes a stored object.
type ObjectMeta struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
	ContentType  string
}

// ProviderType identifies a storage provider.
type ProviderType string

const (
	ProviderS3   ProviderType = "s3"
	ProviderFile ProviderType = "file" // local directory tree, for development and tests
)

func (p ProviderType) String() string {
	return string(p)
}

// Exists reports whether key exists. Errors other than ErrNotFound are
// returned as-is.
func Exists(ctx context.Context, p Provider, key string) (bool, error) {
	_, err := p.Head(ctx, key)
	if err == nil {
		return true, nil
	}
	if IsNotFound(err) {
		return false, nil
	}
	return false, err
}
