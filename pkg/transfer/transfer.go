// Package transfer moves result artifacts between local disk, hot object
// storage and the cold archive.
//
// Every destination write is a whole-object overwrite, so repeating a
// transfer after a partial failure converges on the same end state.
package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/3leaps/annoflow/pkg/coldstore"
	"github.com/3leaps/annoflow/pkg/provider"
)

// UploadFile writes the local file at path to key.
func UploadFile(ctx context.Context, dst provider.ObjectPutter, path, key string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if err := dst.PutObject(ctx, key, f, info.Size()); err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// DownloadFile writes the object at key to path, replacing any existing file.
//
// The file is written to a temp sibling and renamed into place, so path is
// either absent or complete.
func DownloadFile(ctx context.Context, src provider.ObjectGetter, key, path string) (int64, error) {
	body, size, err := src.GetObject(ctx, key)
	if err != nil {
		return 0, err
	}
	defer func() { _ = body.Close() }()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("create download dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	n, copyErr := io.Copy(tmp, body)
	closeErr := tmp.Close()
	if copyErr == nil && size >= 0 && n != size {
		copyErr = &SizeMismatchError{Key: key, Expected: size, Got: n}
	}
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(tmpName)
		if copyErr != nil {
			return 0, copyErr
		}
		return 0, closeErr
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("rename download: %w", err)
	}
	return n, nil
}

// ArchiveObject uploads the hot object at key into the vault and returns the
// archive handle. The hot object is left in place.
func ArchiveObject(ctx context.Context, src provider.ObjectGetter, key string, vault coldstore.Vault, description string, retryBufferMaxMemoryBytes int64) (string, error) {
	body, size, err := src.GetObject(ctx, key)
	if err != nil {
		return "", err
	}
	sp, err := newSpool(body, size, retryBufferMaxMemoryBytes)
	if err != nil {
		return "", fmt.Errorf("buffer %s: %w", key, err)
	}
	defer func() { _ = sp.Close() }()

	return vault.Upload(ctx, sp.r, sp.size, description)
}

// RestoreObject writes the output of a completed retrieval to key and
// returns the number of bytes written.
func RestoreObject(ctx context.Context, vault coldstore.Vault, retrievalID string, dst provider.ObjectPutter, key string, retryBufferMaxMemoryBytes int64) (int64, error) {
	body, size, err := vault.RetrievalOutput(ctx, retrievalID)
	if err != nil {
		return 0, err
	}
	sp, err := newSpool(body, size, retryBufferMaxMemoryBytes)
	if err != nil {
		return 0, fmt.Errorf("buffer retrieval %s: %w", retrievalID, err)
	}
	defer func() { _ = sp.Close() }()

	if err := dst.PutObject(ctx, key, sp.r, sp.size); err != nil {
		return 0, err
	}
	return sp.size, nil
}
