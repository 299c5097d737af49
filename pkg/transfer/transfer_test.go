package transfer

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/annoflow/pkg/coldstore"
	"github.com/3leaps/annoflow/pkg/coldstore/memvault"
	"github.com/3leaps/annoflow/pkg/provider/file"
)

func newFileStore(t *testing.T, bucket string) *file.Provider {
	t.Helper()
	p, err := file.New(file.Config{Root: t.TempDir(), Bucket: bucket})
	require.NoError(t, err)
	return p
}

func readAll(t *testing.T, p *file.Provider, key string) string {
	t.Helper()
	body, _, err := p.GetObject(context.Background(), key)
	require.NoError(t, err)
	defer func() { _ = body.Close() }()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	return string(data)
}

type closeTracker struct {
	io.Reader
	closed bool
}

func (c *closeTracker) Close() error {
	c.closed = true
	return nil
}

func TestSpool(t *testing.T) {
	tests := []struct {
		name     string
		size     int64
		maxMem   int64
		wantFile bool
	}{
		{name: "small body in memory", size: 7, maxMem: 1024},
		{name: "large body on disk", size: 7, maxMem: 4, wantFile: true},
		{name: "unknown size on disk", size: -1, maxMem: 1024, wantFile: true},
		{name: "default limit", size: 7, maxMem: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &closeTracker{Reader: strings.NewReader("payload")}
			sp, err := newSpool(src, tt.size, tt.maxMem)
			require.NoError(t, err)
			assert.True(t, src.closed, "source must be closed")
			assert.Equal(t, int64(7), sp.size)
			assert.Equal(t, tt.wantFile, sp.file != nil)

			for range 2 {
				data, err := io.ReadAll(sp.r)
				require.NoError(t, err)
				assert.Equal(t, "payload", string(data))
				_, err = sp.r.Seek(0, io.SeekStart)
				require.NoError(t, err)
			}

			var name string
			if sp.file != nil {
				name = sp.file.Name()
			}
			require.NoError(t, sp.Close())
			if name != "" {
				_, err := os.Stat(name)
				assert.True(t, os.IsNotExist(err), "spool file must be removed")
			}
		})
	}
}

func TestUploadAndDownloadFile(t *testing.T) {
	ctx := context.Background()
	store := newFileStore(t, "results")
	dir := t.TempDir()
	local := filepath.Join(dir, "job.annot.vcf")
	require.NoError(t, os.WriteFile(local, []byte("annotated"), 0o644))

	n, err := UploadFile(ctx, store, local, "prefix/u/j/job.annot.vcf")
	require.NoError(t, err)
	assert.Equal(t, int64(9), n)

	out := filepath.Join(dir, "nested", "copy.vcf")
	n, err = DownloadFile(ctx, store, "prefix/u/j/job.annot.vcf", out)
	require.NoError(t, err)
	assert.Equal(t, int64(9), n)
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "annotated", string(data))

	entries, err := os.ReadDir(filepath.Dir(out))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must not remain")

	_, err = DownloadFile(ctx, store, "missing", filepath.Join(dir, "missing"))
	assert.Equal(t, ErrCodeNotFound, ErrorCode(err))
}

func TestArchiveAndRestoreObject(t *testing.T) {
	ctx := context.Background()
	hot := newFileStore(t, "results")
	vault := memvault.New()
	payload := bytes.Repeat([]byte("acgt"), 64)
	require.NoError(t, hot.PutObject(ctx, "r/u/j/out.vcf", bytes.NewReader(payload), int64(len(payload))))

	// Small memory limit forces the spool-to-disk path.
	archiveID, err := ArchiveObject(ctx, hot, "r/u/j/out.vcf", vault, "j", 16)
	require.NoError(t, err)
	stored, ok := vault.Archive(archiveID)
	require.True(t, ok)
	assert.Equal(t, payload, stored)

	retrievalID, err := vault.InitiateRetrieval(ctx, coldstore.RetrievalRequest{ArchiveID: archiveID, Tier: coldstore.TierExpedited})
	require.NoError(t, err)

	_, err = RestoreObject(ctx, vault, retrievalID, hot, "r/u/j/restored.vcf", 0)
	assert.ErrorIs(t, err, coldstore.ErrNotReady)

	require.NoError(t, vault.Complete(retrievalID))
	n, err := RestoreObject(ctx, vault, retrievalID, hot, "r/u/j/restored.vcf", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)
	assert.Equal(t, string(payload), readAll(t, hot, "r/u/j/restored.vcf"))
}
