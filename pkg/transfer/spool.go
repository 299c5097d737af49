package transfer

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// DefaultRetryBufferMaxMemoryBytes is the largest body held in memory before
// an upload. Larger or unsized bodies are spooled to a temp file.
const DefaultRetryBufferMaxMemoryBytes int64 = 16 << 20

// spool is a fully-read copy of a source body. Uploads to S3 and the vault
// need a seekable body of known length so the SDK can sign and resend it.
type spool struct {
	r    io.ReadSeeker
	size int64
	file *os.File
}

// newSpool drains and closes src. size is the length the source reported,
// or -1 when unknown.
func newSpool(src io.ReadCloser, size, maxMemoryBytes int64) (*spool, error) {
	defer func() { _ = src.Close() }()
	if maxMemoryBytes <= 0 {
		maxMemoryBytes = DefaultRetryBufferMaxMemoryBytes
	}

	if size >= 0 && size <= maxMemoryBytes {
		data, err := io.ReadAll(src)
		if err != nil {
			return nil, err
		}
		return &spool{r: bytes.NewReader(data), size: int64(len(data))}, nil
	}

	f, err := os.CreateTemp("", "annoflow-spool-*")
	if err != nil {
		return nil, err
	}
	n, err := io.Copy(f, src)
	if err == nil {
		_, err = f.Seek(0, io.SeekStart)
	}
	if err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return nil, err
	}
	return &spool{r: f, size: n, file: f}, nil
}

func (s *spool) Close() error {
	if s.file == nil {
		return nil
	}
	name := s.file.Name()
	if err := s.file.Close(); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("close spool: %w", err)
	}
	if err := os.Remove(name); err != nil {
		return fmt.Errorf("remove spool: %w", err)
	}
	return nil
}
