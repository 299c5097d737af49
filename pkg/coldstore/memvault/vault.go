// Package memvault implements coldstore.Vault in process memory.
//
// Retrievals start InProgress and succeed after a configurable number of
// DescribeRetrieval polls or an explicit Complete call. Errors can be
// injected per operation and per tier for failure-path tests.
package memvault

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/3leaps/annoflow/pkg/coldstore"
)

const vaultName = "memory"

type retrieval struct {
	state coldstore.Retrieval
	polls int
	data  []byte
}

// Vault is an in-memory archive vault.
type Vault struct {
	mu         sync.Mutex
	archives   map[string][]byte
	retrievals map[string]*retrieval
	readyAfter int

	tierErrs   map[coldstore.Tier]error
	opErrs     map[string][]error
	initiated  []coldstore.RetrievalRequest
	deleteHits int
}

var _ coldstore.Vault = (*Vault)(nil)

// Option configures a Vault.
type Option func(*Vault)

// WithReadyAfter makes retrievals succeed on the n-th DescribeRetrieval
// call. Zero means retrievals stay InProgress until Complete is called.
func WithReadyAfter(n int) Option {
	return func(v *Vault) { v.readyAfter = n }
}

// New returns an empty vault.
func New(opts ...Option) *Vault {
	v := &Vault{
		archives:   make(map[string][]byte),
		retrievals: make(map[string]*retrieval),
		tierErrs:   make(map[coldstore.Tier]error),
		opErrs:     make(map[string][]error),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// RejectTier makes every InitiateRetrieval at tier fail with err.
func (v *Vault) RejectTier(tier coldstore.Tier, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tierErrs[tier] = err
}

// FailNext queues err to be returned by the next call of op
// ("Upload", "InitiateRetrieval", "DescribeRetrieval", "RetrievalOutput",
// "DeleteArchive").
func (v *Vault) FailNext(op string, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.opErrs[op] = append(v.opErrs[op], err)
}

func (v *Vault) injected(op string) error {
	errs := v.opErrs[op]
	if len(errs) == 0 {
		return nil
	}
	v.opErrs[op] = errs[1:]
	return errs[0]
}

func (v *Vault) Upload(_ context.Context, body io.ReadSeeker, _ int64, _ string) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", &coldstore.VaultError{Op: "Upload", Vault: vaultName, Err: err}
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.injected("Upload"); err != nil {
		return "", &coldstore.VaultError{Op: "Upload", Vault: vaultName, Err: err}
	}
	id := uuid.NewString()
	v.archives[id] = data
	return id, nil
}

func (v *Vault) InitiateRetrieval(_ context.Context, req coldstore.RetrievalRequest) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.initiated = append(v.initiated, req)

	fail := func(err error) (string, error) {
		return "", &coldstore.VaultError{Op: "InitiateRetrieval", Vault: vaultName, ID: req.ArchiveID, Err: err}
	}
	if err := v.injected("InitiateRetrieval"); err != nil {
		return fail(err)
	}
	if err, ok := v.tierErrs[req.Tier]; ok {
		return fail(err)
	}
	data, ok := v.archives[req.ArchiveID]
	if !ok {
		return fail(coldstore.ErrNotFound)
	}

	id := uuid.NewString()
	v.retrievals[id] = &retrieval{
		state: coldstore.Retrieval{ID: id, ArchiveID: req.ArchiveID, Tier: req.Tier, Status: coldstore.RetrievalInProgress},
		data:  bytes.Clone(data),
	}
	return id, nil
}

func (v *Vault) DescribeRetrieval(_ context.Context, retrievalID string) (*coldstore.Retrieval, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.injected("DescribeRetrieval"); err != nil {
		return nil, &coldstore.VaultError{Op: "DescribeRetrieval", Vault: vaultName, ID: retrievalID, Err: err}
	}
	r, ok := v.retrievals[retrievalID]
	if !ok {
		return nil, &coldstore.VaultError{Op: "DescribeRetrieval", Vault: vaultName, ID: retrievalID, Err: coldstore.ErrNotFound}
	}
	r.polls++
	if r.state.Status == coldstore.RetrievalInProgress && v.readyAfter > 0 && r.polls >= v.readyAfter {
		r.state.Status = coldstore.RetrievalSucceeded
	}
	state := r.state
	return &state, nil
}

func (v *Vault) RetrievalOutput(_ context.Context, retrievalID string) (io.ReadCloser, int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fail := func(err error) (io.ReadCloser, int64, error) {
		return nil, 0, &coldstore.VaultError{Op: "RetrievalOutput", Vault: vaultName, ID: retrievalID, Err: err}
	}
	if err := v.injected("RetrievalOutput"); err != nil {
		return fail(err)
	}
	r, ok := v.retrievals[retrievalID]
	if !ok {
		return fail(coldstore.ErrNotFound)
	}
	if r.state.Status != coldstore.RetrievalSucceeded {
		return fail(coldstore.ErrNotReady)
	}
	return io.NopCloser(bytes.NewReader(r.data)), int64(len(r.data)), nil
}

func (v *Vault) DeleteArchive(_ context.Context, archiveID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.injected("DeleteArchive"); err != nil {
		return &coldstore.VaultError{Op: "DeleteArchive", Vault: vaultName, ID: archiveID, Err: err}
	}
	if _, ok := v.archives[archiveID]; ok {
		v.deleteHits++
	}
	delete(v.archives, archiveID)
	return nil
}

func (v *Vault) Close() error {
	return nil
}

// Complete marks a retrieval as succeeded.
func (v *Vault) Complete(retrievalID string) error {
	return v.setStatus(retrievalID, coldstore.RetrievalSucceeded, "")
}

// Fail marks a retrieval as failed.
func (v *Vault) Fail(retrievalID, message string) error {
	return v.setStatus(retrievalID, coldstore.RetrievalFailed, message)
}

func (v *Vault) setStatus(retrievalID string, status coldstore.RetrievalStatus, message string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	r, ok := v.retrievals[retrievalID]
	if !ok {
		return fmt.Errorf("retrieval %s: %w", retrievalID, coldstore.ErrNotFound)
	}
	r.state.Status = status
	r.state.StatusMessage = message
	return nil
}

// Archive returns the bytes of an archive.
func (v *Vault) Archive(archiveID string) ([]byte, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	data, ok := v.archives[archiveID]
	return bytes.Clone(data), ok
}

// ArchiveCount returns the number of stored archives.
func (v *Vault) ArchiveCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.archives)
}

// Initiated returns every InitiateRetrieval request in call order,
// including rejected ones.
func (v *Vault) Initiated() []coldstore.RetrievalRequest {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]coldstore.RetrievalRequest(nil), v.initiated...)
}

// DeletedCount returns how many existing archives were deleted.
func (v *Vault) DeletedCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.deleteHits
}
