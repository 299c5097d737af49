// Package coldstore defines abstractions for cold archive storage.
//
// Archived results cannot be read directly: a retrieval must be initiated at
// a speed tier, polled until it succeeds, and its staged output fetched
// before the archive can be deleted.
package coldstore

import (
	"context"
	"io"
	"strings"
)

// Vault abstracts one archive vault.
//
// Implementations should be safe for concurrent use.
type Vault interface {
	// Upload stores body as a new archive and returns its handle.
	// body is seekable so the upload can be retried by the SDK.
	Upload(ctx context.Context, body io.ReadSeeker, size int64, description string) (archiveID string, err error)

	// InitiateRetrieval starts staging an archive for reading.
	// Returns ErrTierUnavailable when the provider refuses the requested tier
	// for capacity or policy reasons.
	InitiateRetrieval(ctx context.Context, req RetrievalRequest) (retrievalID string, err error)

	// DescribeRetrieval returns the current state of a retrieval.
	DescribeRetrieval(ctx context.Context, retrievalID string) (*Retrieval, error)

	// RetrievalOutput streams the staged archive of a succeeded retrieval.
	// contentLength is -1 when unknown.
	RetrievalOutput(ctx context.Context, retrievalID string) (body io.ReadCloser, contentLength int64, err error)

	// DeleteArchive removes an archive. Deleting a missing archive is not an
	// error.
	DeleteArchive(ctx context.Context, archiveID string) error

	// Close releases any resources held by the vault.
	Close() error
}

// Tier is a retrieval speed tier.
type Tier string

const (
	TierExpedited Tier = "Expedited"
	TierStandard  Tier = "Standard"
	TierBulk      Tier = "Bulk"
)

// String returns the string representation of the tier.
func (t Tier) String() string {
	return string(t)
}

// ParseTier parses a tier name case-insensitively.
func ParseTier(v string) (Tier, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "expedited":
		return TierExpedited, true
	case "standard":
		return TierStandard, true
	case "bulk":
		return TierBulk, true
	}
	return "", false
}

// RetrievalRequest describes an archive retrieval to initiate.
type RetrievalRequest struct {
	ArchiveID   string
	Tier        Tier
	Description string
}

// RetrievalStatus is the provider-reported state of a retrieval.
type RetrievalStatus string

const (
	RetrievalInProgress RetrievalStatus = "InProgress"
	RetrievalSucceeded  RetrievalStatus = "Succeeded"
	RetrievalFailed     RetrievalStatus = "Failed"
)

// Retrieval is the state of one retrieval.
type Retrieval struct {
	ID            string
	ArchiveID     string
	Tier          Tier
	Status        RetrievalStatus
	StatusMessage string
}

// Ready reports whether the retrieval output can be fetched.
func (r *Retrieval) Ready() bool {
	return r.Status == RetrievalSucceeded
}
