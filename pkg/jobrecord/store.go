package jobrecord

import (
	"context"
	"errors"
	"fmt"
)

// Store persists job records.
//
// Implementations must enforce every conditional write atomically in the
// backend (no read-then-write pairs) and be safe for concurrent use by many
// worker processes.
type Store interface {
	// Create inserts a new PENDING record.
	// Returns ErrAlreadyExists if a record with the same job ID exists.
	Create(ctx context.Context, rec *Record) error

	// Get returns the current record using a strongly consistent read.
	// Returns ErrNotFound if the record does not exist.
	Get(ctx context.Context, jobID string) (*Record, error)

	// Transition moves the record from one status to the next and applies
	// fields in the same conditional write. It returns the updated record.
	// Returns ErrInvalidTransition for pairs outside the status machine and
	// ErrConditionFailed when the stored status is not from.
	Transition(ctx context.Context, jobID string, from, to Status, fields Fields) (*Record, error)

	// SetArchiveHandle sets result_archive_handle if it is absent (or already
	// equal to handle). Returns ErrConditionFailed if a different handle is set.
	SetArchiveHandle(ctx context.Context, jobID, handle string) (*Record, error)

	// SetRetrievalHandle sets retrieval_job_handle if it is absent (or already
	// equal to handle) and the record is archived. Returns ErrConditionFailed
	// otherwise.
	SetRetrievalHandle(ctx context.Context, jobID, handle string) (*Record, error)

	// ClearHandles removes both result_archive_handle and
	// retrieval_job_handle. Absent fields are not an error.
	ClearHandles(ctx context.Context, jobID string) (*Record, error)

	// ListByUser returns every record owned by userID.
	ListByUser(ctx context.Context, userID string) ([]Record, error)

	// Close releases any resources held by the store.
	Close() error
}

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates the job record does not exist.
	ErrNotFound = errors.New("job record not found")

	// ErrAlreadyExists indicates a record with the job ID already exists.
	ErrAlreadyExists = errors.New("job record already exists")

	// ErrConditionFailed indicates a conditional write did not match the
	// stored record.
	ErrConditionFailed = errors.New("conditional update failed")

	// ErrInvalidTransition indicates a status pair outside the status machine.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// StoreError wraps backend errors with operation context.
type StoreError struct {
	// Op is the operation that failed (e.g., "Transition").
	Op string

	// Backend names the store implementation (e.g., "dynamodb").
	Backend string

	// JobID is the job the operation targeted, if any.
	JobID string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Backend, e.Op, e.JobID, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// ValidationError reports an invalid record on Create.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return "job record: " + e.Field + ": " + e.Message
}

// IsNotFound returns true if the error indicates the record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConditionFailed returns true if a conditional write was rejected.
func IsConditionFailed(err error) bool {
	return errors.Is(err, ErrConditionFailed)
}

// IsAlreadyExists returns true if Create found an existing record.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// CheckTransition returns ErrInvalidTransition wrapped with the offending
// pair when from -> to is not allowed.
func CheckTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
