package coldstore

import (
	"errors"
	"fmt"
)

// Sentinel errors for vault operations.
var (
	// ErrNotFound indicates the archive or retrieval does not exist (or the
	// retrieval output has expired).
	ErrNotFound = errors.New("archive or retrieval not found")

	// ErrTierUnavailable indicates the provider refused the requested
	// retrieval tier for capacity or policy reasons. It is the only error
	// that triggers a retrieval at a slower tier.
	ErrTierUnavailable = errors.New("retrieval tier unavailable")

	// ErrNotReady indicates a retrieval output was requested before the
	// retrieval succeeded.
	ErrNotReady = errors.New("retrieval not ready")

	// ErrAccessDenied indicates insufficient permissions.
	ErrAccessDenied = errors.New("access denied")

	// ErrInvalidRequest indicates the provider rejected the request
	// parameters. Redelivery will not fix it.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrThrottled indicates the request was rate limited.
	ErrThrottled = errors.New("request throttled")

	// ErrUnavailable indicates the vault service is unavailable.
	ErrUnavailable = errors.New("vault unavailable")
)

// VaultError wraps vault-specific errors with context.
type VaultError struct {
	// Op is the operation that failed (e.g., "InitiateRetrieval").
	Op string

	// Vault is the vault name.
	Vault string

	// ID is the archive or retrieval ID, if applicable.
	ID string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *VaultError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("vault %s: %s: %s: %v", e.Op, e.Vault, e.ID, e.Err)
	}
	return fmt.Sprintf("vault %s: %s: %v", e.Op, e.Vault, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *VaultError) Unwrap() error {
	return e.Err
}

// IsNotFound returns true if the archive or retrieval does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTierUnavailable returns true if the requested retrieval tier was refused.
func IsTierUnavailable(err error) bool {
	return errors.Is(err, ErrTierUnavailable)
}

// IsPermanent returns true for errors that redelivery cannot fix.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrAccessDenied) || errors.Is(err, ErrInvalidRequest)
}
