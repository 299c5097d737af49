package provider

import (
	"errors"
	"fmt"
)

// Sentinel errors returned (wrapped in ProviderError) by every hot store.
var (
	// ErrNotFound: the key does not exist. DeleteObject never returns it.
	ErrNotFound = errors.New("object not found")

	ErrAccessDenied        = errors.New("access denied")
	ErrBucketNotFound      = errors.New("bucket not found")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrThrottled           = errors.New("request throttled")
)

// ProviderError records which store operation failed and on what object.
type ProviderError struct {
	Op       string
	Provider ProviderType
	Bucket   string
	Key      string
	Err      error
}

func (e *ProviderError) Error() string {
	target := e.Bucket
	if e.Key != "" {
		target = e.Bucket + "/" + e.Key
	}
	if target == "" {
		return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Provider, e.Op, target, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func IsNotFound(err error) bool            { return errors.Is(err, ErrNotFound) }
func IsAccessDenied(err error) bool        { return errors.Is(err, ErrAccessDenied) }
func IsBucketNotFound(err error) bool      { return errors.Is(err, ErrBucketNotFound) }
func IsInvalidCredentials(err error) bool  { return errors.Is(err, ErrInvalidCredentials) }
func IsProviderUnavailable(err error) bool { return errors.Is(err, ErrProviderUnavailable) }
func IsThrottled(err error) bool           { return errors.Is(err, ErrThrottled) }

// IsPermanent reports errors that redelivering the job message cannot fix
// without operator action: a missing bucket, denied access or bad
// credentials.
func IsPermanent(err error) bool {
	return IsBucketNotFound(err) || IsAccessDenied(err) || IsInvalidCredentials(err)
}
