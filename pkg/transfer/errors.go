package transfer

import (
	"context"
	"errors"
	"fmt"

	"github.com/3leaps/annoflow/pkg/coldstore"
	"github.com/3leaps/annoflow/pkg/provider"
)

// Error codes attached to transfer failures in log fields.
const (
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeAccessDenied = "ACCESS_DENIED"
	ErrCodeThrottled    = "THROTTLED"
	ErrCodeUnavailable  = "PROVIDER_UNAVAILABLE"
	ErrCodeNotReady     = "NOT_READY"
	ErrCodeTimeout      = "TIMEOUT"
	ErrCodeInternal     = "INTERNAL"
)

// ErrorCode maps a transfer failure to a stable code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case provider.IsNotFound(err), coldstore.IsNotFound(err), isSizeMismatch(err):
		// A size mismatch means the object changed under us; treat it as stale.
		return ErrCodeNotFound
	case provider.IsAccessDenied(err), errors.Is(err, coldstore.ErrAccessDenied):
		return ErrCodeAccessDenied
	case provider.IsThrottled(err), errors.Is(err, coldstore.ErrThrottled):
		return ErrCodeThrottled
	case provider.IsProviderUnavailable(err), errors.Is(err, coldstore.ErrUnavailable):
		return ErrCodeUnavailable
	case errors.Is(err, coldstore.ErrNotReady):
		return ErrCodeNotReady
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeout
	default:
		return ErrCodeInternal
	}
}

func isSizeMismatch(err error) bool {
	var sm *SizeMismatchError
	return errors.As(err, &sm)
}

// SizeMismatchError reports a body whose length differs from the size the
// source advertised.
type SizeMismatchError struct {
	Key      string
	Expected int64
	Got      int64
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("size mismatch for %s: expected=%d got=%d", e.Key, e.Expected, e.Got)
}
