package queue

import (
	"errors"
	"fmt"
)

// Sentinel errors for queue and topic operations.
var (
	// ErrQueueNotFound indicates the queue or topic does not exist.
	ErrQueueNotFound = errors.New("queue not found")

	// ErrInvalidReceipt indicates a receipt handle is unknown or expired.
	ErrInvalidReceipt = errors.New("invalid receipt handle")

	// ErrAccessDenied indicates insufficient permissions.
	ErrAccessDenied = errors.New("access denied")

	// ErrThrottled indicates the request was rate limited.
	ErrThrottled = errors.New("request throttled")

	// ErrUnavailable indicates the messaging service is unavailable.
	ErrUnavailable = errors.New("messaging unavailable")
)

// QueueError wraps broker errors with context.
type QueueError struct {
	// Op is the operation that failed (e.g., "Receive", "Publish").
	Op string

	// Target is the queue URL or topic ARN.
	Target string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *QueueError) Error() string {
	return fmt.Sprintf("queue %s: %s: %v", e.Op, e.Target, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *QueueError) Unwrap() error {
	return e.Err
}

// IsQueueNotFound returns true if the queue or topic does not exist.
func IsQueueNotFound(err error) bool {
	return errors.Is(err, ErrQueueNotFound)
}

// IsInvalidReceipt returns true if the receipt handle is no longer valid.
func IsInvalidReceipt(err error) bool {
	return errors.Is(err, ErrInvalidReceipt)
}
