package lifecycle

import (
	"errors"
	"fmt"
	"time"

	"github.com/3leaps/annoflow/pkg/coldstore"
	"github.com/3leaps/annoflow/pkg/jobrecord"
	"github.com/3leaps/annoflow/pkg/profile"
	"github.com/3leaps/annoflow/pkg/provider"
	"github.com/3leaps/annoflow/pkg/queue"
)

var (
	// ErrNotReady indicates the message should be redelivered after a delay.
	ErrNotReady = errors.New("not ready")

	// ErrInvariant indicates the job record contradicts the lifecycle, for
	// example a completion reported for a job that is not RUNNING.
	ErrInvariant = errors.New("lifecycle invariant violated")

	// ErrMalformed indicates a message that can never be processed.
	ErrMalformed = errors.New("malformed message")

	// ErrPermanent indicates a provider rejection that retrying will not fix.
	ErrPermanent = errors.New("permanent failure")
)

// NotReadyError asks the poller to redeliver the message after Delay.
type NotReadyError struct {
	Delay  time.Duration
	Reason string
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("not ready (retry in %s): %s", e.Delay, e.Reason)
}

func (e *NotReadyError) Is(target error) bool {
	return target == ErrNotReady
}

// RetryAfter returns a NotReadyError.
func RetryAfter(delay time.Duration, format string, args ...any) error {
	return &NotReadyError{Delay: delay, Reason: fmt.Sprintf(format, args...)}
}

// Disposition is what the poller does with a message after handling it.
type Disposition int

const (
	// Ack deletes the message.
	Ack Disposition = iota

	// Requeue leaves the message and sets its visibility to the requested delay.
	Requeue

	// Retry leaves the message for redelivery after the visibility timeout.
	Retry

	// Escalate leaves the message with an extended visibility so the queue's
	// redrive policy moves it to the dead-letter queue.
	Escalate
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	case Retry:
		return "retry"
	case Escalate:
		return "escalate"
	default:
		return fmt.Sprintf("disposition(%d)", int(d))
	}
}

// Classify maps a handler result to a disposition. The returned delay is only
// meaningful for Requeue.
func Classify(err error) (Disposition, time.Duration) {
	if err == nil {
		return Ack, 0
	}

	var nr *NotReadyError
	if errors.As(err, &nr) {
		return Requeue, nr.Delay
	}

	var verr *jobrecord.ValidationError
	switch {
	case errors.Is(err, ErrInvariant),
		errors.Is(err, ErrMalformed),
		errors.Is(err, ErrPermanent),
		errors.Is(err, jobrecord.ErrInvalidTransition),
		errors.As(err, &verr),
		errors.Is(err, profile.ErrUnknownUser),
		errors.Is(err, profile.ErrUnknownTier),
		errors.Is(err, provider.ErrInvalidLocation),
		errors.Is(err, provider.ErrUnsupportedScheme),
		errors.Is(err, provider.ErrMissingBucket),
		provider.IsPermanent(err),
		coldstore.IsPermanent(err),
		queue.IsQueueNotFound(err):
		return Escalate, 0
	default:
		return Retry, 0
	}
}
