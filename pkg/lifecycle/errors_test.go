package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/3leaps/annoflow/pkg/coldstore"
	"github.com/3leaps/annoflow/pkg/jobrecord"
	"github.com/3leaps/annoflow/pkg/profile"
	"github.com/3leaps/annoflow/pkg/provider"
	"github.com/3leaps/annoflow/pkg/queue"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		want      Disposition
		wantDelay time.Duration
	}{
		{name: "nil", err: nil, want: Ack},
		{name: "not ready", err: RetryAfter(time.Minute, "later"), want: Requeue, wantDelay: time.Minute},
		{name: "wrapped not ready", err: fmt.Errorf("stage: %w", RetryAfter(3*time.Second, "x")), want: Requeue, wantDelay: 3 * time.Second},
		{name: "invariant", err: fmt.Errorf("%w: status", ErrInvariant), want: Escalate},
		{name: "malformed", err: ErrMalformed, want: Escalate},
		{name: "permanent", err: ErrPermanent, want: Escalate},
		{name: "invalid transition", err: jobrecord.ErrInvalidTransition, want: Escalate},
		{name: "validation", err: &jobrecord.ValidationError{Field: "job_id", Message: "is required"}, want: Escalate},
		{name: "unknown user", err: profile.ErrUnknownUser, want: Escalate},
		{name: "invalid location", err: provider.ErrInvalidLocation, want: Escalate},
		{name: "bucket missing", err: &provider.ProviderError{Op: "GetObject", Bucket: "b", Err: provider.ErrBucketNotFound}, want: Escalate},
		{name: "vault access denied", err: &coldstore.VaultError{Op: "Upload", Vault: "v", Err: coldstore.ErrAccessDenied}, want: Escalate},
		{name: "queue missing", err: &queue.QueueError{Op: "Publish", Target: "q", Err: queue.ErrQueueNotFound}, want: Escalate},
		{name: "object missing", err: provider.ErrNotFound, want: Retry},
		{name: "throttled", err: provider.ErrThrottled, want: Retry},
		{name: "condition failed", err: jobrecord.ErrConditionFailed, want: Retry},
		{name: "deadline", err: context.DeadlineExceeded, want: Retry},
		{name: "plain", err: errors.New("connection reset"), want: Retry},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, delay := Classify(tt.err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantDelay, delay)
		})
	}
}

func TestNotReadyError(t *testing.T) {
	err := RetryAfter(time.Minute, "retrieval %s is %s", "R1", "InProgress")
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Contains(t, err.Error(), "retrieval R1 is InProgress")
}

func TestDispositionString(t *testing.T) {
	assert.Equal(t, "ack", Ack.String())
	assert.Equal(t, "escalate", Escalate.String())
	assert.Equal(t, "disposition(9)", Disposition(9).String())
}
