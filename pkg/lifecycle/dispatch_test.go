package lifecycle

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/annoflow/pkg/jobrecord"
	"github.com/3leaps/annoflow/pkg/queue"
)

func TestDispatcher_DuplicateDeliveryLaunchesOnce(t *testing.T) {
	h := newHarness(t)
	rec := h.submit("U1")

	// A second copy of the same submission, as an at-least-once broker
	// might deliver.
	dup, err := encode(SubjectSubmitted, SubmissionFor(rec))
	require.NoError(t, err)
	require.NoError(t, h.dispatchQ.Publish(h.ctx, dup))

	p := h.runOnce("dispatch", h.dispatchQ, h.dispatcher)
	assert.Equal(t, int64(2), p.Stats().Received)
	assert.Equal(t, int64(2), p.Stats().Acked)
	assert.Equal(t, 1, h.launcher.count())
	assert.Equal(t, jobrecord.StatusRunning, h.get(rec.JobID).Status)
	assert.True(t, h.area.Launched(rec.JobID))
}

func TestDispatcher_LaunchFailureLeavesMessage(t *testing.T) {
	h := newHarness(t)
	rec := h.submit("U1")

	h.launcher.err = errBoom
	p := h.runOnce("dispatch", h.dispatchQ, h.dispatcher)
	assert.Equal(t, int64(1), p.Stats().Retried)
	assert.Equal(t, 1, h.dispatchQ.Len())
	assert.Equal(t, 0, h.launcher.count())
	assert.NoDirExists(t, h.area.JobDir(rec.JobID), "failed attempt should release its claim")

	// Redelivery after the visibility timeout succeeds.
	h.launcher.err = nil
	h.clock.Advance(time.Minute)
	p = h.runOnce("dispatch", h.dispatchQ, h.dispatcher)
	assert.Equal(t, int64(1), p.Stats().Acked)
	assert.Equal(t, 1, h.launcher.count())
	assert.Equal(t, 0, h.dispatchQ.Len())
	assert.Equal(t, jobrecord.StatusRunning, h.get(rec.JobID).Status)
}

func TestDispatcher_CompletedJobAcked(t *testing.T) {
	h := newHarness(t)
	done := h.complete("U1")

	dup, err := encode(SubjectSubmitted, SubmissionFor(done))
	require.NoError(t, err)
	require.NoError(t, h.dispatchQ.Publish(h.ctx, dup))

	p := h.runOnce("dispatch", h.dispatchQ, h.dispatcher)
	assert.Equal(t, int64(1), p.Stats().Acked)
	assert.Equal(t, 1, h.launcher.count())
	assert.Equal(t, jobrecord.StatusCompleted, h.get(done.JobID).Status)
}

func TestDispatcher_RecentClaimRequeues(t *testing.T) {
	h := newHarness(t)
	rec := h.submit("U1")

	_, claimed, err := h.area.Claim(rec.JobID)
	require.NoError(t, err)
	require.True(t, claimed)

	err = h.dispatcher.Handle(h.ctx, event(t, SubjectSubmitted, SubmissionFor(rec)))
	require.ErrorIs(t, err, ErrNotReady)
	disp, delay := Classify(err)
	assert.Equal(t, Requeue, disp)
	assert.Positive(t, delay)
	assert.Equal(t, 0, h.launcher.count())
	assert.DirExists(t, h.area.JobDir(rec.JobID), "in-progress claim must be left alone")
}

func TestDispatcher_StaleClaimReclaimed(t *testing.T) {
	h := newHarness(t)
	rec := h.submit("U1")

	dir, claimed, err := h.area.Claim(rec.JobID)
	require.NoError(t, err)
	require.True(t, claimed)
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(dir, old, old))

	require.NoError(t, h.dispatcher.Handle(h.ctx, event(t, SubjectSubmitted, SubmissionFor(rec))))
	assert.Equal(t, 1, h.launcher.count())
	assert.True(t, h.area.Launched(rec.JobID))
}

func TestDispatcher_Escalations(t *testing.T) {
	h := newHarness(t)
	rec := h.submit("U1")

	unknown := SubmissionFor(rec)
	unknown.JobID = "no-such-job"

	badLoc := SubmissionFor(rec)
	badLoc.InputStorageLocation = "ftp://inputs/x.vcf"

	badName := SubmissionFor(rec)
	badName.InputFileName = ".."

	tests := []struct {
		name string
		msg  queue.Message
		want error
	}{
		{name: "not json", msg: message("not json"), want: ErrMalformed},
		{name: "missing fields", msg: message(`{"job_id":"j"}`), want: ErrMalformed},
		{name: "unknown job", msg: event(t, SubjectSubmitted, unknown), want: ErrInvariant},
		{name: "bad location", msg: event(t, SubjectSubmitted, badLoc), want: ErrMalformed},
		{name: "bad file name", msg: event(t, SubjectSubmitted, badName), want: ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.dispatcher.Handle(h.ctx, tt.msg)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			disp, _ := Classify(err)
			assert.Equal(t, Escalate, disp)
		})
	}
	assert.Equal(t, 0, h.launcher.count())
}

func TestDispatcher_MissingInputRetries(t *testing.T) {
	h := newHarness(t)
	rec := h.submit("U1")

	store, err := h.hot.Bucket(h.ctx, inputBucket)
	require.NoError(t, err)
	require.NoError(t, store.DeleteObject(h.ctx, "U1/"+testInput))

	err = h.dispatcher.Handle(h.ctx, event(t, SubjectSubmitted, SubmissionFor(rec)))
	require.Error(t, err)
	assert.Equal(t, 0, h.launcher.count())
	assert.Equal(t, jobrecord.StatusPending, h.get(rec.JobID).Status)
	assert.NoDirExists(t, h.area.JobDir(rec.JobID))
}
