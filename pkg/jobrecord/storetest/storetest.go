// Package storetest is a conformance suite shared by jobrecord.Store
// implementations.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/annoflow/pkg/jobrecord"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) jobrecord.Store

// NewRecord returns a valid PENDING record for tests.
func NewRecord(jobID, userID string) *jobrecord.Record {
	return &jobrecord.Record{
		JobID:                jobID,
		UserID:               userID,
		UserEmail:            userID + "@example.com",
		InputFileName:        "sample.vcf",
		InputStorageLocation: "s3://inputs/" + userID + "/" + jobID + "~sample.vcf",
		SubmitTime:           1700000000,
		Status:               jobrecord.StatusPending,
	}
}

// Run exercises the full Store contract.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndGet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		rec := NewRecord("job-1", "user-1")
		require.NoError(t, s.Create(ctx, rec))

		got, err := s.Get(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, rec, got)

		err = s.Create(ctx, rec)
		assert.True(t, jobrecord.IsAlreadyExists(err), "got %v", err)
	})

	t.Run("CreateRejectsNonPending", func(t *testing.T) {
		s := newStore(t)
		rec := NewRecord("job-1", "user-1")
		rec.Status = jobrecord.StatusRunning

		err := s.Create(context.Background(), rec)
		var verr *jobrecord.ValidationError
		assert.ErrorAs(t, err, &verr)
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(context.Background(), "missing")
		assert.True(t, jobrecord.IsNotFound(err), "got %v", err)
	})

	t.Run("TransitionSequence", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, NewRecord("job-1", "user-1")))

		rec, err := s.Transition(ctx, "job-1", jobrecord.StatusPending, jobrecord.StatusRunning, jobrecord.Fields{})
		require.NoError(t, err)
		assert.Equal(t, jobrecord.StatusRunning, rec.Status)

		fields := jobrecord.Fields{
			CompleteTime:          1700000100,
			ResultStorageLocation: "s3://results/p/user-1/job-1/sample.annot.vcf",
			LogStorageLocation:    "s3://results/p/user-1/job-1/sample.vcf.count.log",
		}
		rec, err = s.Transition(ctx, "job-1", jobrecord.StatusRunning, jobrecord.StatusCompleted, fields)
		require.NoError(t, err)
		assert.Equal(t, jobrecord.StatusCompleted, rec.Status)
		assert.Equal(t, int64(1700000100), rec.CompleteTime)
		assert.Equal(t, fields.ResultStorageLocation, rec.ResultStorageLocation)
		assert.Equal(t, fields.LogStorageLocation, rec.LogStorageLocation)
		assert.Equal(t, "user-1@example.com", rec.UserEmail)

		stored, err := s.Get(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, rec, stored)
	})

	t.Run("TransitionConditionFailed", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, NewRecord("job-1", "user-1")))

		_, err := s.Transition(ctx, "job-1", jobrecord.StatusRunning, jobrecord.StatusCompleted, jobrecord.Fields{CompleteTime: 1})
		assert.True(t, jobrecord.IsConditionFailed(err), "got %v", err)

		rec, err := s.Get(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, jobrecord.StatusPending, rec.Status)
		assert.Zero(t, rec.CompleteTime)
	})

	t.Run("TransitionRejectsSkipsAndBackwards", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, NewRecord("job-1", "user-1")))

		for _, tc := range []struct{ from, to jobrecord.Status }{
			{jobrecord.StatusPending, jobrecord.StatusCompleted},
			{jobrecord.StatusRunning, jobrecord.StatusPending},
			{jobrecord.StatusCompleted, jobrecord.StatusRunning},
		} {
			_, err := s.Transition(ctx, "job-1", tc.from, tc.to, jobrecord.Fields{})
			assert.ErrorIs(t, err, jobrecord.ErrInvalidTransition, "%s -> %s", tc.from, tc.to)
		}
	})

	t.Run("TransitionMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Transition(context.Background(), "missing", jobrecord.StatusPending, jobrecord.StatusRunning, jobrecord.Fields{})
		assert.True(t, jobrecord.IsNotFound(err), "got %v", err)
	})

	t.Run("ConcurrentTransitionsSingleWinner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, NewRecord("job-1", "user-1")))

		var wins, lost atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Transition(ctx, "job-1", jobrecord.StatusPending, jobrecord.StatusRunning, jobrecord.Fields{})
				switch {
				case err == nil:
					wins.Add(1)
				case jobrecord.IsConditionFailed(err):
					lost.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, int32(7), lost.Load())
	})

	t.Run("ArchiveHandleSetIfAbsent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, NewRecord("job-1", "user-1")))

		rec, err := s.SetArchiveHandle(ctx, "job-1", "archive-a")
		require.NoError(t, err)
		assert.Equal(t, "archive-a", rec.ResultArchiveHandle)

		rec, err = s.SetArchiveHandle(ctx, "job-1", "archive-a")
		require.NoError(t, err, "same handle is idempotent")
		assert.Equal(t, "archive-a", rec.ResultArchiveHandle)

		_, err = s.SetArchiveHandle(ctx, "job-1", "archive-b")
		assert.True(t, jobrecord.IsConditionFailed(err), "got %v", err)

		stored, err := s.Get(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, "archive-a", stored.ResultArchiveHandle)
		assert.Equal(t, jobrecord.StatusPending, stored.Status)
	})

	t.Run("ArchiveHandleMissingRecord", func(t *testing.T) {
		s := newStore(t)
		_, err := s.SetArchiveHandle(context.Background(), "missing", "archive-a")
		assert.True(t, jobrecord.IsNotFound(err), "got %v", err)
	})

	t.Run("RetrievalHandleRequiresArchive", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, NewRecord("job-1", "user-1")))

		_, err := s.SetRetrievalHandle(ctx, "job-1", "retrieval-1")
		assert.True(t, jobrecord.IsConditionFailed(err), "got %v", err)

		_, err = s.SetArchiveHandle(ctx, "job-1", "archive-a")
		require.NoError(t, err)

		rec, err := s.SetRetrievalHandle(ctx, "job-1", "retrieval-1")
		require.NoError(t, err)
		assert.Equal(t, "retrieval-1", rec.RetrievalJobHandle)
		assert.Equal(t, "archive-a", rec.ResultArchiveHandle)

		_, err = s.SetRetrievalHandle(ctx, "job-1", "retrieval-2")
		assert.True(t, jobrecord.IsConditionFailed(err), "got %v", err)
	})

	t.Run("ClearHandlesIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, NewRecord("job-1", "user-1")))
		_, err := s.SetArchiveHandle(ctx, "job-1", "archive-a")
		require.NoError(t, err)
		_, err = s.SetRetrievalHandle(ctx, "job-1", "retrieval-1")
		require.NoError(t, err)

		for i := 0; i < 2; i++ {
			rec, err := s.ClearHandles(ctx, "job-1")
			require.NoError(t, err, "pass %d", i)
			assert.Empty(t, rec.ResultArchiveHandle)
			assert.Empty(t, rec.RetrievalJobHandle)
		}

		_, err = s.ClearHandles(ctx, "missing")
		assert.True(t, jobrecord.IsNotFound(err), "got %v", err)
	})

	t.Run("ListByUser", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			rec := NewRecord(fmt.Sprintf("job-%d", i), "user-1")
			rec.SubmitTime += int64(i)
			require.NoError(t, s.Create(ctx, rec))
		}
		require.NoError(t, s.Create(ctx, NewRecord("other", "user-2")))

		recs, err := s.ListByUser(ctx, "user-1")
		require.NoError(t, err)
		require.Len(t, recs, 3)
		ids := []string{recs[0].JobID, recs[1].JobID, recs[2].JobID}
		assert.ElementsMatch(t, []string{"job-0", "job-1", "job-2"}, ids)

		recs, err = s.ListByUser(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, recs)
	})
}
