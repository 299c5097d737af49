package lifecycle

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/annoflow/pkg/coldstore"
	"github.com/3leaps/annoflow/pkg/provider"
)

func TestThaw_NotReadyLeavesRecord(t *testing.T) {
	h := newHarness(t)
	rec := h.restoring("U1")

	err := h.thawer.Handle(h.ctx, event(t, SubjectThaw, rec))
	require.ErrorIs(t, err, ErrNotReady)
	disp, delay := Classify(err)
	assert.Equal(t, Requeue, disp)
	assert.Equal(t, time.Minute, delay)

	assert.Equal(t, rec, h.get(rec.JobID))
	_, ok := h.hotObject(rec.ResultStorageLocation)
	assert.False(t, ok)
}

func TestThaw_FailedRetrievalEscalates(t *testing.T) {
	h := newHarness(t)
	rec := h.restoring("U1")
	require.NoError(t, h.vault.Fail(rec.RetrievalJobHandle, "archive corrupt"))

	err := h.thawer.Handle(h.ctx, event(t, SubjectThaw, rec))
	require.ErrorIs(t, err, ErrPermanent)
	assert.Contains(t, err.Error(), "archive corrupt")
	disp, _ := Classify(err)
	assert.Equal(t, Escalate, disp)
	assert.Equal(t, rec, h.get(rec.JobID))
}

func TestThaw_ExpiredRetrievalEscalates(t *testing.T) {
	h := newHarness(t)
	rec := h.archived("U1")
	rec, err := h.records.SetRetrievalHandle(h.ctx, rec.JobID, "R-expired")
	require.NoError(t, err)

	err = h.thawer.Handle(h.ctx, event(t, SubjectThaw, rec))
	require.ErrorIs(t, err, ErrPermanent)
	require.ErrorIs(t, err, coldstore.ErrNotFound)
}

func TestThaw_ConvergesAfterCrashFollowingHotWrite(t *testing.T) {
	h := newHarness(t)
	rec := h.restoring("U1")

	// A previous attempt wrote the hot copy and then crashed.
	loc, err := provider.ParseLocation(rec.ResultStorageLocation)
	require.NoError(t, err)
	store, err := h.hot.For(h.ctx, loc)
	require.NoError(t, err)
	require.NoError(t, store.PutObject(h.ctx, loc.Key, strings.NewReader("annotated result"), int64(len("annotated result"))))

	require.NoError(t, h.thawer.Handle(h.ctx, event(t, SubjectThaw, rec)))
	got := h.get(rec.JobID)
	assert.False(t, got.Archived())
	assert.False(t, got.Restoring())
	assert.Equal(t, 0, h.vault.ArchiveCount())
	body, ok := h.hotObject(rec.ResultStorageLocation)
	require.True(t, ok)
	assert.Equal(t, "annotated result", body)
}

func TestThaw_ConvergesAfterCrashFollowingArchiveDelete(t *testing.T) {
	h := newHarness(t)
	rec := h.restoring("U1")
	require.NoError(t, h.vault.Complete(rec.RetrievalJobHandle))
	require.NoError(t, h.vault.DeleteArchive(h.ctx, rec.ResultArchiveHandle))

	require.NoError(t, h.thawer.Handle(h.ctx, event(t, SubjectThaw, rec)))
	got := h.get(rec.JobID)
	assert.False(t, got.Archived())
	assert.False(t, got.Restoring())
}

func TestThaw_RepeatedDeliveryAfterRestoreIsAcked(t *testing.T) {
	h := newHarness(t)
	rec := h.restoring("U1")
	require.NoError(t, h.vault.Complete(rec.RetrievalJobHandle))

	require.NoError(t, h.thawer.Handle(h.ctx, event(t, SubjectThaw, rec)))
	require.NoError(t, h.thawer.Handle(h.ctx, event(t, SubjectThaw, rec)))
	assert.Equal(t, 1, h.vault.DeletedCount())
}

func TestThaw_MismatchedHandleDropped(t *testing.T) {
	h := newHarness(t)
	rec := h.restoring("U1")

	stale := rec.Clone()
	stale.RetrievalJobHandle = "R-other"
	require.NoError(t, h.thawer.Handle(h.ctx, event(t, SubjectThaw, stale)))
	assert.Equal(t, rec, h.get(rec.JobID))
}

func TestThaw_RequiresRetrievalHandle(t *testing.T) {
	h := newHarness(t)
	rec := h.archived("U1")

	err := h.thawer.Handle(h.ctx, event(t, SubjectThaw, rec))
	require.ErrorIs(t, err, ErrMalformed)
}
