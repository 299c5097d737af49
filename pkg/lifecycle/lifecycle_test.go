package lifecycle

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/annoflow/pkg/coldstore"
	"github.com/3leaps/annoflow/pkg/jobrecord"
	"github.com/3leaps/annoflow/pkg/profile"
	"github.com/3leaps/annoflow/pkg/queue"
)

func TestLifecycle_FreeUserRoundTrip(t *testing.T) {
	h := newHarness(t)

	// Submit.
	rec := h.submit("U1")
	assert.Equal(t, jobrecord.StatusPending, h.get(rec.JobID).Status)
	require.Equal(t, 1, h.dispatchQ.Len())

	// Dispatch.
	p := h.runOnce("dispatch", h.dispatchQ, h.dispatcher)
	assert.Equal(t, int64(1), p.Stats().Acked)
	assert.Equal(t, 1, h.launcher.count())
	assert.Equal(t, jobrecord.StatusRunning, h.get(rec.JobID).Status)
	assert.Equal(t, 0, h.dispatchQ.Len())
	assert.FileExists(t, h.launcher.requests[0].InputPath)

	// Complete.
	h.annotate(rec.JobID)
	done, err := h.report(rec)
	require.NoError(t, err)
	assert.Equal(t, jobrecord.StatusCompleted, done.Status)
	assert.Equal(t, "file://results/annotated/U1/"+rec.JobID+"/sample.annot.vcf", done.ResultStorageLocation)
	assert.Equal(t, "file://results/annotated/U1/"+rec.JobID+"/sample.vcf.count.log", done.LogStorageLocation)
	assert.NoDirExists(t, h.area.JobDir(rec.JobID))
	assert.Equal(t, 1, h.archiveQ.Len())
	assert.Equal(t, 1, h.notifyQ.Len())

	body, ok := h.hotObject(done.ResultStorageLocation)
	require.True(t, ok)
	assert.Equal(t, "annotated result", body)

	// Archive: held back inside the free retention window.
	p = h.runOnce("archive", h.archiveQ, h.archiver)
	assert.Equal(t, int64(1), p.Stats().Requeued)
	assert.False(t, h.get(rec.JobID).Archived())

	h.pastRetention()
	p = h.runOnce("archive", h.archiveQ, h.archiver)
	assert.Equal(t, int64(1), p.Stats().Acked)
	archivedRec := h.get(rec.JobID)
	require.True(t, archivedRec.Archived())
	_, ok = h.hotObject(done.ResultStorageLocation)
	assert.False(t, ok, "hot copy should be deleted after archiving")
	data, ok := h.vault.Archive(archivedRec.ResultArchiveHandle)
	require.True(t, ok)
	assert.Equal(t, "annotated result", string(data))

	// Upgrade requests a restore for the archived result.
	n, err := h.upgrader.Upgrade(h.ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	tier, err := h.profiles.Tier(h.ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, profile.TierPaid, tier)

	// Restore initiation.
	h.runOnce("restore", h.restoreQ, h.restorer)
	restoring := h.get(rec.JobID)
	require.True(t, restoring.Restoring())
	require.Len(t, h.vault.Initiated(), 1)
	assert.Equal(t, coldstore.TierExpedited, h.vault.Initiated()[0].Tier)
	assert.Equal(t, 1, h.thawQ.Len())

	// Thaw: not ready yet.
	p = h.runOnce("thaw", h.thawQ, h.thawer)
	assert.Equal(t, int64(1), p.Stats().Requeued)
	assert.Equal(t, restoring, h.get(rec.JobID))

	// Thaw: ready.
	require.NoError(t, h.vault.Complete(restoring.RetrievalJobHandle))
	h.clock.Advance(2 * time.Minute)
	p = h.runOnce("thaw", h.thawQ, h.thawer)
	assert.Equal(t, int64(1), p.Stats().Acked)

	final := h.get(rec.JobID)
	assert.False(t, final.Archived())
	assert.False(t, final.Restoring())
	assert.Equal(t, jobrecord.StatusCompleted, final.Status)
	body, ok = h.hotObject(final.ResultStorageLocation)
	require.True(t, ok)
	assert.Equal(t, "annotated result", body)
	assert.Equal(t, 0, h.vault.ArchiveCount())
	assert.Equal(t, 0, h.thawQ.Len())
}

func TestLifecycle_CompletionEventCarriesSnapshot(t *testing.T) {
	h := newHarness(t)
	done := h.complete("U1")

	bodies := h.notifyQ.Bodies()
	require.Len(t, bodies, 1)
	payload, subject := queue.Unwrap(bodies[0])
	assert.Equal(t, SubjectCompleted, subject, "topic deliveries are enveloped")

	var got jobrecord.Record
	require.NoError(t, json.Unmarshal(payload, &got))
	assert.Equal(t, *done, got)
}

func TestLifecycle_InputDownloadedIntoJobDir(t *testing.T) {
	h := newHarness(t)
	rec := h.submit("U1")
	h.runOnce("dispatch", h.dispatchQ, h.dispatcher)

	require.Equal(t, 1, h.launcher.count())
	req := h.launcher.requests[0]
	assert.Equal(t, rec.JobID, req.JobID)
	assert.Equal(t, "U1", req.UserID)
	assert.Equal(t, testInput, req.InputFileName)

	data, err := os.ReadFile(req.InputPath)
	require.NoError(t, err)
	assert.Equal(t, "##fileformat=VCFv4.2\n", string(data))
}
