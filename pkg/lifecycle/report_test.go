package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/annoflow/pkg/jobrecord"
)

func TestReporter_NotRunningIsInvariant(t *testing.T) {
	h := newHarness(t)
	rec := h.submit("U1") // never dispatched: still PENDING

	_, claimed, err := h.area.Claim(rec.JobID)
	require.NoError(t, err)
	require.True(t, claimed)
	h.annotate(rec.JobID)

	_, err = h.report(rec)
	require.ErrorIs(t, err, ErrInvariant)
	disp, _ := Classify(err)
	assert.Equal(t, Escalate, disp)

	assert.Equal(t, jobrecord.StatusPending, h.get(rec.JobID).Status)
	assert.DirExists(t, h.area.JobDir(rec.JobID), "working area is kept for inspection")
	assert.Equal(t, 0, h.archiveQ.Len())
	assert.Equal(t, 0, h.notifyQ.Len())
}

func TestReporter_RepeatedReportIsInvariant(t *testing.T) {
	h := newHarness(t)
	done := h.complete("U1")
	require.Equal(t, 1, h.notifyQ.Len())

	// The annotation process reports again, e.g. after a crash and rerun.
	_, claimed, err := h.area.Claim(done.JobID)
	require.NoError(t, err)
	require.True(t, claimed)
	h.annotate(done.JobID)

	_, err = h.report(done)
	require.ErrorIs(t, err, ErrInvariant)
	disp, _ := Classify(err)
	assert.Equal(t, Escalate, disp)

	assert.Equal(t, done, h.get(done.JobID), "record unchanged")
	assert.DirExists(t, h.area.JobDir(done.JobID), "no cleanup after a failed condition")
	assert.Equal(t, 1, h.notifyQ.Len(), "no second notification")
	assert.Equal(t, 1, h.archiveQ.Len(), "no second archive event")
}

func TestReporter_LosesRunningBeforeTransition(t *testing.T) {
	h := newHarness(t)
	rec := h.submit("U1")
	h.runOnce("dispatch", h.dispatchQ, h.dispatcher)
	h.annotate(rec.JobID)

	// A concurrent reporter completes the job after our status read.
	h.reporter.Records = &transitionFirst{Store: h.records, before: func() {
		_, err := h.records.Transition(h.ctx, rec.JobID, jobrecord.StatusRunning, jobrecord.StatusCompleted, jobrecord.Fields{
			CompleteTime:          1,
			ResultStorageLocation: "file://results/other/sample.annot.vcf",
			LogStorageLocation:    "file://results/other/sample.vcf.count.log",
		})
		require.NoError(t, err)
	}}

	_, err := h.report(rec)
	require.ErrorIs(t, err, ErrInvariant)
	assert.Equal(t, "file://results/other/sample.annot.vcf", h.get(rec.JobID).ResultStorageLocation)
	assert.DirExists(t, h.area.JobDir(rec.JobID))
	assert.Equal(t, 0, h.notifyQ.Len())
	assert.Equal(t, 0, h.archiveQ.Len())
}

func TestReporter_RepublishCompletedJob(t *testing.T) {
	h := newHarness(t)
	done := h.complete("U1")

	again, err := h.reporter.Report(h.ctx, Report{JobID: done.JobID, UserID: done.UserID, InputFileName: done.InputFileName, Republish: true})
	require.NoError(t, err)
	assert.Equal(t, done, again)
	assert.Equal(t, done, h.get(done.JobID))
	assert.Equal(t, 2, h.notifyQ.Len())
	assert.Equal(t, 2, h.archiveQ.Len())

	// Both deliveries are consumed; the result is archived exactly once.
	h.pastRetention()
	p := h.runOnce("archive", h.archiveQ, h.archiver)
	assert.Equal(t, int64(2), p.Stats().Acked)
	assert.Equal(t, 1, h.vault.ArchiveCount())
}

func TestReporter_RepublishRequiresCompletedJob(t *testing.T) {
	h := newHarness(t)
	rec := h.submit("U1")
	h.runOnce("dispatch", h.dispatchQ, h.dispatcher)

	_, err := h.reporter.Report(h.ctx, Report{JobID: rec.JobID, UserID: rec.UserID, InputFileName: rec.InputFileName, Republish: true})
	require.ErrorIs(t, err, ErrInvariant)
	assert.Equal(t, 0, h.notifyQ.Len())
	assert.Equal(t, jobrecord.StatusRunning, h.get(rec.JobID).Status)
}

func TestReporter_MissingArtifact(t *testing.T) {
	h := newHarness(t)
	rec := h.submit("U1")
	h.runOnce("dispatch", h.dispatchQ, h.dispatcher)

	// Only the result file; the count log is missing.
	dir := h.area.JobDir(rec.JobID)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sample.annot.vcf"), []byte("x"), 0o644))

	_, err := h.report(rec)
	require.ErrorIs(t, err, ErrArtifactMissing)
	assert.Equal(t, jobrecord.StatusRunning, h.get(rec.JobID).Status)
	assert.DirExists(t, dir)
}

func TestReporter_UserMismatch(t *testing.T) {
	h := newHarness(t)
	rec := h.submit("U1")
	h.runOnce("dispatch", h.dispatchQ, h.dispatcher)
	h.annotate(rec.JobID)

	_, err := h.reporter.Report(h.ctx, Report{JobID: rec.JobID, UserID: "U2", InputFileName: rec.InputFileName})
	require.ErrorIs(t, err, ErrInvariant)
	assert.Equal(t, jobrecord.StatusRunning, h.get(rec.JobID).Status)
}

func TestReporter_RequiresIdentity(t *testing.T) {
	h := newHarness(t)
	_, err := h.reporter.Report(h.ctx, Report{JobID: "j"})
	require.ErrorIs(t, err, ErrMalformed)
}

func TestReporter_CustomPatterns(t *testing.T) {
	h := newHarness(t)
	rec := h.submit("U1")
	h.runOnce("dispatch", h.dispatchQ, h.dispatcher)

	dir := h.area.JobDir(rec.JobID)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "out"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "out", "sample.result.vcf"), []byte("r"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "out", "sample.log"), []byte("l"), 0o644))

	h.reporter.ResultPattern = "**/{stem}.result.vcf"
	h.reporter.LogPattern = "**/{stem}.log"
	done, err := h.report(rec)
	require.NoError(t, err)
	assert.Equal(t, "file://results/annotated/U1/"+rec.JobID+"/sample.result.vcf", done.ResultStorageLocation)
	assert.Equal(t, "file://results/annotated/U1/"+rec.JobID+"/sample.log", done.LogStorageLocation)
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, `a\*b\?c\[d\]`, escapeGlob("a*b?c[d]"))
	assert.Equal(t, "plain", escapeGlob("plain"))
}

// transitionFirst runs before once, ahead of the first Transition.
type transitionFirst struct {
	jobrecord.Store
	before func()
}

func (s *transitionFirst) Transition(ctx context.Context, jobID string, from, to jobrecord.Status, fields jobrecord.Fields) (*jobrecord.Record, error) {
	if s.before != nil {
		s.before()
		s.before = nil
	}
	return s.Store.Transition(ctx, jobID, from, to, fields)
}
