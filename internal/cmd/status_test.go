package cmd

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/annoflow/pkg/jobrecord"
	"github.com/3leaps/annoflow/pkg/jobrecord/storetest"
	"github.com/3leaps/annoflow/pkg/workarea"
)

func completedRecord() *jobrecord.Record {
	rec := storetest.NewRecord("job-1", "u-1")
	rec.Status = jobrecord.StatusCompleted
	rec.CompleteTime = 1700000600
	rec.ResultStorageLocation = "s3://results/annotated/u-1/job-1/sample.annot.vcf"
	rec.LogStorageLocation = "s3://results/annotated/u-1/job-1/sample.vcf.count.log"
	return rec
}

func TestStorageState(t *testing.T) {
	pending := storetest.NewRecord("job-1", "u-1")
	hot := completedRecord()
	archived := completedRecord()
	archived.ResultArchiveHandle = "archive-1"
	restoring := completedRecord()
	restoring.ResultArchiveHandle = "archive-1"
	restoring.RetrievalJobHandle = "retrieval-1"

	assert.Equal(t, "-", storageState(pending))
	assert.Equal(t, "hot", storageState(hot))
	assert.Equal(t, "archived", storageState(archived))
	assert.Equal(t, "restoring", storageState(restoring))
}

func TestViewOf(t *testing.T) {
	v := viewOf(completedRecord())
	assert.Equal(t, "COMPLETED", v.Status)
	assert.Equal(t, "2023-11-14T22:13:20Z", v.Submitted)
	assert.Equal(t, "2023-11-14T22:23:20Z", v.Completed)

	pending := viewOf(storetest.NewRecord("job-2", "u-1"))
	assert.Empty(t, pending.Completed)
}

func TestWriteViews(t *testing.T) {
	views := []jobView{viewOf(completedRecord()), viewOf(storetest.NewRecord("job-2", "u-1"))}

	t.Run("json single", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeViews(&buf, "json", views[:1], true))
		var got map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
		assert.Equal(t, "job-1", got["job_id"])
		assert.Equal(t, "hot", got["storage"])
		assert.NotContains(t, got, "result_archive_handle")
	})

	t.Run("json list", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeViews(&buf, "json", views, false))
		var got []map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
		assert.Len(t, got, 2)
	})

	t.Run("yaml", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeViews(&buf, "yaml", views, false))
		var got []map[string]any
		require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
		require.Len(t, got, 2)
		assert.Equal(t, "PENDING", got[1]["job_status"])
	})

	t.Run("table", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeViews(&buf, "table", views, false))
		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		require.Len(t, lines, 3)
		assert.True(t, strings.HasPrefix(lines[0], "JOB ID"))
		assert.Contains(t, lines[1], "COMPLETED")
		assert.Contains(t, lines[2], "PENDING")
	})

	t.Run("unknown", func(t *testing.T) {
		require.Error(t, writeViews(&bytes.Buffer{}, "xml", views, false))
	})
}

func TestWriteLaunches(t *testing.T) {
	area := workarea.New(t.TempDir())
	started := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"job-1", "job-2"} {
		_, _, err := area.Claim(id)
		require.NoError(t, err)
		require.NoError(t, area.WriteLaunch(&workarea.Launch{
			JobID:         id,
			UserID:        "u-1",
			InputFileName: "sample.vcf",
			StartedAt:     started.Add(time.Duration(i) * time.Minute),
		}))
	}
	launches, err := area.List()
	require.NoError(t, err)

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeLaunches(&buf, "json", launches))
		var got []map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
		require.Len(t, got, 2)
		assert.Equal(t, "job-2", got[0]["job_id"])
		assert.Equal(t, "2026-01-19T12:01:00Z", got[0]["started_at"])
		assert.Equal(t, false, got[0]["alive"])
	})

	t.Run("table", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeLaunches(&buf, "table", launches))
		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		require.Len(t, lines, 3)
		assert.True(t, strings.HasPrefix(lines[0], "JOB ID"))
		assert.Contains(t, lines[1], "job-2")
	})

	t.Run("empty work root", func(t *testing.T) {
		none, err := workarea.New(t.TempDir() + "/missing").List()
		require.NoError(t, err)
		var buf bytes.Buffer
		require.NoError(t, writeLaunches(&buf, "json", none))
		assert.Equal(t, "[]\n", buf.String())
	})
}
