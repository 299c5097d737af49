package memvault

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/annoflow/pkg/coldstore"
)

func TestRetrievalLifecycle(t *testing.T) {
	ctx := context.Background()
	v := New(WithReadyAfter(2))

	archiveID, err := v.Upload(ctx, strings.NewReader("result"), 6, "j1")
	require.NoError(t, err)

	rid, err := v.InitiateRetrieval(ctx, coldstore.RetrievalRequest{ArchiveID: archiveID, Tier: coldstore.TierStandard})
	require.NoError(t, err)

	_, _, err = v.RetrievalOutput(ctx, rid)
	assert.ErrorIs(t, err, coldstore.ErrNotReady)

	r, err := v.DescribeRetrieval(ctx, rid)
	require.NoError(t, err)
	assert.False(t, r.Ready())

	r, err = v.DescribeRetrieval(ctx, rid)
	require.NoError(t, err)
	assert.True(t, r.Ready())
	assert.Equal(t, archiveID, r.ArchiveID)

	require.NoError(t, v.DeleteArchive(ctx, archiveID))
	require.NoError(t, v.DeleteArchive(ctx, archiveID))
	assert.Equal(t, 1, v.DeletedCount())
	assert.Zero(t, v.ArchiveCount())

	body, size, err := v.RetrievalOutput(ctx, rid)
	require.NoError(t, err, "staged output outlives the archive")
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "result", string(data))
	assert.Equal(t, int64(6), size)
}

func TestRejectTierAndFailNext(t *testing.T) {
	ctx := context.Background()
	v := New()
	archiveID, err := v.Upload(ctx, strings.NewReader("x"), 1, "")
	require.NoError(t, err)

	v.RejectTier(coldstore.TierExpedited, coldstore.ErrTierUnavailable)
	_, err = v.InitiateRetrieval(ctx, coldstore.RetrievalRequest{ArchiveID: archiveID, Tier: coldstore.TierExpedited})
	assert.True(t, coldstore.IsTierUnavailable(err))

	boom := errors.New("boom")
	v.FailNext("InitiateRetrieval", boom)
	_, err = v.InitiateRetrieval(ctx, coldstore.RetrievalRequest{ArchiveID: archiveID, Tier: coldstore.TierStandard})
	assert.ErrorIs(t, err, boom)

	rid, err := v.InitiateRetrieval(ctx, coldstore.RetrievalRequest{ArchiveID: archiveID, Tier: coldstore.TierStandard})
	require.NoError(t, err)
	assert.Len(t, v.Initiated(), 3)

	require.NoError(t, v.Fail(rid, "corrupt"))
	r, err := v.DescribeRetrieval(ctx, rid)
	require.NoError(t, err)
	assert.Equal(t, coldstore.RetrievalFailed, r.Status)
	assert.Equal(t, "corrupt", r.StatusMessage)
}

func TestInitiateRetrieval_MissingArchive(t *testing.T) {
	_, err := New().InitiateRetrieval(context.Background(), coldstore.RetrievalRequest{ArchiveID: "nope", Tier: coldstore.TierStandard})
	assert.True(t, coldstore.IsNotFound(err))
}
