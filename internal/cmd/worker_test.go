package cmd

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/annoflow/pkg/lifecycle"
)

func TestStageQueue(t *testing.T) {
	cfg := localConfig(t)
	cfg.Queues.Dispatch = "requests"
	cfg.Queues.Thaw = "https://sqs.us-east-1.amazonaws.com/123456789012/thaw"

	q, err := stageQueue(cfg, stageDispatch)
	require.NoError(t, err)
	assert.Equal(t, "requests", q)

	q, err = stageQueue(cfg, stageThaw)
	require.NoError(t, err)
	assert.Equal(t, cfg.Queues.Thaw, q)

	_, err = stageQueue(cfg, stageArchive)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queues.archive")

	_, err = stageQueue(cfg, "compact")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown stage")
}

func TestBuildHandlerDispatch(t *testing.T) {
	ctx := context.Background()

	t.Run("requires an annotator command", func(t *testing.T) {
		b := newBackends(localConfig(t), nil)
		defer func() { _ = b.Close() }()

		_, err := buildHandler(ctx, b, stageDispatch)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "dispatch.command")
	})

	t.Run("builds a dispatcher", func(t *testing.T) {
		cfg := localConfig(t)
		cfg.Dispatch.Command = []string{"/bin/true"}
		cfg.Dispatch.StaleClaimAfter = time.Minute
		b := newBackends(cfg, nil)
		defer func() { _ = b.Close() }()

		h, err := buildHandler(ctx, b, stageDispatch)
		require.NoError(t, err)
		d, ok := h.(*lifecycle.Dispatcher)
		require.True(t, ok)
		assert.Equal(t, time.Minute, d.StaleClaimAfter)
		assert.Equal(t, cfg.Dispatch.WorkRoot, d.Area.Root())
	})
}

func TestBuildHandlerNeedsVault(t *testing.T) {
	ctx := context.Background()
	for _, stage := range []string{stageArchive, stageRestore, stageThaw} {
		t.Run(stage, func(t *testing.T) {
			b := newBackends(localConfig(t), nil)
			defer func() { _ = b.Close() }()

			_, err := buildHandler(ctx, b, stage)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "vault.name")
		})
	}
}

func TestBuildPollersRequiresQueue(t *testing.T) {
	b := newBackends(localConfig(t), nil)
	defer func() { _ = b.Close() }()

	_, err := buildPollers(context.Background(), b, stageDispatch)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queues.dispatch")
}
