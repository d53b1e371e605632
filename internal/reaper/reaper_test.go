// Copyright 2025 James Ross
package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/flyingrobots/comfyqueue/internal/config"
	"github.com/flyingrobots/comfyqueue/internal/job"
	"github.com/flyingrobots/comfyqueue/internal/jobrepo"
	"github.com/flyingrobots/comfyqueue/internal/kv"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testCfg() config.Config {
	return config.Config{
		Queue:    config.Queue{JobTimeoutSeconds: 5},
		Recovery: config.Recovery{DeadlineGrace: time.Second},
	}
}

func TestSweepReapsStaleRunningJob(t *testing.T) {
	store := kv.NewMem()
	repo := jobrepo.New(store, time.Hour)
	ctx := context.Background()

	rec := job.NewRecord("j_1", "alice", "k1", "{}", time.Now().UTC())
	require.NoError(t, repo.Create(ctx, rec))
	started := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, repo.UpdateStatus(ctx, "j_1", jobrepo.UpdateStatusInput{Status: job.StatusRunning, StartedAt: &started}))
	require.NoError(t, repo.MarkInProgress(ctx, "j_1"))

	r := New(testCfg(), repo, zap.NewNop())
	count, err := r.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	got, err := repo.Read(ctx, "j_1")
	require.NoError(t, err)
	require.Equal(t, job.StatusFailed, got.Status)
	require.Contains(t, got.Error.Message, "worker crashed or timed out")

	ids, err := repo.ListInProgress(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestSweepLeavesFreshRunningJobAlone(t *testing.T) {
	store := kv.NewMem()
	repo := jobrepo.New(store, time.Hour)
	ctx := context.Background()

	rec := job.NewRecord("j_2", "alice", "k1", "{}", time.Now().UTC())
	require.NoError(t, repo.Create(ctx, rec))
	started := time.Now().UTC()
	require.NoError(t, repo.UpdateStatus(ctx, "j_2", jobrepo.UpdateStatusInput{Status: job.StatusRunning, StartedAt: &started}))
	require.NoError(t, repo.MarkInProgress(ctx, "j_2"))

	r := New(testCfg(), repo, zap.NewNop())
	count, err := r.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, count)

	got, err := repo.Read(ctx, "j_2")
	require.NoError(t, err)
	require.Equal(t, job.StatusRunning, got.Status)
}

func TestSweepRemovesOrphanedMissingRecord(t *testing.T) {
	store := kv.NewMem()
	repo := jobrepo.New(store, time.Hour)
	ctx := context.Background()

	require.NoError(t, repo.MarkInProgress(ctx, "j_ghost"))

	r := New(testCfg(), repo, zap.NewNop())
	count, err := r.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	ids, err := repo.ListInProgress(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestSweepRemovesStaleTerminalRecord(t *testing.T) {
	store := kv.NewMem()
	repo := jobrepo.New(store, time.Hour)
	ctx := context.Background()

	rec := job.NewRecord("j_3", "alice", "k1", "{}", time.Now().UTC())
	require.NoError(t, repo.Create(ctx, rec))
	require.NoError(t, repo.UpdateStatus(ctx, "j_3", jobrepo.UpdateStatusInput{Status: job.StatusSucceeded}))
	require.NoError(t, repo.MarkInProgress(ctx, "j_3"))

	r := New(testCfg(), repo, zap.NewNop())
	count, err := r.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	got, err := repo.Read(ctx, "j_3")
	require.NoError(t, err)
	require.Equal(t, job.StatusSucceeded, got.Status)
}
