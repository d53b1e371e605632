// Copyright 2025 James Ross
package jobrepo

import (
	"context"
	"testing"
	"time"

	"github.com/flyingrobots/comfyqueue/internal/job"
	"github.com/flyingrobots/comfyqueue/internal/kv"
	"github.com/stretchr/testify/require"
)

func TestCreateAndRead(t *testing.T) {
	repo := New(kv.NewMem(), 24*time.Hour)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := job.NewRecord("j_abc123", "anonymous", "k1", `{"prompt":"sunset"}`, now)
	require.NoError(t, repo.Create(ctx, rec))

	got, err := repo.Read(ctx, "j_abc123")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, job.StatusQueued, got.Status)
	require.Equal(t, "anonymous", got.OwnerToken)
	require.Equal(t, 0.0, got.Progress)
}

func TestReadMissing(t *testing.T) {
	repo := New(kv.NewMem(), 24*time.Hour)
	got, err := repo.Read(context.Background(), "j_missing")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestUpdateStatusTransitions(t *testing.T) {
	repo := New(kv.NewMem(), 24*time.Hour)
	ctx := context.Background()
	now := time.Now().UTC()
	rec := job.NewRecord("j_1", "bob", "k1", "{}", now)
	require.NoError(t, repo.Create(ctx, rec))

	started := now.Add(time.Second)
	p := 0.1
	require.NoError(t, repo.UpdateStatus(ctx, "j_1", UpdateStatusInput{
		Status: job.StatusRunning, Progress: &p, StartedAt: &started,
	}))

	got, err := repo.Read(ctx, "j_1")
	require.NoError(t, err)
	require.Equal(t, job.StatusRunning, got.Status)
	require.Equal(t, 0.1, got.Progress)
	require.NotNil(t, got.StartedAt)

	finished := started.Add(time.Minute)
	one := 1.0
	result := job.Result{Artifacts: []job.Artifact{{URL: "https://x/1.png", Width: 512, Height: 512}}}
	require.NoError(t, repo.UpdateStatus(ctx, "j_1", UpdateStatusInput{
		Status: job.StatusSucceeded, Progress: &one, Result: &result, FinishedAt: &finished,
	}))

	got, err = repo.Read(ctx, "j_1")
	require.NoError(t, err)
	require.Equal(t, job.StatusSucceeded, got.Status)
	require.Equal(t, 1.0, got.Progress)
	require.NotNil(t, got.Result)
	require.Len(t, got.Result.Artifacts, 1)
	require.Equal(t, "https://x/1.png", got.Result.Artifacts[0].URL)
}

func TestTryBindIdempotencyFirstWins(t *testing.T) {
	repo := New(kv.NewMem(), 24*time.Hour)
	ctx := context.Background()

	existing, err := repo.TryBindIdempotency(ctx, "alice", "key1", "j_new")
	require.NoError(t, err)
	require.Empty(t, existing)

	existing, err = repo.TryBindIdempotency(ctx, "alice", "key1", "j_other")
	require.NoError(t, err)
	require.Equal(t, "j_new", existing)
}

func TestInProgressSet(t *testing.T) {
	repo := New(kv.NewMem(), 24*time.Hour)
	ctx := context.Background()

	require.NoError(t, repo.MarkInProgress(ctx, "j_1"))
	require.NoError(t, repo.MarkInProgress(ctx, "j_2"))

	ids, err := repo.ListInProgress(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"j_1", "j_2"}, ids)

	require.NoError(t, repo.UnmarkInProgress(ctx, "j_1"))
	ids, err = repo.ListInProgress(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"j_2"}, ids)
}

func TestCancelFlag(t *testing.T) {
	repo := New(kv.NewMem(), 24*time.Hour)
	ctx := context.Background()

	requested, err := repo.CancelRequested(ctx, "j_1")
	require.NoError(t, err)
	require.False(t, requested)

	require.NoError(t, repo.SetCancelFlag(ctx, "j_1"))
	requested, err = repo.CancelRequested(ctx, "j_1")
	require.NoError(t, err)
	require.True(t, requested)
}

func TestPublishSubscribeEvents(t *testing.T) {
	repo := New(kv.NewMem(), 24*time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	sub, err := repo.SubscribeEvents(ctx, "j_1")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, repo.PublishEvent(ctx, "j_1", []byte(`{"type":"done"}`)))

	select {
	case msg := <-sub.Messages():
		require.JSONEq(t, `{"type":"done"}`, string(msg))
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
}

func TestListOwnerJobsIsScopedPerOwner(t *testing.T) {
	repo := New(kv.NewMem(), 24*time.Hour)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, repo.Create(ctx, job.NewRecord("j_a1", "alice", "k1", `{}`, now)))
	require.NoError(t, repo.Create(ctx, job.NewRecord("j_a2", "alice", "k2", `{}`, now)))
	require.NoError(t, repo.Create(ctx, job.NewRecord("j_b1", "bob", "k3", `{}`, now)))

	aliceJobs, err := repo.ListOwnerJobs(ctx, "alice")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"j_a1", "j_a2"}, aliceJobs)

	bobJobs, err := repo.ListOwnerJobs(ctx, "bob")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"j_b1"}, bobJobs)
}
