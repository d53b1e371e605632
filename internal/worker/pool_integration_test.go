// Copyright 2025 James Ross
package worker

import (
	"context"
	"testing"
	"time"

	"github.com/flyingrobots/comfyqueue/internal/backendclient"
	"github.com/flyingrobots/comfyqueue/internal/job"
	"github.com/flyingrobots/comfyqueue/internal/jobrepo"
	"github.com/flyingrobots/comfyqueue/internal/kv"
	"github.com/flyingrobots/comfyqueue/internal/queue"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRunDrainsQueuedHandle(t *testing.T) {
	store := kv.NewMem()
	repo := jobrepo.New(store, time.Hour)
	seedJob(t, store, repo, "j_run1")

	handle := queue.NewHandle("j_run1", "")
	raw, err := handle.Marshal()
	require.NoError(t, err)
	require.NoError(t, store.QueuePush(context.Background(), "queue:generate", raw))

	backend := &fakeBackend{
		polls:    []backendclient.PollResult{{Done: true, Progress: 1.0, Images: []backendclient.ImageRef{{Filename: "out.png"}}}},
		artifact: []byte("pngdata"),
	}
	pool := New(testCfg(), repo, store, backend, fakeObjectStore{}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	pool.Run(ctx)

	rec, err := repo.Read(context.Background(), "j_run1")
	require.NoError(t, err)
	require.Equal(t, job.StatusSucceeded, rec.Status)
}
