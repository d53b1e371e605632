// Copyright 2025 James Ross
package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/flyingrobots/comfyqueue/internal/backendclient"
	"github.com/flyingrobots/comfyqueue/internal/config"
	"github.com/flyingrobots/comfyqueue/internal/job"
	"github.com/flyingrobots/comfyqueue/internal/jobrepo"
	"github.com/flyingrobots/comfyqueue/internal/kv"
	"github.com/flyingrobots/comfyqueue/internal/objectstore"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeBackend struct {
	mu        sync.Mutex
	submitErr error
	polls     []backendclient.PollResult
	pollIdx   int
	artifact  []byte
}

func (f *fakeBackend) Submit(ctx context.Context, workflow map[string]interface{}) (backendclient.Handle, error) {
	if f.submitErr != nil {
		return backendclient.Handle{}, f.submitErr
	}
	return backendclient.Handle{PromptID: "p1"}, nil
}

func (f *fakeBackend) Poll(ctx context.Context, handle backendclient.Handle) (backendclient.PollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pollIdx >= len(f.polls) {
		return f.polls[len(f.polls)-1], nil
	}
	res := f.polls[f.pollIdx]
	f.pollIdx++
	return res, nil
}

func (f *fakeBackend) FetchArtifact(ctx context.Context, ref backendclient.ImageRef, width, height int) (backendclient.Artifact, error) {
	return backendclient.Artifact{Bytes: f.artifact, Width: width, Height: height}, nil
}

type fakeObjectStore struct{}

func (fakeObjectStore) PutObject(ctx context.Context, key string, data []byte, contentType string) (objectstore.Location, error) {
	return objectstore.Location{Bucket: "b", Key: key}, nil
}

func (fakeObjectStore) PresignGet(key string, ttl time.Duration) (string, error) {
	return "https://example.test/" + key, nil
}

func testCfg() config.Config {
	return config.Config{
		Queue: config.Queue{
			Name:              "generate",
			WorkerConcurrency: 1,
			PopTimeout:        50 * time.Millisecond,
			JobTimeoutSeconds: 5,
			RecordTTL:         time.Hour,
		},
		Backend: config.Backend{
			SubmitTimeout:    time.Second,
			PollTimeout:      time.Second,
			ArtifactTimeout:  time.Second,
			PollIntervalBase: 5 * time.Millisecond,
			PollIntervalCap:  20 * time.Millisecond,
		},
		ObjectStore: config.ObjectStore{ArtifactTTL: time.Hour},
	}
}

func seedJob(t *testing.T, store kv.Store, repo *jobrepo.Repo, jobID string) {
	t.Helper()
	req := job.GenerationRequest{Prompt: "a cat", Width: 512, Height: 512, Steps: 20, CFGScale: 7, Sampler: "euler_ancestral", Model: "m.ckpt", NumImages: 1, Seed: 1}
	paramsJSON, err := req.CanonicalJSON()
	require.NoError(t, err)
	rec := job.NewRecord(jobID, "alice", "k1", string(paramsJSON), time.Now().UTC())
	require.NoError(t, repo.Create(context.Background(), rec))
}

func TestProcessSucceeds(t *testing.T) {
	store := kv.NewMem()
	repo := jobrepo.New(store, time.Hour)
	seedJob(t, store, repo, "j_1")

	backend := &fakeBackend{
		polls: []backendclient.PollResult{
			{Done: false, Progress: 0.5},
			{Done: true, Progress: 1.0, Images: []backendclient.ImageRef{{Filename: "out.png"}}},
		},
		artifact: []byte("pngdata"),
	}
	log := zap.NewNop()
	pool := New(testCfg(), repo, store, backend, fakeObjectStore{}, log)

	pool.process(context.Background(), "j_1")

	rec, err := repo.Read(context.Background(), "j_1")
	require.NoError(t, err)
	require.Equal(t, job.StatusSucceeded, rec.Status)
	require.NotNil(t, rec.Result)
	require.Len(t, rec.Result.Artifacts, 1)
	require.Contains(t, rec.Result.Artifacts[0].URL, "jobs/j_1/image_0.png")

	ids, err := repo.ListInProgress(context.Background())
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestProcessBackendRejectionFails(t *testing.T) {
	store := kv.NewMem()
	repo := jobrepo.New(store, time.Hour)
	seedJob(t, store, repo, "j_2")

	backend := &fakeBackend{submitErr: backendRejection()}
	pool := New(testCfg(), repo, store, backend, fakeObjectStore{}, zap.NewNop())

	pool.process(context.Background(), "j_2")

	rec, err := repo.Read(context.Background(), "j_2")
	require.NoError(t, err)
	require.Equal(t, job.StatusFailed, rec.Status)
	require.NotNil(t, rec.Error)
}

func TestProcessSkipsNonQueuedJob(t *testing.T) {
	store := kv.NewMem()
	repo := jobrepo.New(store, time.Hour)
	seedJob(t, store, repo, "j_3")
	require.NoError(t, repo.UpdateStatus(context.Background(), "j_3", jobrepo.UpdateStatusInput{Status: job.StatusCanceled}))

	backend := &fakeBackend{}
	pool := New(testCfg(), repo, store, backend, fakeObjectStore{}, zap.NewNop())
	pool.process(context.Background(), "j_3")

	rec, err := repo.Read(context.Background(), "j_3")
	require.NoError(t, err)
	require.Equal(t, job.StatusCanceled, rec.Status)
}

func TestProcessObservesCancelFlag(t *testing.T) {
	store := kv.NewMem()
	repo := jobrepo.New(store, time.Hour)
	seedJob(t, store, repo, "j_4")
	require.NoError(t, repo.SetCancelFlag(context.Background(), "j_4"))

	backend := &fakeBackend{polls: []backendclient.PollResult{{Done: false, Progress: 0.1}}}
	pool := New(testCfg(), repo, store, backend, fakeObjectStore{}, zap.NewNop())
	pool.process(context.Background(), "j_4")

	rec, err := repo.Read(context.Background(), "j_4")
	require.NoError(t, err)
	require.Equal(t, job.StatusCanceled, rec.Status)
}

func TestQueueKey(t *testing.T) {
	pool := &Pool{cfg: testCfg()}
	require.Equal(t, "queue:generate", pool.queueKey())
}

func backendRejection() error {
	return &rejectionErr{}
}

type rejectionErr struct{}

func (*rejectionErr) Error() string { return "backend rejected workflow" }
