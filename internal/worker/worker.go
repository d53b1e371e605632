// Copyright 2025 James Ross

// Package worker runs the per-slot execution loop of spec §4.7: dequeue a
// job handle, drive it against the backend client, transfer artifacts to
// the object store, and finalize the job record. The slot structure
// (N cooperative goroutines over one blocking pop, each wrapping backend
// calls with the circuit breaker) follows the teacher's original
// file-processing worker, generalized from "copy a file" to "run a
// generation job to completion".
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flyingrobots/comfyqueue/internal/backendclient"
	"github.com/flyingrobots/comfyqueue/internal/config"
	"github.com/flyingrobots/comfyqueue/internal/job"
	"github.com/flyingrobots/comfyqueue/internal/jobrepo"
	"github.com/flyingrobots/comfyqueue/internal/kv"
	"github.com/flyingrobots/comfyqueue/internal/obs"
	"github.com/flyingrobots/comfyqueue/internal/objectstore"
	"github.com/flyingrobots/comfyqueue/internal/queue"
	"go.uber.org/zap"
)

// StatusEvent is one frame published to a job's progress channel (§3, §4.8).
type StatusEvent struct {
	Type     string      `json:"type"`
	Status   string      `json:"status,omitempty"`
	Progress float64     `json:"progress,omitempty"`
	Message  string      `json:"message,omitempty"`
	Result   *job.Result `json:"result,omitempty"`
	Error    *job.Error  `json:"error,omitempty"`
}

// Backend is the subset of backendclient.Client the slot loop drives,
// narrowed to an interface so tests can substitute a fake (spec §9's
// redesign note: "the backend client likewise" should be an interface).
type Backend interface {
	Submit(ctx context.Context, workflow map[string]interface{}) (backendclient.Handle, error)
	Poll(ctx context.Context, handle backendclient.Handle) (backendclient.PollResult, error)
	FetchArtifact(ctx context.Context, ref backendclient.ImageRef, width, height int) (backendclient.Artifact, error)
}

// ObjectStore is the subset of objectstore.Store the slot loop drives.
type ObjectStore interface {
	PutObject(ctx context.Context, key string, data []byte, contentType string) (objectstore.Location, error)
	PresignGet(key string, ttl time.Duration) (string, error)
}

// Pool runs cfg.Queue.WorkerConcurrency slots pulling handles off
// queueKey until ctx is canceled.
type Pool struct {
	cfg     config.Config
	repo    *jobrepo.Repo
	store   kv.Store
	backend Backend
	objects ObjectStore
	log     *zap.Logger
}

// New builds a worker Pool wired to the given dependencies.
func New(cfg config.Config, repo *jobrepo.Repo, store kv.Store, backend Backend, objects ObjectStore, log *zap.Logger) *Pool {
	return &Pool{cfg: cfg, repo: repo, store: store, backend: backend, objects: objects, log: log}
}

func (p *Pool) queueKey() string {
	return fmt.Sprintf("queue:%s", p.cfg.Queue.Name)
}

// Run starts cfg.Queue.WorkerConcurrency slots and blocks until ctx is
// canceled and every slot has exited.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	n := p.cfg.Queue.WorkerConcurrency
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			p.runSlot(ctx, slot)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) runSlot(ctx context.Context, slot int) {
	obs.WorkerSlotsActive.Inc()
	defer obs.WorkerSlotsActive.Dec()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		raw, ok, err := p.store.QueuePopBlocking(ctx, p.queueKey(), p.cfg.Queue.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warn("queue pop failed", obs.Err(err), obs.Int("slot", slot))
			continue
		}
		if !ok {
			continue
		}

		handle, err := queue.UnmarshalHandle(raw)
		if err != nil {
			p.log.Warn("dropping malformed handle", obs.Err(err))
			continue
		}

		obs.JobsDequeued.Inc()
		p.process(ctx, handle.JobID)
	}
}

// process drives one job_id from queued through a terminal state,
// implementing each step of spec §4.7.
func (p *Pool) process(ctx context.Context, jobID string) {
	rec, err := p.repo.Read(ctx, jobID)
	if err != nil {
		p.log.Error("read job record failed", obs.String("job_id", jobID), obs.Err(err))
		return
	}
	if rec == nil || rec.Status != job.StatusQueued {
		return
	}

	ctx, span := obs.StartJobSpan(ctx, jobID, rec.OwnerToken)
	defer span.End()

	if err := p.repo.MarkInProgress(ctx, jobID); err != nil {
		p.log.Error("mark in-progress failed", obs.String("job_id", jobID), obs.Err(err))
		return
	}
	defer func() {
		if err := p.repo.UnmarkInProgress(ctx, jobID); err != nil {
			p.log.Error("unmark in-progress failed", obs.String("job_id", jobID), obs.Err(err))
		}
		if err := p.repo.UnmarkOwnerActive(ctx, rec.OwnerToken, jobID); err != nil {
			p.log.Error("unmark owner active failed", obs.String("job_id", jobID), obs.Err(err))
		}
	}()

	started := time.Now().UTC()
	startProgress := 0.1
	if err := p.repo.UpdateStatus(ctx, jobID, jobrepo.UpdateStatusInput{
		Status: job.StatusRunning, Progress: &startProgress, StartedAt: &started,
	}); err != nil {
		p.log.Error("transition to running failed", obs.String("job_id", jobID), obs.Err(err))
		return
	}
	p.publish(ctx, jobID, StatusEvent{Type: "status", Status: string(job.StatusRunning), Progress: 0.0})

	var req job.GenerationRequest
	if err := decodeParams(rec.ParamsJSON, &req); err != nil {
		p.finalizeFailed(ctx, jobID, started, "invalid stored request", "internal_error")
		return
	}

	workflow, err := backendclient.ComposeWorkflow(&req)
	if err != nil {
		p.finalizeFailed(ctx, jobID, started, err.Error(), "internal_error")
		return
	}

	submitCtx, cancel := context.WithTimeout(ctx, p.cfg.Backend.SubmitTimeout)
	handle, err := p.backend.Submit(submitCtx, workflow)
	cancel()
	if err != nil {
		obs.RecordError(ctx, err)
		p.finalizeFailed(ctx, jobID, started, err.Error(), "backend_rejection")
		return
	}
	obs.AddEvent(ctx, "backend.submitted", obs.KeyValue("backend.prompt_id", handle.PromptID))

	images, err := p.pollToCompletion(ctx, jobID, handle, started)
	if err != nil {
		if err == errCanceled {
			p.finalizeCanceled(ctx, jobID)
			return
		}
		obs.RecordError(ctx, err)
		p.finalizeFailed(ctx, jobID, started, err.Error(), "backend_error")
		return
	}

	artifacts, err := p.transferArtifacts(ctx, jobID, images, req.Width, req.Height)
	if err != nil {
		obs.RecordError(ctx, err)
		p.finalizeFailed(ctx, jobID, started, err.Error(), "storage_error")
		return
	}

	finished := time.Now().UTC()
	one := 1.0
	result := job.Result{Artifacts: artifacts}
	if err := p.repo.UpdateStatus(ctx, jobID, jobrepo.UpdateStatusInput{
		Status: job.StatusSucceeded, Progress: &one, Result: &result, FinishedAt: &finished,
	}); err != nil {
		p.log.Error("finalize succeeded failed", obs.String("job_id", jobID), obs.Err(err))
		return
	}
	obs.JobsSucceeded.Inc()
	obs.JobProcessingDuration.Observe(finished.Sub(started).Seconds())
	obs.SetSpanSuccess(ctx)
	p.publish(ctx, jobID, StatusEvent{Type: "done", Status: string(job.StatusSucceeded), Result: &result})
}

var errCanceled = fmt.Errorf("job canceled")

// pollToCompletion runs step 5 of §4.7: tick between cancel checks and
// backend progress queries until a terminal state, cancellation, or the
// per-job deadline.
func (p *Pool) pollToCompletion(ctx context.Context, jobID string, handle backendclient.Handle, started time.Time) ([]backendclient.ImageRef, error) {
	deadline := started.Add(p.cfg.Queue.JobTimeout())
	interval := p.cfg.Backend.PollIntervalBase
	lastProgress := -1.0

	for {
		canceled, err := p.repo.CancelRequested(ctx, jobID)
		if err == nil && canceled {
			return nil, errCanceled
		}

		res, err := p.backend.Poll(ctx, handle)
		if err != nil {
			return nil, err
		}
		if res.Done {
			if res.Error != "" {
				return nil, fmt.Errorf("%s", res.Error)
			}
			return res.Images, nil
		}
		if res.Progress != lastProgress {
			lastProgress = res.Progress
			scaled := 0.1 + res.Progress*0.8
			_ = p.repo.UpdateStatus(ctx, jobID, jobrepo.UpdateStatusInput{Progress: &scaled})
			p.publish(ctx, jobID, StatusEvent{Type: "progress", Progress: scaled, Message: res.Message})
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timeout")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
		interval = backendclient.NextInterval(interval, p.cfg.Backend.PollIntervalBase, p.cfg.Backend.PollIntervalCap)
	}
}

func (p *Pool) transferArtifacts(ctx context.Context, jobID string, images []backendclient.ImageRef, width, height int) ([]job.Artifact, error) {
	artifacts := make([]job.Artifact, 0, len(images))
	for i, img := range images {
		art, err := p.backend.FetchArtifact(ctx, img, width, height)
		if err != nil {
			return nil, err
		}
		key := fmt.Sprintf("jobs/%s/image_%d.png", jobID, i)
		loc, err := p.objects.PutObject(ctx, key, art.Bytes, "image/png")
		if err != nil {
			return nil, err
		}
		url, err := p.objects.PresignGet(loc.Key, p.cfg.ObjectStore.ArtifactTTL)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, job.Artifact{URL: url, Width: art.Width, Height: art.Height})
	}
	return artifacts, nil
}

func (p *Pool) finalizeFailed(ctx context.Context, jobID string, started time.Time, message, errType string) {
	finished := time.Now().UTC()
	jobErr := &job.Error{Message: message, Type: errType}
	if err := p.repo.UpdateStatus(ctx, jobID, jobrepo.UpdateStatusInput{
		Status: job.StatusFailed, Error: jobErr, FinishedAt: &finished,
	}); err != nil {
		p.log.Error("finalize failed transition failed", obs.String("job_id", jobID), obs.Err(err))
	}
	obs.JobsFailed.Inc()
	obs.JobProcessingDuration.Observe(finished.Sub(started).Seconds())
	p.publish(ctx, jobID, StatusEvent{Type: "done", Status: string(job.StatusFailed), Error: jobErr})
}

func (p *Pool) finalizeCanceled(ctx context.Context, jobID string) {
	finished := time.Now().UTC()
	if err := p.repo.UpdateStatus(ctx, jobID, jobrepo.UpdateStatusInput{
		Status: job.StatusCanceled, FinishedAt: &finished,
	}); err != nil {
		p.log.Error("finalize canceled transition failed", obs.String("job_id", jobID), obs.Err(err))
	}
	obs.JobsCanceled.Inc()
	p.publish(ctx, jobID, StatusEvent{Type: "done", Status: string(job.StatusCanceled)})
}

func (p *Pool) publish(ctx context.Context, jobID string, ev StatusEvent) {
	b, err := marshalEvent(ev)
	if err != nil {
		return
	}
	_ = p.repo.PublishEvent(ctx, jobID, b)
}
