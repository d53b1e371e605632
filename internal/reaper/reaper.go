// Copyright 2025 James Ross

// Package reaper implements the recovery loop of spec §4.9: at worker
// startup, reconcile every job_id still marked in-progress whose owning
// worker crashed. It's grounded on the teacher's original worker-crash
// scanner (internal/reaper), replacing its heartbeat-key/processing-list
// scan with a single pass over jobrepo's in-progress set, since this
// architecture tracks ownership with that one set rather than
// per-worker processing lists.
package reaper

import (
	"context"
	"time"

	"github.com/flyingrobots/comfyqueue/internal/config"
	"github.com/flyingrobots/comfyqueue/internal/job"
	"github.com/flyingrobots/comfyqueue/internal/jobrepo"
	"github.com/flyingrobots/comfyqueue/internal/obs"
	"go.uber.org/zap"
)

// Reaper reconciles jobrepo's in-progress set against stale/orphaned
// records.
type Reaper struct {
	cfg   config.Config
	repo  *jobrepo.Repo
	log   *zap.Logger
}

// New returns a Reaper backed by repo.
func New(cfg config.Config, repo *jobrepo.Repo, log *zap.Logger) *Reaper {
	return &Reaper{cfg: cfg, repo: repo, log: log}
}

// Sweep runs one recovery pass, per §4.9's algorithm, and returns the
// number of jobs reaped.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	ids, err := r.repo.ListInProgress(ctx)
	if err != nil {
		return 0, err
	}

	reaped := 0
	now := time.Now().UTC()
	deadline := r.cfg.Queue.JobTimeout() + r.cfg.Recovery.DeadlineGrace

	for _, jobID := range ids {
		rec, err := r.repo.Read(ctx, jobID)
		if err != nil {
			r.log.Warn("reaper read failed", obs.String("job_id", jobID), obs.Err(err))
			continue
		}
		if rec == nil {
			r.reclaim(ctx, jobID)
			reaped++
			continue
		}
		if !rec.Status.InProgress() {
			r.reclaim(ctx, jobID)
			reaped++
			continue
		}
		if rec.StartedAt == nil {
			continue
		}
		age := now.Sub(*rec.StartedAt)
		if age <= deadline {
			continue
		}

		ageSeconds := int64(age.Seconds())
		jobErr := &job.Error{
			Message:    "worker crashed or timed out",
			Type:       "timeout",
			AgeSeconds: ageSeconds,
		}
		finished := now
		if err := r.repo.UpdateStatus(ctx, jobID, jobrepo.UpdateStatusInput{
			Status: job.StatusFailed, Error: jobErr, FinishedAt: &finished,
		}); err != nil {
			r.log.Warn("reaper finalize failed", obs.String("job_id", jobID), obs.Err(err))
			continue
		}
		if err := r.repo.UnmarkOwnerActive(ctx, rec.OwnerToken, jobID); err != nil {
			r.log.Warn("reaper unmark owner active failed", obs.String("job_id", jobID), obs.Err(err))
		}
		r.reclaim(ctx, jobID)
		obs.JobsFailed.Inc()
		reaped++
	}

	if reaped > 0 {
		r.log.Warn("recovery pass reaped stale jobs", obs.Int("count", reaped))
	}
	obs.JobsReaped.Add(float64(reaped))
	return reaped, nil
}

func (r *Reaper) reclaim(ctx context.Context, jobID string) {
	if err := r.repo.UnmarkInProgress(ctx, jobID); err != nil {
		r.log.Warn("reaper unmark in-progress failed", obs.String("job_id", jobID), obs.Err(err))
	}
}
