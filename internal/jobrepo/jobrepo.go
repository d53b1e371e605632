// Copyright 2025 James Ross

// Package jobrepo is the job repository (spec §4.4): create/read/update job
// records, the idempotency mapping, and in-progress tracking, all layered
// over the kv.Store adapter so the record shape and transition rules live
// in one place instead of being re-derived at every call site.
package jobrepo

import (
	"context"
	"fmt"
	"time"

	"github.com/flyingrobots/comfyqueue/internal/apperr"
	"github.com/flyingrobots/comfyqueue/internal/job"
	"github.com/flyingrobots/comfyqueue/internal/kv"
)

const inProgressSetKey = "jobs:inprogress"

// Repo is the job repository, backed by a kv.Store.
type Repo struct {
	store kv.Store
	ttl   time.Duration
}

// New returns a Repo whose records carry the given TTL (refreshed on every
// transition per §3).
func New(store kv.Store, ttl time.Duration) *Repo {
	return &Repo{store: store, ttl: ttl}
}

func jobKey(jobID string) string { return fmt.Sprintf("jobs:%s", jobID) }

func cancelFlagKey(jobID string) string { return fmt.Sprintf("jobs:%s:cancel", jobID) }

func ownerJobsKey(ownerToken string) string { return fmt.Sprintf("jobs:owner:%s", ownerToken) }

func idempKey(ownerToken, key string) string { return fmt.Sprintf("idemp:%s:%s", ownerToken, key) }

// Create writes a freshly queued job record, atomic per job_id because
// job_id is generated by the caller and is globally unique by construction.
func (r *Repo) Create(ctx context.Context, rec job.Record) error {
	fields, err := encode(rec)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "encode job record", err)
	}
	if err := r.store.HashSet(ctx, jobKey(rec.JobID), fields); err != nil {
		return err
	}
	if err := r.store.SetAdd(ctx, ownerJobsKey(rec.OwnerToken), rec.JobID); err != nil {
		return err
	}
	if err := r.store.Expire(ctx, ownerJobsKey(rec.OwnerToken), 24*time.Hour); err != nil {
		return err
	}
	return r.refreshTTL(ctx, rec.JobID)
}

// refreshTTL re-arms the record's TTL; HSET doesn't reset a Redis hash's
// own TTL, so every write path calls this explicitly.
func (r *Repo) refreshTTL(ctx context.Context, jobID string) error {
	return r.store.Expire(ctx, jobKey(jobID), r.ttl)
}

// Read loads the record for jobID, returning (nil, nil) if it doesn't exist
// (expired or never created).
func (r *Repo) Read(ctx context.Context, jobID string) (*job.Record, error) {
	fields, err := r.store.HashGetAll(ctx, jobKey(jobID))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	rec, err := decode(fields)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "decode job record", err)
	}
	return &rec, nil
}

// UpdateStatusInput carries the fields an execution transition may set;
// zero-value / nil fields are left untouched (last-writer-wins at field
// granularity per §4.4).
type UpdateStatusInput struct {
	Status     job.Status
	Progress   *float64
	Result     *job.Result
	Error      *job.Error
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// UpdateStatus applies a transition to jobID's record.
func (r *Repo) UpdateStatus(ctx context.Context, jobID string, in UpdateStatusInput) error {
	fields := map[string]string{}
	if in.Status != "" {
		fields["status"] = string(in.Status)
	}
	if in.Progress != nil {
		fields["progress"] = formatFloat(*in.Progress)
	}
	if in.Result != nil {
		b, err := marshalResult(*in.Result)
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, "encode result", err)
		}
		fields["result_json"] = b
	}
	if in.Error != nil {
		b, err := marshalError(*in.Error)
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, "encode error", err)
		}
		fields["error_json"] = b
	}
	if in.StartedAt != nil {
		fields["started_at"] = in.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	if in.FinishedAt != nil {
		fields["finished_at"] = in.FinishedAt.UTC().Format(time.RFC3339Nano)
	}
	if err := r.store.HashSet(ctx, jobKey(jobID), fields); err != nil {
		return err
	}
	return r.refreshTTL(ctx, jobID)
}

// TryBindIdempotency binds (ownerToken, key) to jobID if unbound, or returns
// the job_id already bound to that pair without mutating anything (§4.4).
func (r *Repo) TryBindIdempotency(ctx context.Context, ownerToken, key, jobID string) (string, error) {
	ok, err := r.store.SetIfAbsent(ctx, idempKey(ownerToken, key), jobID, 24*time.Hour)
	if err != nil {
		return "", err
	}
	if ok {
		return "", nil
	}
	existing, found, err := r.store.Get(ctx, idempKey(ownerToken, key))
	if err != nil {
		return "", err
	}
	if !found {
		// Raced with an expiry between SETNX and GET; treat as unbound.
		return "", nil
	}
	return existing, nil
}

// MarkInProgress adds jobID to the in-progress set (§3's invariant 2).
func (r *Repo) MarkInProgress(ctx context.Context, jobID string) error {
	return r.store.SetAdd(ctx, inProgressSetKey, jobID)
}

// UnmarkInProgress removes jobID from the in-progress set. Callers must
// call this on every terminal transition, guaranteed via defer.
func (r *Repo) UnmarkInProgress(ctx context.Context, jobID string) error {
	return r.store.SetRemove(ctx, inProgressSetKey, jobID)
}

// ListInProgress returns every job_id currently marked in-progress.
func (r *Repo) ListInProgress(ctx context.Context) ([]string, error) {
	return r.store.SetMembers(ctx, inProgressSetKey)
}

// SetCancelFlag sets the 1-hour cancel flag C7 polls between ticks (§3).
func (r *Repo) SetCancelFlag(ctx context.Context, jobID string) error {
	_, err := r.store.SetIfAbsent(ctx, cancelFlagKey(jobID), "1", time.Hour)
	return err
}

// CancelRequested reports whether the cancel flag is present.
func (r *Repo) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	return r.store.Exists(ctx, cancelFlagKey(jobID))
}

// PublishEvent publishes a progress-channel frame for jobID (§3).
func (r *Repo) PublishEvent(ctx context.Context, jobID string, msg []byte) error {
	return r.store.Publish(ctx, fmt.Sprintf("ws:jobs:%s", jobID), msg)
}

// SubscribeEvents subscribes to jobID's progress channel (§4.8).
func (r *Repo) SubscribeEvents(ctx context.Context, jobID string) (kv.Subscription, error) {
	return r.store.Subscribe(ctx, fmt.Sprintf("ws:jobs:%s", jobID))
}

func ownerActiveKey(ownerToken string) string {
	return fmt.Sprintf("quota:concurrent:%s", ownerToken)
}

// MarkOwnerActive records jobID as one of ownerToken's live jobs (any of
// queued/running/canceling), backing the concurrent-job quota in §4.5.
func (r *Repo) MarkOwnerActive(ctx context.Context, ownerToken, jobID string) error {
	return r.store.SetAdd(ctx, ownerActiveKey(ownerToken), jobID)
}

// UnmarkOwnerActive removes jobID from ownerToken's live set on any
// terminal transition.
func (r *Repo) UnmarkOwnerActive(ctx context.Context, ownerToken, jobID string) error {
	return r.store.SetRemove(ctx, ownerActiveKey(ownerToken), jobID)
}

// ListOwnerJobs returns every job_id ever created by ownerToken still
// resolvable within its 24h record TTL, backing the principal-scoped
// listing in §4.6.
func (r *Repo) ListOwnerJobs(ctx context.Context, ownerToken string) ([]string, error) {
	return r.store.SetMembers(ctx, ownerJobsKey(ownerToken))
}

// CountOwnerActive returns ownerToken's current count of live jobs.
func (r *Repo) CountOwnerActive(ctx context.Context, ownerToken string) (int, error) {
	members, err := r.store.SetMembers(ctx, ownerActiveKey(ownerToken))
	if err != nil {
		return 0, err
	}
	return len(members), nil
}
