// Copyright 2025 James Ross

// Package admin implements the operational CLI's Redis-facing commands:
// queue/in-progress stats, a raw queue peek, and purging a terminal job
// record. It talks to Redis directly rather than through kv.Store because
// these are operator inspection commands, not lifecycle-engine operations
// bound by the Store interface's retry-free contract. Grounded on the
// teacher's internal/admin/admin.go, retargeted from its priority-queue
// stats/DLQ purge shape to this system's single work queue and job-record
// keyspace.
package admin

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/flyingrobots/comfyqueue/internal/config"
	"github.com/flyingrobots/comfyqueue/internal/job"
	"github.com/flyingrobots/comfyqueue/internal/queue"
	"github.com/redis/go-redis/v9"
)

func ns(cfg *config.Config, key string) string {
	if cfg.Queue.KeyPrefix == "" {
		return key
	}
	return cfg.Queue.KeyPrefix + ":" + key
}

// StatsResult summarizes queue depth and worker ownership at a point in time.
type StatsResult struct {
	QueueDepth int64 `json:"queue_depth"`
	InProgress int64 `json:"in_progress"`
}

// Stats reports the work queue's current length and the size of the
// in-progress set (spec §5's backpressure metric, surfaced for operators
// since the core has no admission control on queue depth).
func Stats(ctx context.Context, cfg *config.Config, rdb *redis.Client) (StatsResult, error) {
	depth, err := rdb.LLen(ctx, ns(cfg, "queue:"+cfg.Queue.Name)).Result()
	if err != nil {
		return StatsResult{}, err
	}
	inProgress, err := rdb.SCard(ctx, ns(cfg, "jobs:inprogress")).Result()
	if err != nil {
		return StatsResult{}, err
	}
	return StatsResult{QueueDepth: depth, InProgress: inProgress}, nil
}

// PeekResult lists the next n handles due to be popped from the queue,
// without consuming them.
type PeekResult struct {
	Queue string   `json:"queue"`
	Items []string `json:"items"`
}

// Peek returns the next n queued handles (oldest-dequeued-first) without
// removing them; the queue is a Redis list pushed with LPUSH and popped
// from the tail, so the items about to be served sit at the list's tail.
func Peek(ctx context.Context, cfg *config.Config, rdb *redis.Client, n int64) (PeekResult, error) {
	if n <= 0 {
		n = 10
	}
	key := ns(cfg, "queue:"+cfg.Queue.Name)
	items, err := rdb.LRange(ctx, key, -n, -1).Result()
	if err != nil {
		return PeekResult{}, err
	}
	return PeekResult{Queue: key, Items: items}, nil
}

// PurgeTerminal deletes a job record's hash key, provided its status is
// terminal; it refuses to purge a live (queued/running/canceling) record so
// an operator can't accidentally erase a job a worker still owns.
func PurgeTerminal(ctx context.Context, cfg *config.Config, rdb *redis.Client, jobID string) error {
	key := ns(cfg, "jobs:"+jobID)
	status, err := rdb.HGet(ctx, key, "status").Result()
	if err == redis.Nil {
		return fmt.Errorf("job %s not found", jobID)
	}
	if err != nil {
		return err
	}
	switch status {
	case "succeeded", "failed", "canceled":
	default:
		return fmt.Errorf("refusing to purge job %s: status %q is not terminal", jobID, status)
	}
	return rdb.Del(ctx, key).Err()
}

// BenchResult summarizes one synthetic-load run: how long it took to drain,
// and how job record age (queued_at to finished_at) was distributed across
// the jobs that reached a terminal state before timeout.
type BenchResult struct {
	Count      int           `json:"count"`
	Finished   int           `json:"finished"`
	Duration   time.Duration `json:"duration"`
	Throughput float64       `json:"throughput_jobs_per_sec"`
	P50        time.Duration `json:"p50_latency"`
	P95        time.Duration `json:"p95_latency"`
}

// bench uses the "bench" owner token so load-generated records can be told
// apart from a real tenant's jobs by owner_token. Bench writes no
// idempotency binding and adds its records to no owner set.
const benchOwnerToken = "bench"

// Bench pushes count synthetic job records onto the work queue at rate
// jobs/sec, using the same hash-field schema jobrepo.Repo writes
// (jobrepo/codec.go's encode) and the same queue.Handle wire shape
// handleSubmit pushes, so a running worker pool drains them exactly like
// real submissions. It then polls each job_id's status until the set
// reaches a terminal state or timeout elapses, reporting throughput and
// queued-to-finished latency percentiles — the teacher's admin Bench,
// retargeted from file-copy jobs pulled off a priority queue to
// generation jobs pulled off this system's single work queue.
func Bench(ctx context.Context, cfg *config.Config, rdb *redis.Client, count int, rate int, timeout time.Duration) (BenchResult, error) {
	res := BenchResult{Count: count}
	if count <= 0 {
		return res, fmt.Errorf("count must be > 0")
	}
	if rate <= 0 {
		rate = 50
	}

	queueKey := ns(cfg, "queue:"+cfg.Queue.Name)
	jobIDs := make([]string, 0, count)

	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()
	start := time.Now()
	for i := 0; i < count; i++ {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-ticker.C:
		}

		jobID, err := job.NewID()
		if err != nil {
			return res, err
		}
		now := time.Now().UTC()
		paramsJSON := fmt.Sprintf(`{"prompt":"bench load test %d","width":512,"height":512,"num_images":1}`, i)
		fields := map[string]interface{}{
			"job_id":           jobID,
			"status":           string(job.StatusQueued),
			"progress":         "0",
			"owner_token":      benchOwnerToken,
			"idempotency_key":  fmt.Sprintf("bench-%s-%d", jobID, i),
			"params_json":      paramsJSON,
			"queued_at":        now.Format(time.RFC3339Nano),
			"protocol_version": "v1",
		}
		if err := rdb.HSet(ctx, ns(cfg, "jobs:"+jobID), fields).Err(); err != nil {
			return res, err
		}

		handle := queue.NewHandle(jobID, "")
		payload, err := handle.Marshal()
		if err != nil {
			return res, err
		}
		if err := rdb.LPush(ctx, queueKey, payload).Err(); err != nil {
			return res, err
		}
		jobIDs = append(jobIDs, jobID)
	}

	doneBy := time.Now().Add(timeout)
	for time.Now().Before(doneBy) {
		n, err := countTerminal(ctx, cfg, rdb, jobIDs)
		if err == nil && n >= count {
			break
		}
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	res.Duration = time.Since(start)
	if res.Duration > 0 {
		res.Throughput = float64(count) / res.Duration.Seconds()
	}

	lats := make([]float64, 0, len(jobIDs))
	now := time.Now()
	for _, id := range jobIDs {
		fields, err := rdb.HMGet(ctx, ns(cfg, "jobs:"+id), "status", "queued_at", "finished_at").Result()
		if err != nil || len(fields) != 3 {
			continue
		}
		status, _ := fields[0].(string)
		if !job.Status(status).Terminal() {
			continue
		}
		res.Finished++
		queuedAt, _ := fields[1].(string)
		finishedAt, _ := fields[2].(string)
		queuedT, err1 := time.Parse(time.RFC3339Nano, queuedAt)
		if err1 != nil {
			continue
		}
		end := now
		if finishedAt != "" {
			if t, err2 := time.Parse(time.RFC3339Nano, finishedAt); err2 == nil {
				end = t
			}
		}
		lats = append(lats, end.Sub(queuedT).Seconds())
	}
	if len(lats) > 0 {
		sort.Float64s(lats)
		res.P50 = time.Duration(lats[int(math.Round(0.50*float64(len(lats)-1)))] * float64(time.Second))
		res.P95 = time.Duration(lats[int(math.Round(0.95*float64(len(lats)-1)))] * float64(time.Second))
	}
	return res, nil
}

// countTerminal reports how many of jobIDs currently hold a terminal status.
func countTerminal(ctx context.Context, cfg *config.Config, rdb *redis.Client, jobIDs []string) (int, error) {
	n := 0
	for _, id := range jobIDs {
		status, err := rdb.HGet(ctx, ns(cfg, "jobs:"+id), "status").Result()
		if err != nil {
			continue
		}
		if job.Status(status).Terminal() {
			n++
		}
	}
	return n, nil
}
