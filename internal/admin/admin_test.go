// Copyright 2025 James Ross
package admin

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/flyingrobots/comfyqueue/internal/config"
	"github.com/flyingrobots/comfyqueue/internal/job"
	"github.com/flyingrobots/comfyqueue/internal/queue"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*redis.Client, func()) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client, func() {
		client.Close()
		mr.Close()
	}
}

func testCfg() *config.Config {
	return &config.Config{Queue: config.Queue{Name: "generate", KeyPrefix: "cq"}}
}

func TestStatsReportsQueueDepthAndInProgress(t *testing.T) {
	rdb, cleanup := setupTestRedis(t)
	defer cleanup()
	ctx := context.Background()
	cfg := testCfg()

	require.NoError(t, rdb.LPush(ctx, "cq:queue:generate", "h1", "h2").Err())
	require.NoError(t, rdb.SAdd(ctx, "cq:jobs:inprogress", "j_1").Err())

	res, err := Stats(ctx, cfg, rdb)
	require.NoError(t, err)
	require.Equal(t, int64(2), res.QueueDepth)
	require.Equal(t, int64(1), res.InProgress)
}

func TestPeekReturnsNextHandles(t *testing.T) {
	rdb, cleanup := setupTestRedis(t)
	defer cleanup()
	ctx := context.Background()
	cfg := testCfg()

	require.NoError(t, rdb.LPush(ctx, "cq:queue:generate", "h1", "h2", "h3").Err())

	res, err := Peek(ctx, cfg, rdb, 2)
	require.NoError(t, err)
	require.Equal(t, "cq:queue:generate", res.Queue)
	require.Len(t, res.Items, 2)
}

func TestPurgeTerminalRefusesLiveJob(t *testing.T) {
	rdb, cleanup := setupTestRedis(t)
	defer cleanup()
	ctx := context.Background()
	cfg := testCfg()

	require.NoError(t, rdb.HSet(ctx, "cq:jobs:j_1", "status", "running").Err())
	err := PurgeTerminal(ctx, cfg, rdb, "j_1")
	require.Error(t, err)

	exists, err := rdb.Exists(ctx, "cq:jobs:j_1").Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), exists)
}

func TestPurgeTerminalDeletesTerminalJob(t *testing.T) {
	rdb, cleanup := setupTestRedis(t)
	defer cleanup()
	ctx := context.Background()
	cfg := testCfg()

	require.NoError(t, rdb.HSet(ctx, "cq:jobs:j_1", "status", "succeeded").Err())
	require.NoError(t, PurgeTerminal(ctx, cfg, rdb, "j_1"))

	exists, err := rdb.Exists(ctx, "cq:jobs:j_1").Result()
	require.NoError(t, err)
	require.Equal(t, int64(0), exists)
}

func TestPurgeTerminalUnknownJob(t *testing.T) {
	rdb, cleanup := setupTestRedis(t)
	defer cleanup()
	cfg := testCfg()

	err := PurgeTerminal(context.Background(), cfg, rdb, "j_nope")
	require.Error(t, err)
}

func TestBenchEnqueuesJobRecordsAndHandles(t *testing.T) {
	rdb, cleanup := setupTestRedis(t)
	defer cleanup()
	ctx := context.Background()
	cfg := testCfg()

	res, err := Bench(ctx, cfg, rdb, 5, 1000, 200*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, 5, res.Count)
	require.Equal(t, 0, res.Finished, "no worker is running, so nothing should reach a terminal state")

	depth, err := rdb.LLen(ctx, "cq:queue:generate").Result()
	require.NoError(t, err)
	require.Equal(t, int64(5), depth)

	handles, err := rdb.LRange(ctx, "cq:queue:generate", 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, handles, 5)
	h, err := queue.UnmarshalHandle(handles[0])
	require.NoError(t, err)
	require.NotEmpty(t, h.JobID)

	status, err := rdb.HGet(ctx, "cq:jobs:"+h.JobID, "status").Result()
	require.NoError(t, err)
	require.Equal(t, string(job.StatusQueued), status)
}

func TestBenchRejectsNonPositiveCount(t *testing.T) {
	rdb, cleanup := setupTestRedis(t)
	defer cleanup()
	cfg := testCfg()

	_, err := Bench(context.Background(), cfg, rdb, 0, 10, time.Second)
	require.Error(t, err)
}

func TestCountTerminalCountsFinishedBenchJobs(t *testing.T) {
	rdb, cleanup := setupTestRedis(t)
	defer cleanup()
	ctx := context.Background()
	cfg := testCfg()

	res, err := Bench(ctx, cfg, rdb, 3, 1000, 100*time.Millisecond)
	require.NoError(t, err)

	handles, err := rdb.LRange(ctx, "cq:queue:generate", 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, handles, 3)
	jobIDs := make([]string, 0, len(handles))
	for _, raw := range handles {
		h, err := queue.UnmarshalHandle(raw)
		require.NoError(t, err)
		require.NoError(t, rdb.HSet(ctx, "cq:jobs:"+h.JobID, "status", string(job.StatusSucceeded), "finished_at", time.Now().UTC().Format(time.RFC3339Nano)).Err())
		jobIDs = append(jobIDs, h.JobID)
	}

	n, err := countTerminal(ctx, cfg, rdb, jobIDs)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.GreaterOrEqual(t, res.Count, 3)
}
