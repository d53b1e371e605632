// Copyright 2025 James Ross
package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) (*Redis, func()) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, "test"), func() {
		client.Close()
		mr.Close()
	}
}

func TestSetIfAbsent(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	ok, err := store.SetIfAbsent(ctx, "idemp:a:k1", "job_1", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.SetIfAbsent(ctx, "idemp:a:k1", "job_2", time.Hour)
	require.NoError(t, err)
	require.False(t, ok)

	v, found, err := store.Get(ctx, "idemp:a:k1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "job_1", v)

	ttl, err := store.TTL(ctx, "idemp:a:k1")
	require.NoError(t, err)
	require.Greater(t, ttl, time.Duration(0))
}

func TestIncrWithTTL(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		n, err := store.IncrWithTTL(ctx, "rl:p:ep:w", time.Minute)
		require.NoError(t, err)
		require.Equal(t, i, n)
	}
	ttl, err := store.TTL(ctx, "rl:p:ep:w")
	require.NoError(t, err)
	require.Greater(t, ttl, time.Duration(0))
}

func TestSetOps(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, store.SetAdd(ctx, "jobs:inprogress", "j_1", "j_2"))
	members, err := store.SetMembers(ctx, "jobs:inprogress")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"j_1", "j_2"}, members)

	require.NoError(t, store.SetRemove(ctx, "jobs:inprogress", "j_1"))
	members, err = store.SetMembers(ctx, "jobs:inprogress")
	require.NoError(t, err)
	require.Equal(t, []string{"j_2"}, members)
}

func TestQueuePushPop(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, store.QueuePush(ctx, "queue:generate", "handle-1"))
	v, ok, err := store.QueuePopBlocking(ctx, "queue:generate", 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "handle-1", v)

	_, ok, err = store.QueuePopBlocking(ctx, "queue:generate", 50*time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPublishSubscribe(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	sub, err := store.Subscribe(ctx, "ws:jobs:j_1")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, store.Publish(ctx, "ws:jobs:j_1", []byte(`{"type":"status"}`)))

	select {
	case msg := <-sub.Messages():
		require.JSONEq(t, `{"type":"status"}`, string(msg))
	case <-ctx.Done():
		t.Fatal("timed out waiting for published message")
	}
}

func TestHashSetGetAll(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, store.HashSet(ctx, "jobs:j_1", map[string]string{"status": "queued", "progress": "0"}))
	m, err := store.HashGetAll(ctx, "jobs:j_1")
	require.NoError(t, err)
	require.Equal(t, "queued", m["status"])
}
