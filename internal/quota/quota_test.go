// Copyright 2025 James Ross
package quota

import (
	"context"
	"testing"
	"time"

	"github.com/flyingrobots/comfyqueue/internal/apperr"
	"github.com/flyingrobots/comfyqueue/internal/kv"
	"github.com/stretchr/testify/require"
)

func TestLimiterAllowsUnderLimit(t *testing.T) {
	l := NewLimiter(kv.NewMem(), time.Minute)
	ctx := context.Background()

	for i := 1; i <= 20; i++ {
		d, err := l.Allow(ctx, "pro-user", "submit", 20)
		require.NoError(t, err)
		require.True(t, d.Allowed, "request %d should be allowed", i)
		require.Equal(t, 20-i, d.Remaining)
	}
}

func TestLimiterRejects21st(t *testing.T) {
	l := NewLimiter(kv.NewMem(), time.Minute)
	ctx := context.Background()

	var last Decision
	for i := 1; i <= 21; i++ {
		d, err := l.Allow(ctx, "pro-user", "submit", 20)
		require.NoError(t, err)
		last = d
		if i <= 20 {
			require.True(t, d.Allowed)
		}
	}
	require.False(t, last.Allowed)
	require.Equal(t, 0, last.Remaining)
	require.LessOrEqual(t, last.RetryAfter, time.Minute)
	require.Greater(t, last.RetryAfter, time.Duration(0))
}

func TestTokenBucketAllowsUpToBurstThenRejects(t *testing.T) {
	l := NewTokenBucketLimiter(kv.NewMem(), time.Minute)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		d, err := l.Allow(ctx, "pro-user", "submit", 5)
		require.NoError(t, err)
		require.True(t, d.Allowed, "request %d should be allowed", i)
	}

	d, err := l.Allow(ctx, "pro-user", "submit", 5)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Greater(t, d.RetryAfter, time.Duration(0))
}

func TestTokenBucketIsScopedPerEndpoint(t *testing.T) {
	l := NewTokenBucketLimiter(kv.NewMem(), time.Minute)
	ctx := context.Background()

	d, err := l.Allow(ctx, "user", "submit", 1)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = l.Allow(ctx, "user", "cancel", 1)
	require.NoError(t, err)
	require.True(t, d.Allowed, "a different endpoint bucket must not be drained by submit")
}

func TestCheckDailyQuota(t *testing.T) {
	c := NewChecker(kv.NewMem())
	ctx := context.Background()

	for i := 1; i <= 10; i++ {
		require.NoError(t, c.CheckDaily(ctx, "free-user", 10))
	}
	err := c.CheckDaily(ctx, "free-user", 10)
	require.Error(t, err)
	require.Equal(t, apperr.KindQuotaExceeded, apperr.KindOf(err))
}

func TestCheckConcurrentQuota(t *testing.T) {
	c := NewChecker(kv.NewMem())
	require.NoError(t, c.CheckConcurrent(0, 1))
	err := c.CheckConcurrent(1, 1)
	require.Error(t, err)
	require.Equal(t, apperr.KindQuotaExceeded, apperr.KindOf(err))
}
