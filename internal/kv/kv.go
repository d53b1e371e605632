// Copyright 2025 James Ross

// Package kv is the typed adapter over the key/value store (spec §4.1).
// Every operation takes a context carrying deadline and cancellation, and
// every transport failure surfaces as apperr.KindKVUnavailable so callers
// never have to sniff driver-specific errors. Retry is deliberately not
// this package's concern; callers decide whether to retry.
package kv

import (
	"context"
	"time"
)

// Store is the interface the rest of the system programs against, so tests
// can substitute an in-memory fake (see Redis for the production
// implementation and memkv for the fake).
type Store interface {
	HashSet(ctx context.Context, key string, fields map[string]string) error
	HashGetAll(ctx context.Context, key string) (map[string]string, error)

	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, bool, error)
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)

	SetAdd(ctx context.Context, key string, members ...string) error
	SetRemove(ctx context.Context, key string, members ...string) error
	SetMembers(ctx context.Context, key string) ([]string, error)

	Publish(ctx context.Context, channel string, msg []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	QueuePush(ctx context.Context, queue string, payload string) error
	QueuePopBlocking(ctx context.Context, queue string, timeout time.Duration) (string, bool, error)

	TTL(ctx context.Context, key string) (time.Duration, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// Subscription is a live pub/sub stream. Callers range over Messages until
// the context is canceled, then must call Close.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}
