// Copyright 2025 James Ross
package kv

import (
	"context"
	"errors"
	"time"

	"github.com/flyingrobots/comfyqueue/internal/apperr"
	"github.com/redis/go-redis/v9"
)

// Redis implements Store over a pooled go-redis v9 client, the same driver
// the rest of the module's Redis call sites use.
type Redis struct {
	rdb    *redis.Client
	prefix string
}

// New wraps rdb, namespacing every key under prefix (spec §3's `P`).
func New(rdb *redis.Client, prefix string) *Redis {
	return &Redis{rdb: rdb, prefix: prefix}
}

func (r *Redis) ns(key string) string {
	if r.prefix == "" {
		return key
	}
	return r.prefix + ":" + key
}

func wrap(err error) error {
	if err == nil || err == redis.Nil {
		return err
	}
	return apperr.Wrap(apperr.KindKVUnavailable, "kv store transport error", err)
}

func (r *Redis) HashSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	vals := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		vals[k] = v
	}
	return wrap(r.rdb.HSet(ctx, r.ns(key), vals).Err())
}

func (r *Redis) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := r.rdb.HGetAll(ctx, r.ns(key)).Result()
	if err != nil {
		return nil, wrap(err)
	}
	return m, nil
}

// setIfAbsentScript performs SETNX+EXPIRE atomically so a key never lands
// without its TTL, matching the idempotency mapping's semantics in §3.
var setIfAbsentScript = redis.NewScript(`
if redis.call('SETNX', KEYS[1], ARGV[1]) == 1 then
	if tonumber(ARGV[2]) > 0 then
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	return 1
end
return 0
`)

func (r *Redis) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	res, err := setIfAbsentScript.Run(ctx, r.rdb, []string{r.ns(key)}, value, ttl.Milliseconds()).Int()
	if err != nil {
		return false, wrap(err)
	}
	return res == 1, nil
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.rdb.Get(ctx, r.ns(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap(err)
	}
	return v, true, nil
}

// incrWithTTLScript increments a counter and sets its TTL only on the
// first hit in the window, so a racing second caller never resets the
// clock (spec §4.5's fixed-window algorithm).
var incrWithTTLScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

func (r *Redis) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	res, err := incrWithTTLScript.Run(ctx, r.rdb, []string{r.ns(key)}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, wrap(err)
	}
	return res, nil
}

func (r *Redis) SetAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return wrap(r.rdb.SAdd(ctx, r.ns(key), args...).Err())
}

func (r *Redis) SetRemove(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return wrap(r.rdb.SRem(ctx, r.ns(key), args...).Err())
}

func (r *Redis) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := r.rdb.SMembers(ctx, r.ns(key)).Result()
	if err != nil {
		return nil, wrap(err)
	}
	return members, nil
}

func (r *Redis) Publish(ctx context.Context, channel string, msg []byte) error {
	return wrap(r.rdb.Publish(ctx, r.ns(channel), msg).Err())
}

func (r *Redis) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := r.rdb.Subscribe(ctx, r.ns(channel))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, wrap(err)
	}
	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(m.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return &redisSubscription{pubsub: pubsub, out: out}, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	out    chan []byte
}

func (s *redisSubscription) Messages() <-chan []byte { return s.out }
func (s *redisSubscription) Close() error            { return s.pubsub.Close() }

func (r *Redis) QueuePush(ctx context.Context, queue string, payload string) error {
	return wrap(r.rdb.LPush(ctx, r.ns(queue), payload).Err())
}

func (r *Redis) QueuePopBlocking(ctx context.Context, queue string, timeout time.Duration) (string, bool, error) {
	res, err := r.rdb.BRPop(ctx, timeout, r.ns(queue)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap(err)
	}
	// BRPop returns [key, value].
	if len(res) < 2 {
		return "", false, nil
	}
	return res[1], true, nil
}

func (r *Redis) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := r.rdb.TTL(ctx, r.ns(key)).Result()
	if err != nil {
		return 0, wrap(err)
	}
	return d, nil
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.rdb.Exists(ctx, r.ns(key)).Result()
	if err != nil {
		return false, wrap(err)
	}
	return n > 0, nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return wrap(r.rdb.Del(ctx, r.ns(key)).Err())
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return wrap(r.rdb.Expire(ctx, r.ns(key), ttl).Err())
}
