// Copyright 2025 James Ross
package kv

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// Mem is an in-memory Store used by unit tests in place of Redis, per the
// design note that KV adapter methods should be interfaces so tests can
// substitute a fake implementation.
type Mem struct {
	mu        sync.Mutex
	strings   map[string]memEntry
	hashes    map[string]map[string]string
	sets      map[string]map[string]struct{}
	queues    map[string][]string
	subs      map[string][]chan []byte
	popSignal map[string]chan struct{}
}

type memEntry struct {
	value   string
	expires time.Time
	hasTTL  bool
}

// NewMem returns an empty in-memory store.
func NewMem() *Mem {
	return &Mem{
		strings:   map[string]memEntry{},
		hashes:    map[string]map[string]string{},
		sets:      map[string]map[string]struct{}{},
		queues:    map[string][]string{},
		subs:      map[string][]chan []byte{},
		popSignal: map[string]chan struct{}{},
	}
}

func (m *Mem) expired(e memEntry) bool {
	return e.hasTTL && time.Now().After(e.expires)
}

func (m *Mem) HashSet(_ context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		h = map[string]string{}
		m.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (m *Mem) HashGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.hashes[key]
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out, nil
}

func (m *Mem) SetIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.strings[key]; ok && !m.expired(e) {
		return false, nil
	}
	m.set(key, value, ttl)
	return true, nil
}

func (m *Mem) set(key, value string, ttl time.Duration) {
	e := memEntry{value: value}
	if ttl > 0 {
		e.hasTTL = true
		e.expires = time.Now().Add(ttl)
	}
	m.strings[key] = e
}

func (m *Mem) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.strings[key]
	if !ok || m.expired(e) {
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *Mem) IncrWithTTL(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.strings[key]
	if !ok || m.expired(e) {
		e = memEntry{value: "0"}
		if ttl > 0 {
			e.hasTTL = true
			e.expires = time.Now().Add(ttl)
		}
	}
	var n int64
	for _, c := range e.value {
		n = n*10 + int64(c-'0')
	}
	n++
	e.value = strconv.FormatInt(n, 10)
	m.strings[key] = e
	return n, nil
}

func (m *Mem) SetAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[key]
	if !ok {
		s = map[string]struct{}{}
		m.sets[key] = s
	}
	for _, mem := range members {
		s[mem] = struct{}{}
	}
	return nil
}

func (m *Mem) SetRemove(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[key]
	if !ok {
		return nil
	}
	for _, mem := range members {
		delete(s, mem)
	}
	return nil
}

func (m *Mem) SetMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sets[key]
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	return out, nil
}

func (m *Mem) Publish(_ context.Context, channel string, msg []byte) error {
	m.mu.Lock()
	subs := append([]chan []byte{}, m.subs[channel]...)
	m.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

func (m *Mem) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ch := make(chan []byte, 32)
	m.mu.Lock()
	m.subs[channel] = append(m.subs[channel], ch)
	m.mu.Unlock()
	return &memSubscription{mem: m, channel: channel, ch: ch}, nil
}

type memSubscription struct {
	mem     *Mem
	channel string
	ch      chan []byte
}

func (s *memSubscription) Messages() <-chan []byte { return s.ch }

func (s *memSubscription) Close() error {
	s.mem.mu.Lock()
	defer s.mem.mu.Unlock()
	subs := s.mem.subs[s.channel]
	for i, c := range subs {
		if c == s.ch {
			s.mem.subs[s.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

func (m *Mem) QueuePush(_ context.Context, queue string, payload string) error {
	m.mu.Lock()
	m.queues[queue] = append(m.queues[queue], payload)
	sig := m.popSignal[queue]
	m.mu.Unlock()
	if sig != nil {
		select {
		case sig <- struct{}{}:
		default:
		}
	}
	return nil
}

func (m *Mem) QueuePopBlocking(ctx context.Context, queue string, timeout time.Duration) (string, bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		m.mu.Lock()
		q := m.queues[queue]
		if len(q) > 0 {
			v := q[0]
			m.queues[queue] = q[1:]
			m.mu.Unlock()
			return v, true, nil
		}
		if _, ok := m.popSignal[queue]; !ok {
			m.popSignal[queue] = make(chan struct{}, 1)
		}
		sig := m.popSignal[queue]
		m.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", false, nil
		}
		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-sig:
			continue
		case <-time.After(remaining):
			return "", false, nil
		}
	}
}

func (m *Mem) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.strings[key]
	if !ok || m.expired(e) || !e.hasTTL {
		return 0, nil
	}
	return time.Until(e.expires), nil
}

func (m *Mem) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.strings[key]; ok && !m.expired(e) {
		return true, nil
	}
	if h, ok := m.hashes[key]; ok && len(h) > 0 {
		return true, nil
	}
	return false, nil
}

func (m *Mem) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.strings, key)
	delete(m.hashes, key)
	delete(m.sets, key)
	return nil
}

func (m *Mem) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.strings[key]; ok {
		e.hasTTL = true
		e.expires = time.Now().Add(ttl)
		m.strings[key] = e
	}
	// Hash/set TTL isn't tracked by the fake; tests assert on values, not
	// expiry timing, for hash-backed job records.
	return nil
}
