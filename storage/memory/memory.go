// Package memory provides in-process reference backends for storage.Storage.
//
// Instance keeps a map private to one value; construct one per client that
// should not share state. Shared is meant to be constructed once and handed to
// every client that should see the same entries; all of its operations are
// serialized through a single mutex.
//
// Expiry is lazy: an entry whose TTL has elapsed since it was written is
// evicted when Read or Add observes it. There is no background sweep.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/unkn0wn-root/atomiccache/storage"
)

// Entry is the stored representation of a value.
type Entry struct {
	Value     []byte
	TTL       time.Duration // 0 => no expiry
	WrittenAt time.Time
}

func (e Entry) expired(now time.Time) bool {
	return e.TTL > 0 && now.Sub(e.WrittenAt) >= e.TTL
}

type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides time.Now. Tests use it to simulate TTL expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// table is the unsynchronized map shared by both backends. Callers hold the lock.
type table struct {
	m   map[string]Entry
	now func() time.Time
}

func newTable(now func() time.Time) table {
	return table{m: make(map[string]Entry), now: now}
}

// live returns the entry at key, evicting it if expired.
func (t *table) live(key string) (Entry, bool) {
	e, ok := t.m[key]
	if !ok {
		return Entry{}, false
	}
	if e.expired(t.now()) {
		delete(t.m, key)
		return Entry{}, false
	}
	return e, true
}

func (t *table) write(key string, value []byte, ttl time.Duration) {
	if ttl < 0 {
		ttl = 0
	}
	var b []byte
	if value != nil {
		b = make([]byte, len(value))
		copy(b, value)
	}
	t.m[key] = Entry{Value: b, TTL: ttl, WrittenAt: t.now()}
}

func (t *table) add(key string, value []byte, ttl time.Duration) bool {
	if _, ok := t.live(key); ok {
		return false
	}
	t.write(key, value, ttl)
	return true
}

func (t *table) read(key string) ([]byte, bool) {
	e, ok := t.live(key)
	if !ok {
		return nil, false
	}
	return e.Value, true
}

// Instance is a private in-memory store.
type Instance struct {
	mu sync.Mutex
	t  table
}

var _ storage.Storage = (*Instance)(nil)

func NewInstance(opts ...Option) *Instance {
	o := buildOptions(opts)
	return &Instance{t: newTable(o.now)}
}

func (s *Instance) Add(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := storage.CheckKey(key); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t.add(key, value, ttl), nil
}

func (s *Instance) Read(_ context.Context, key string) ([]byte, bool, error) {
	if err := storage.CheckKey(key); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.t.read(key)
	return v, ok, nil
}

func (s *Instance) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if err := storage.CheckKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	s.t.write(key, value, ttl)
	s.mu.Unlock()
	return nil
}

func (s *Instance) Delete(_ context.Context, key string) error {
	if err := storage.CheckKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.t.m, key)
	s.mu.Unlock()
	return nil
}

// Entry returns the raw entry at key without expiry checks.
func (s *Instance) Entry(key string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.t.m[key]
	return e, ok
}

// Reset drops every entry.
func (s *Instance) Reset() {
	s.mu.Lock()
	s.t.m = make(map[string]Entry)
	s.mu.Unlock()
}
