package memory

import (
	"context"
	"sync"
	"time"

	"github.com/unkn0wn-root/atomiccache/storage"
)

// Shared is one map serialized behind one mutex. Construct it once and pass
// the same *Shared to every client and key manager that must observe the same
// entries; there is no package-level instance.
type Shared struct {
	mu         sync.Mutex
	t          table
	enforceTTL bool
}

var _ storage.Storage = (*Shared)(nil)

func NewShared(opts ...Option) *Shared {
	o := buildOptions(opts)
	return &Shared{t: newTable(o.now), enforceTTL: true}
}

// SetEnforceTTL controls Add. When false, Add overwrites unconditionally and
// always reports success; useful to simulate a backend that lost a lock.
func (s *Shared) SetEnforceTTL(enforce bool) {
	s.mu.Lock()
	s.enforceTTL = enforce
	s.mu.Unlock()
}

func (s *Shared) Add(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := storage.CheckKey(key); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enforceTTL {
		s.t.write(key, value, ttl)
		return true, nil
	}
	return s.t.add(key, value, ttl), nil
}

func (s *Shared) Read(_ context.Context, key string) ([]byte, bool, error) {
	if err := storage.CheckKey(key); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.t.read(key)
	return v, ok, nil
}

func (s *Shared) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if err := storage.CheckKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.t.write(key, value, ttl)
	return nil
}

func (s *Shared) Delete(_ context.Context, key string) error {
	if err := storage.CheckKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.t.m, key)
	return nil
}

// Entry returns the raw entry at key without expiry checks.
func (s *Shared) Entry(key string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.t.m[key]
	return e, ok
}

// Len reports the number of stored entries, expired ones included.
func (s *Shared) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.t.m)
}

func (s *Shared) Reset() {
	s.mu.Lock()
	s.t.m = make(map[string]Entry)
	s.mu.Unlock()
}
