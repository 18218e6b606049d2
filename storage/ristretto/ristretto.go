// Package ristretto adapts dgraph-io/ristretto to storage.Storage.
//
// Ristretto applies writes through buffered channels and may refuse them under
// its admission policy. Every write here waits for the buffer to drain and then
// confirms the entry landed; a refused write surfaces as ErrRejected.
package ristretto

import (
	"context"
	"errors"
	"sync"
	"time"

	rc "github.com/dgraph-io/ristretto"

	"github.com/unkn0wn-root/atomiccache/storage"
)

// ErrRejected is returned when ristretto drops a write (admission policy or
// contention on its set buffer).
var ErrRejected = errors.New("ristretto: write rejected")

type Provider struct {
	c  *rc.Cache
	mu sync.Mutex // Add is get-then-set; serialize all writers
}

var _ storage.Storage = (*Provider)(nil)

type Config struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
	Metrics     bool
}

// DefaultConfig sizes the cache for roughly 100k entries and 64MiB of payload.
func DefaultConfig() Config {
	return Config{NumCounters: 1_000_000, MaxCost: 64 << 20, BufferItems: 64}
}

func New(cfg Config) (*Provider, error) {
	if cfg.NumCounters <= 0 || cfg.MaxCost <= 0 || cfg.BufferItems <= 0 {
		return nil, errors.New("ristretto: invalid config")
	}
	c, err := rc.NewCache(&rc.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
		Metrics:     cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	return &Provider{c: c}, nil
}

func (p *Provider) get(key string) ([]byte, bool) {
	v, ok := p.c.Get(key)
	if !ok {
		return nil, false
	}
	b, ok := v.([]byte)
	if !ok {
		// self-heal: drop unexpected entry shape
		p.c.Del(key)
		return nil, false
	}
	return b, true
}

// set must run under p.mu.
func (p *Provider) set(key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	b := append([]byte(nil), value...)
	cost := int64(len(b)) + int64(len(key))
	if !p.c.SetWithTTL(key, b, cost, ttl) {
		return ErrRejected
	}
	p.c.Wait()
	if _, ok := p.c.Get(key); !ok {
		return ErrRejected
	}
	return nil
}

func (p *Provider) Add(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := storage.CheckKey(key); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.get(key); ok {
		return false, nil
	}
	if err := p.set(key, value, ttl); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Provider) Read(_ context.Context, key string) ([]byte, bool, error) {
	if err := storage.CheckKey(key); err != nil {
		return nil, false, err
	}
	b, ok := p.get(key)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), b...), true, nil
}

func (p *Provider) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if err := storage.CheckKey(key); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.set(key, value, ttl)
}

func (p *Provider) Delete(_ context.Context, key string) error {
	if err := storage.CheckKey(key); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.c.Del(key)
	p.c.Wait()
	return nil
}

func (p *Provider) Close(_ context.Context) error {
	p.c.Wait()
	p.c.Close()
	return nil
}

// Metrics exposes ristretto's counters when Config.Metrics is set.
func (p *Provider) Metrics() *rc.Metrics { return p.c.Metrics }
