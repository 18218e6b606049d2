// Package bigcache adapts allegro/bigcache to storage.Storage.
//
// BigCache only knows a global LifeWindow, so each value is framed with its own
// expiry (internal/wire) and checked lazily on Read and Add. BigCache has no
// conditional write; Add is made atomic by an adapter-level mutex, which holds
// for every caller sharing this *Provider (BigCache is in-process only).
package bigcache

import (
	"context"
	"errors"
	"sync"
	"time"

	bc "github.com/allegro/bigcache/v3"

	"github.com/unkn0wn-root/atomiccache/internal/wire"
	"github.com/unkn0wn-root/atomiccache/storage"
)

const defaultLifeWindow = 24 * time.Hour

type Provider struct {
	c   *bc.BigCache
	mu  sync.Mutex // serializes writers so Add is check-then-set atomic
	now func() time.Time
}

var _ storage.Storage = (*Provider)(nil)

type Config struct {
	LifeWindow         time.Duration // upper bound on any entry's life; 0 => 24h
	CleanWindow        time.Duration
	MaxEntriesInWindow int
	MaxEntrySize       int
	HardMaxCacheSizeMB int // ~ memory limit; 0 = unlimited
	Shards             int // power of two; 0 => bigcache default

	Now func() time.Time // clock for per-entry TTLs; nil => time.Now
}

func New(cfg Config) (*Provider, error) {
	life := cfg.LifeWindow
	if life <= 0 {
		life = defaultLifeWindow
	}
	conf := bc.DefaultConfig(life)
	if cfg.CleanWindow > 0 {
		conf.CleanWindow = cfg.CleanWindow
	}
	if cfg.MaxEntriesInWindow > 0 {
		conf.MaxEntriesInWindow = cfg.MaxEntriesInWindow
	}
	if cfg.MaxEntrySize > 0 {
		conf.MaxEntrySize = cfg.MaxEntrySize
	}
	if cfg.HardMaxCacheSizeMB > 0 {
		conf.HardMaxCacheSize = cfg.HardMaxCacheSizeMB
	}
	if cfg.Shards > 0 {
		conf.Shards = cfg.Shards
	}
	c, err := bc.New(context.Background(), conf)
	if err != nil {
		return nil, err
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Provider{c: c, now: now}, nil
}

func (p *Provider) expiresAt(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return p.now().Add(ttl)
}

// get returns the live payload at key. Corrupt or expired frames report
// stale=true so callers can evict them.
func (p *Provider) get(key string) (payload []byte, ok, stale bool, err error) {
	raw, err := p.c.Get(key)
	if errors.Is(err, bc.ErrEntryNotFound) {
		return nil, false, false, nil
	}
	if err != nil {
		return nil, false, false, err
	}
	exp, payload, derr := wire.DecodeEntry(raw)
	if derr != nil || wire.Expired(exp, p.now()) {
		return nil, false, true, nil
	}
	return payload, true, false, nil
}

func (p *Provider) del(key string) error {
	err := p.c.Delete(key)
	if errors.Is(err, bc.ErrEntryNotFound) {
		return nil
	}
	return err
}

func (p *Provider) Add(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := storage.CheckKey(key); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok, _, err := p.get(key)
	if err != nil {
		return false, err
	}
	if ok {
		return false, nil
	}
	if err := p.c.Set(key, wire.EncodeEntry(p.expiresAt(ttl), value)); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Provider) Read(_ context.Context, key string) ([]byte, bool, error) {
	if err := storage.CheckKey(key); err != nil {
		return nil, false, err
	}
	v, ok, stale, err := p.get(key)
	if err != nil || ok || !stale {
		return v, ok, err
	}
	// evict under the writer lock, re-checking so a concurrent Add is not lost
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok, stale, err = p.get(key)
	if err != nil || ok {
		return v, ok, err
	}
	if stale {
		return nil, false, p.del(key)
	}
	return nil, false, nil
}

func (p *Provider) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if err := storage.CheckKey(key); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.c.Set(key, wire.EncodeEntry(p.expiresAt(ttl), value))
}

func (p *Provider) Delete(_ context.Context, key string) error {
	if err := storage.CheckKey(key); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.del(key)
}

func (p *Provider) Close(context.Context) error {
	return p.c.Close()
}
