package atomiccache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/unkn0wn-root/atomiccache/codec"
	"github.com/unkn0wn-root/atomiccache/keymanager"
	"github.com/unkn0wn-root/atomiccache/keyspace"
	"github.com/unkn0wn-root/atomiccache/storage"
)

// Registry hands out one Scope per logical owner (a type, a table, a report
// kind). Hold it for the life of the process and pass it to whoever caches.
type Registry struct {
	cfg Config

	mu     sync.Mutex
	scopes map[string]*Scope
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, scopes: make(map[string]*Scope)}
}

func (r *Registry) Config() Config { return r.cfg }

// Scope owns the default keyspace [Namespace?, name, "v<version>"?] rooted at
// name, and a key manager whose single LMT versions every keyspace derived
// from it. ExpireCache therefore expires all of them at once.
type Scope struct {
	name     string
	ks       *keyspace.Keyspace
	km       *keymanager.LastModTime
	cache    storage.Storage
	cfg      Config
	defaults []FetchOption
}

type scopeOptions struct {
	version    int
	keyStore   storage.Storage
	cacheStore storage.Storage
}

type ScopeOption func(*scopeOptions)

// WithVersion adds a "v<n>" segment; bump it when the cached shape changes.
func WithVersion(v int) ScopeOption { return func(o *scopeOptions) { o.version = v } }

func WithScopeKeyStorage(s storage.Storage) ScopeOption {
	return func(o *scopeOptions) { o.keyStore = s }
}

func WithScopeCacheStorage(s storage.Storage) ScopeOption {
	return func(o *scopeOptions) { o.cacheStore = s }
}

// Scope returns the scope for name, building it on first use. Options only
// apply on that first call.
func (r *Registry) Scope(name string, opts ...ScopeOption) (*Scope, error) {
	if name == "" {
		return nil, fmt.Errorf("atomiccache: scope name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.scopes[name]; ok {
		return s, nil
	}

	var so scopeOptions
	for _, o := range opts {
		o(&so)
	}
	cfg := r.cfg
	cfg.KeyStorage = coalesce(so.keyStore, cfg.KeyStorage)
	cfg.CacheStorage = coalesce(so.cacheStore, cfg.CacheStorage)
	if cfg.KeyStorage == nil || cfg.CacheStorage == nil {
		return nil, ErrStorageRequired
	}

	segs := make([]any, 0, 3)
	if cfg.Namespace != "" {
		segs = append(segs, cfg.Namespace)
	}
	segs = append(segs, name)
	if so.version != 0 {
		segs = append(segs, fmt.Sprintf("v%d", so.version))
	}
	ks, err := keyspace.New(segs, append(cfg.keyspaceOptions(), keyspace.WithRoot(name))...)
	if err != nil {
		return nil, err
	}
	km, err := cfg.NewKeyManager(keymanager.WithKeyspace(ks))
	if err != nil {
		return nil, err
	}
	s := &Scope{name: name, ks: ks, km: km, cache: cfg.CacheStorage, cfg: cfg, defaults: cfg.Defaults}
	r.scopes[name] = s
	return s, nil
}

func (s *Scope) Name() string { return s.name }

// Root is the scope's default keyspace.
func (s *Scope) Root() *keyspace.Keyspace { return s.ks }

func (s *Scope) KeyManager() *keymanager.LastModTime { return s.km }

// Keyspace derives a child of the default keyspace.
func (s *Scope) Keyspace(segments ...any) (*keyspace.Keyspace, error) {
	return s.ks.Child(segments...)
}

// ExpireCache moves the scope's LMT to at, so every keyspace in the scope
// regenerates on next fetch. Zero at means now.
func (s *Scope) ExpireCache(ctx context.Context, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	return s.km.SetLastModifiedTime(ctx, s.ks, at)
}

func (s *Scope) LastModifiedTime(ctx context.Context) (string, bool, error) {
	return s.km.LastModifiedTime(ctx, s.ks)
}

// NewScopedClient builds a client over the scope's storage and key manager.
func NewScopedClient[V any](s *Scope, c codec.Codec[V], defaults ...FetchOption) (Client[V], error) {
	return New(Options[V]{
		Storage:    s.cache,
		KeyManager: s.km,
		Codec:      c,
		Logger:     s.cfg.Logger,
		Metrics:    s.cfg.Metrics,
		Defaults:   append(append([]FetchOption(nil), s.defaults...), defaults...),
	})
}
