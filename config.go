package atomiccache

import (
	"github.com/unkn0wn-root/atomiccache/keymanager"
	"github.com/unkn0wn-root/atomiccache/keyspace"
	"github.com/unkn0wn-root/atomiccache/storage"
	"github.com/unkn0wn-root/atomiccache/storage/memory"
)

// Config is the process-level wiring shared by a family of clients. Build one
// at startup and pass it down; tests construct a fresh one instead of
// resetting anything global.
type Config struct {
	KeyStorage   storage.Storage // LMT, LKK and locks
	CacheStorage storage.Storage // generated values
	Defaults     []FetchOption

	Namespace string // optional first segment of every keyspace built here
	Logger    Logger
	Metrics   Metrics
	Formatter keyspace.Formatter
	Separator string
}

// DefaultConfig keeps keys and values in one new in-process memory.Shared.
func DefaultConfig() Config {
	shared := memory.NewShared()
	return Config{
		KeyStorage:   shared,
		CacheStorage: shared,
		Logger:       NopLogger{},
		Metrics:      NopMetrics{},
		Formatter:    keyspace.FormatUnixFloat,
		Separator:    keyspace.DefaultSeparator,
	}
}

func (cfg Config) keyspaceOptions() []keyspace.Option {
	return []keyspace.Option{
		keyspace.WithSeparator(coalesce(cfg.Separator, keyspace.DefaultSeparator)),
		keyspace.WithFormatter(cfg.Formatter),
	}
}

// NewKeyspace builds [Namespace?, segments...] with the configured separator
// and formatter.
func (cfg Config) NewKeyspace(segments ...any) (*keyspace.Keyspace, error) {
	segs := make([]any, 0, len(segments)+1)
	if cfg.Namespace != "" {
		segs = append(segs, cfg.Namespace)
	}
	segs = append(segs, segments...)
	return keyspace.New(segs, cfg.keyspaceOptions()...)
}

// NewKeyManager builds a key manager over KeyStorage. opts are applied after
// the configured formatter.
func (cfg Config) NewKeyManager(opts ...keymanager.Option) (*keymanager.LastModTime, error) {
	if cfg.KeyStorage == nil {
		return nil, ErrStorageRequired
	}
	all := make([]keymanager.Option, 0, len(opts)+1)
	if cfg.Formatter != nil {
		all = append(all, keymanager.WithFormatter(cfg.Formatter))
	}
	all = append(all, opts...)
	return keymanager.New(cfg.KeyStorage, all...)
}

// NewClient builds a client over CacheStorage with a per-keyspace key manager.
func NewClient[V any](cfg Config, c Options[V]) (Client[V], error) {
	if c.Storage == nil {
		c.Storage = cfg.CacheStorage
	}
	if c.KeyManager == nil {
		km, err := cfg.NewKeyManager()
		if err != nil {
			return nil, err
		}
		c.KeyManager = km
	}
	c.Logger = coalesce(c.Logger, cfg.Logger)
	c.Metrics = coalesce(c.Metrics, cfg.Metrics)
	c.Defaults = append(append([]FetchOption(nil), cfg.Defaults...), c.Defaults...)
	return New(c)
}
