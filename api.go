package atomiccache

import (
	"context"
	"time"

	"github.com/unkn0wn-root/atomiccache/codec"
	"github.com/unkn0wn-root/atomiccache/keyspace"
	"github.com/unkn0wn-root/atomiccache/storage"
)

// Generator produces a fresh value. ok=false means "nothing to publish this
// round": the lock is released and Fetch returns no value. A non-nil error is
// returned to the caller wrapped in *GenerateError.
type Generator[V any] func(ctx context.Context) (v V, ok bool, err error)

// Client is the stampede-safe read path for one value type.
type Client[V any] interface {
	// Fetch returns the value for ks, generating it with gen (may be nil)
	// when the current version is missing and no one else is generating.
	// ok=false with a nil error means no value could be produced or found
	// in time; that is a normal outcome under contention.
	Fetch(ctx context.Context, ks *keyspace.Keyspace, gen Generator[V], opts ...FetchOption) (v V, ok bool, err error)

	KeyManager() KeyManager
}

// KeyManager versions keyspaces and guards generation.
// keymanager.LastModTime is the standard implementation.
type KeyManager interface {
	CurrentKey(ctx context.Context, ks *keyspace.Keyspace) (key string, ok bool, err error)
	NextKey(ks *keyspace.Keyspace, ts any) (string, error)
	Lock(ctx context.Context, ks *keyspace.Keyspace, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, ks *keyspace.Keyspace) error
	Promote(ctx context.Context, ks *keyspace.Keyspace, lastKnownKey string, ts any) error
	LastKnownKey(ctx context.Context, ks *keyspace.Keyspace) (string, bool, error)
	DeleteLastKnownKey(ctx context.Context, ks *keyspace.Keyspace) error
}

// Options configure a Client. Storage, KeyManager and Codec are required.
type Options[V any] struct {
	// Required
	Storage    storage.Storage // where generated values live
	KeyManager KeyManager      // usually keymanager.New(keyStorage)
	Codec      codec.Codec[V]

	Logger   Logger        // if nil, NopLogger is used
	Metrics  Metrics       // if nil, NopMetrics is used
	Defaults []FetchOption // applied before per-call options

	// Now is the generation timestamp source; nil => time.Now.
	Now func() time.Time
}

func New[V any](opts Options[V]) (Client[V], error) {
	return newClient(opts)
}
