// Package redis adapts a go-redis client to storage.Storage.
// Add maps to SET NX, so lock acquisition is atomic across every process
// talking to the same Redis.
package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/atomiccache/storage"
)

var ErrNilClient = errors.New("redis storage: nil client")

type Redis struct {
	rdb         goredis.UniversalClient
	prefix      string
	timeout     time.Duration
	closeClient bool
}

var _ storage.Storage = (*Redis)(nil)

type Config struct {
	Client      goredis.UniversalClient
	CloseClient bool          // set true only if this storage exclusively owns the client
	Prefix      string        // optional; prepended as "<prefix>:" to every key
	Timeout     time.Duration // per-operation timeout; 0 => none beyond ctx
}

func New(cfg Config) (*Redis, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	return &Redis{
		rdb:         cfg.Client,
		prefix:      cfg.Prefix,
		timeout:     cfg.Timeout,
		closeClient: cfg.CloseClient,
	}, nil
}

func (r *Redis) key(k string) string {
	if r.prefix == "" {
		return k
	}
	return r.prefix + ":" + k
}

func (r *Redis) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.timeout)
}

func expiry(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 0 // no expiry
	}
	return ttl
}

func (r *Redis) Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := storage.CheckKey(key); err != nil {
		return false, err
	}
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	return r.rdb.SetNX(ctx, r.key(key), value, expiry(ttl)).Result()
}

func (r *Redis) Read(ctx context.Context, key string) ([]byte, bool, error) {
	if err := storage.CheckKey(key); err != nil {
		return nil, false, err
	}
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	b, err := r.rdb.Get(ctx, r.key(key)).Bytes()
	if err == goredis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := storage.CheckKey(key); err != nil {
		return err
	}
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	return r.rdb.Set(ctx, r.key(key), value, expiry(ttl)).Err()
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := storage.CheckKey(key); err != nil {
		return err
	}
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	return r.rdb.Del(ctx, r.key(key)).Err()
}

// Close releases the underlying client only when this storage owns it.
// Repeated calls are no-ops.
func (r *Redis) Close(context.Context) error {
	if r.closeClient {
		if err := r.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}
