// Package memcache adapts a memcached client to storage.Storage.
//
// Add maps to the memcached "add" command, which the server executes
// atomically. TTLs are translated to memcached expirations: whole seconds,
// rounded up, and absolute unix time when longer than 30 days.
package memcache

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	mc "github.com/bradfitz/gomemcache/memcache"

	"github.com/unkn0wn-root/atomiccache/storage"
)

// Client is the subset of *memcache.Client this adapter uses.
type Client interface {
	Add(item *mc.Item) error
	Get(key string) (*mc.Item, error)
	Set(item *mc.Item) error
	Delete(key string) error
}

var _ Client = (*mc.Client)(nil)

// maxRelative is the longest expiration memcached interprets as relative.
const maxRelative = 30 * 24 * time.Hour

const maxKeyLength = 250

type Memcache struct {
	c   Client
	now func() time.Time
}

var _ storage.Storage = (*Memcache)(nil)

type Option func(*Memcache)

// WithClock overrides time.Now for absolute expirations.
func WithClock(now func() time.Time) Option {
	return func(m *Memcache) { m.now = now }
}

func New(c Client, opts ...Option) (*Memcache, error) {
	if c == nil {
		return nil, errors.New("memcache storage: nil client")
	}
	m := &Memcache{c: c, now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// Dial is a convenience for New(memcache.New(servers...)).
func Dial(servers ...string) (*Memcache, error) {
	return New(mc.New(servers...))
}

func checkKey(key string) error {
	if len(key) == 0 || len(key) > maxKeyLength {
		return storage.ErrInvalidKey
	}
	for i := 0; i < len(key); i++ {
		if key[i] <= ' ' || key[i] == 0x7f {
			return fmt.Errorf("%w: %q", storage.ErrInvalidKey, key)
		}
	}
	return nil
}

func (m *Memcache) expiration(ttl time.Duration) int32 {
	if ttl <= 0 {
		return 0
	}
	secs := int64(ttl / time.Second)
	if ttl%time.Second != 0 {
		secs++
	}
	if secs <= int64(maxRelative/time.Second) {
		return int32(secs)
	}
	// memcached stores absolute expirations as a 32-bit unix time
	at := m.now().Unix() + secs
	if at > math.MaxInt32 || at < 0 {
		return math.MaxInt32
	}
	return int32(at)
}

func translate(err error) error {
	if errors.Is(err, mc.ErrMalformedKey) {
		return fmt.Errorf("%w: %v", storage.ErrInvalidKey, err)
	}
	return err
}

func (m *Memcache) Add(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	err := m.c.Add(&mc.Item{Key: key, Value: value, Expiration: m.expiration(ttl)})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, mc.ErrNotStored):
		return false, nil
	default:
		return false, translate(err)
	}
}

func (m *Memcache) Read(_ context.Context, key string) ([]byte, bool, error) {
	if err := checkKey(key); err != nil {
		return nil, false, err
	}
	it, err := m.c.Get(key)
	if errors.Is(err, mc.ErrCacheMiss) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, translate(err)
	}
	return it.Value, true, nil
}

func (m *Memcache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if err := checkKey(key); err != nil {
		return err
	}
	return translate(m.c.Set(&mc.Item{Key: key, Value: value, Expiration: m.expiration(ttl)}))
}

func (m *Memcache) Delete(_ context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	err := m.c.Delete(key)
	if errors.Is(err, mc.ErrCacheMiss) {
		return nil
	}
	return translate(err)
}
