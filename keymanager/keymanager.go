// Package keymanager versions keyspaces by their last-modified time (LMT).
//
// Every generated value lives at <keyspace>:<formatted LMT>. Bumping the LMT
// makes the current key point somewhere new without deleting old entries; the
// last-known-key (LKK) pointer keeps the previous value reachable as a
// fallback until it expires.
//
// Keys (with the default ":" separator):
//
//	<ks>:lmt   - last-modified time (per keyspace, or one per manager root)
//	<ks>:lkk   - key of the most recently generated value
//	<ks>:lock  - generation lock, created with Storage.Add
package keymanager

import (
	"context"
	"errors"
	"time"

	"github.com/unkn0wn-root/atomiccache/keyspace"
	"github.com/unkn0wn-root/atomiccache/storage"
)

// LockValue is the sentinel stored under a lock key.
const LockValue = "1"

var ErrStorageRequired = errors.New("keymanager: storage is required")

// LastModTime keeps LMT, LKK and lock state in a single key storage.
// Safe for concurrent use when the storage is.
type LastModTime struct {
	store  storage.Storage
	root   *keyspace.Keyspace // nil => each keyspace carries its own LMT
	format keyspace.Formatter // nil => the keyspace's formatter
}

type Option func(*LastModTime)

// WithKeyspace stores a single LMT at ks.LastModTimeKey() that versions every
// keyspace handed to the manager. Use it when one invalidation should expire a
// whole family of keyspaces (a type, a tenant).
func WithKeyspace(ks *keyspace.Keyspace) Option {
	return func(m *LastModTime) { m.root = ks }
}

func WithFormatter(f keyspace.Formatter) Option {
	return func(m *LastModTime) { m.format = f }
}

func New(store storage.Storage, opts ...Option) (*LastModTime, error) {
	if store == nil {
		return nil, ErrStorageRequired
	}
	m := &LastModTime{store: store}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

func (m *LastModTime) formatter(ks *keyspace.Keyspace) keyspace.Formatter {
	if m.format != nil {
		return m.format
	}
	if m.root != nil {
		return m.root.Formatter()
	}
	return ks.Formatter()
}

// LastModifiedTimeKey is where the LMT governing ks is stored.
func (m *LastModTime) LastModifiedTimeKey(ks *keyspace.Keyspace) string {
	if m.root != nil {
		return m.root.LastModTimeKey()
	}
	return ks.LastModTimeKey()
}

// CurrentKey derives ks suffixed by the current LMT. ok is false when no LMT
// has been established; key is then the bare keyspace key.
func (m *LastModTime) CurrentKey(ctx context.Context, ks *keyspace.Keyspace) (string, bool, error) {
	lmt, ok, err := m.LastModifiedTime(ctx, ks)
	if err != nil || !ok {
		return ks.Key(""), false, err
	}
	return ks.Key(lmt), true, nil
}

// NextKey derives ks suffixed by ts (time.Time, string or number).
func (m *LastModTime) NextKey(ks *keyspace.Keyspace, ts any) (string, error) {
	s, err := keyspace.FormatTimestamp(m.formatter(ks), ts)
	if err != nil {
		return "", err
	}
	return ks.Key(s), nil
}

// Lock creates the lock entry for ks. false means another caller holds it.
func (m *LastModTime) Lock(ctx context.Context, ks *keyspace.Keyspace, ttl time.Duration) (bool, error) {
	return m.store.Add(ctx, ks.LockKey(), []byte(LockValue), ttl)
}

func (m *LastModTime) Unlock(ctx context.Context, ks *keyspace.Keyspace) error {
	return m.store.Delete(ctx, ks.LockKey())
}

// Promote publishes a freshly generated value: the LKK pointer is written
// first, then the LMT. The two writes are not atomic as a pair.
func (m *LastModTime) Promote(ctx context.Context, ks *keyspace.Keyspace, lastKnownKey string, ts any) error {
	lmt, err := keyspace.FormatTimestamp(m.formatter(ks), ts)
	if err != nil {
		return err
	}
	if err := m.store.Set(ctx, ks.LastKnownKeyKey(), []byte(lastKnownKey), 0); err != nil {
		return err
	}
	return m.store.Set(ctx, m.LastModifiedTimeKey(ks), []byte(lmt), 0)
}

func (m *LastModTime) LastKnownKey(ctx context.Context, ks *keyspace.Keyspace) (string, bool, error) {
	return m.readString(ctx, ks.LastKnownKeyKey())
}

// DeleteLastKnownKey drops a pointer whose target has gone away.
func (m *LastModTime) DeleteLastKnownKey(ctx context.Context, ks *keyspace.Keyspace) error {
	return m.store.Delete(ctx, ks.LastKnownKeyKey())
}

func (m *LastModTime) LastModifiedTime(ctx context.Context, ks *keyspace.Keyspace) (string, bool, error) {
	return m.readString(ctx, m.LastModifiedTimeKey(ks))
}

// SetLastModifiedTime moves the LMT for ks. Times are formatted; strings and
// numbers are stored as given.
func (m *LastModTime) SetLastModifiedTime(ctx context.Context, ks *keyspace.Keyspace, ts any) error {
	s, err := keyspace.FormatTimestamp(m.formatter(ks), ts)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, m.LastModifiedTimeKey(ks), []byte(s), 0)
}

func (m *LastModTime) readString(ctx context.Context, key string) (string, bool, error) {
	b, ok, err := m.store.Read(ctx, key)
	if err != nil || !ok {
		return "", false, err
	}
	return string(b), true, nil
}
