// Package storage defines the byte store contract used by atomiccache.
//
// Every backend must supply one atomic primitive, Add (create-if-absent).
// The lock protocol relies on it: when two callers race to Add the same absent
// key, exactly one of them observes true.
//
// Implementations must be byte-for-byte transparent: Read returns exactly the
// []byte previously passed to Add or Set for the same key. Serialization happens
// above this boundary (see package codec).
//
// TTLs are per entry. A ttl <= 0 means "no expiration". Backends without native
// expiry must emulate it and treat an expired entry as absent on Read and Add.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidKey is returned by every backend when given an empty key, or a key
// the backend cannot represent.
var ErrInvalidKey = errors.New("storage: invalid key")

// Storage is the minimal store the key manager and client depend on.
// Must be safe for concurrent use.
type Storage interface {
	// Add writes value only if key is absent (or expired). Returns true iff this
	// call created the entry. A live entry is never overwritten.
	Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Read returns (value, true, nil) on hit and (nil, false, nil) on miss or
	// expiry. IO/remote failures return (nil, false, err).
	Read(ctx context.Context, key string) ([]byte, bool, error)

	// Set is an unconditional upsert.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// Closer is implemented by backends that hold resources.
type Closer interface {
	Close(ctx context.Context) error
}

// Close releases s if it implements Closer.
func Close(ctx context.Context, s Storage) error {
	if c, ok := s.(Closer); ok {
		return c.Close(ctx)
	}
	return nil
}

// CheckKey returns ErrInvalidKey for an empty key.
func CheckKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	return nil
}
