// Package atomiccache prevents cache stampedes: many concurrent callers share
// one freshly generated value per keyspace, and while that value is being
// regenerated they get the last known value or wait a bounded time for it.
//
// Components:
//   - keyspace.Keyspace: deterministic keys built from ordered segments.
//   - keymanager.LastModTime: versions a keyspace by its last-modified time
//     (LMT), owns the generation lock and the last-known-key (LKK) pointer.
//   - storage.Storage: byte store with an atomic Add (memory, Redis,
//     memcached, BigCache, Ristretto).
//   - codec.Codec[V]: (de)serializes V <-> []byte above the storage boundary.
//
// Keys (default ":" separator):
//
//	<ks>:<lmt>  - the current value
//	<ks>:lmt    - last-modified time
//	<ks>:lkk    - key of the most recently generated value
//	<ks>:lock   - generation lock (TTL bounded)
//
// Fetch protocol, in order:
//
//  1. read the current key (skipped when no LMT exists yet)
//  2. with a generator: take the lock and generate, store, promote
//  3. optional quick retry of the current key
//  4. fall back to the last known value
//  5. wait with linear backoff for another caller's value (only if an LMT exists)
//
// Expiring a keyspace is a single write: move its LMT.
//
//	ks, _ := cfg.NewKeyspace("report", id)
//	v, ok, err := client.Fetch(ctx, ks, func(ctx context.Context) (Report, bool, error) {
//		return build(ctx, id)
//	})
package atomiccache
