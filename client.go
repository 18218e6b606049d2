package atomiccache

import (
	"context"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/unkn0wn-root/atomiccache/codec"
	"github.com/unkn0wn-root/atomiccache/keyspace"
	"github.com/unkn0wn-root/atomiccache/storage"
)

type client[V any] struct {
	store    storage.Storage
	km       KeyManager
	codec    codec.Codec[V]
	log      Logger
	metrics  Metrics
	defaults []FetchOption

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	rand  func(n time.Duration) time.Duration
}

var _ Client[struct{}] = (*client[struct{}])(nil)

func newClient[V any](opts Options[V]) (*client[V], error) {
	if opts.Storage == nil {
		return nil, ErrStorageRequired
	}
	if opts.KeyManager == nil {
		return nil, ErrKeyManagerRequired
	}
	if opts.Codec == nil {
		return nil, ErrCodecRequired
	}
	c := &client[V]{
		store:    opts.Storage,
		km:       opts.KeyManager,
		codec:    opts.Codec,
		log:      coalesce[Logger](opts.Logger, NopLogger{}),
		metrics:  coalesce[Metrics](opts.Metrics, NopMetrics{}),
		defaults: append([]FetchOption(nil), opts.Defaults...),
		now:      opts.Now,
		sleep:    sleepCtx,
		rand:     rand.N[time.Duration],
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

func (c *client[V]) KeyManager() KeyManager { return c.km }

func (c *client[V]) Fetch(ctx context.Context, ks *keyspace.Keyspace, gen Generator[V], opts ...FetchOption) (V, bool, error) {
	var zero V
	if ks == nil {
		return zero, false, ErrNilKeyspace
	}
	o := resolve(c.defaults, opts)
	tags := Tags{"keyspace": ks.Root()}

	key, established, err := c.km.CurrentKey(ctx, ks)
	if err != nil {
		return zero, false, &OpError{Op: "read", Key: ks.LastModTimeKey(), Err: err}
	}
	if established {
		v, ok, err := c.read(ctx, key, tags)
		if err != nil {
			return zero, false, err
		}
		if ok {
			c.metrics.Increment(MetricReadPresent, tags)
			c.log.Debug("cache hit", Fields{"keyspace": ks.Root(), "key": key})
			return v, true, nil
		}
	}
	c.metrics.Increment(MetricReadNotPresent, tags)
	c.log.Debug("cache miss", Fields{"keyspace": ks.Root(), "key": key, "lmt": established})

	if gen != nil {
		v, ok, done, err := c.generate(ctx, ks, gen, o, tags)
		if done {
			return v, ok, err
		}
	}

	if o.quickRetry > 0 {
		if err := c.sleep(ctx, o.quickRetry); err != nil {
			return zero, false, err
		}
		v, ok, err := c.readCurrent(ctx, ks, tags)
		if err != nil {
			return zero, false, err
		}
		if ok {
			c.metrics.Increment(MetricQuickRetryPresent, tags)
			return v, true, nil
		}
		c.metrics.Increment(MetricQuickRetryNotPresent, tags)
	}

	v, ok, err := c.lastKnownValue(ctx, ks, tags)
	if err != nil || ok {
		return v, ok, err
	}

	if established {
		start := c.now()
		v, ok, err := c.wait(ctx, ks, o, tags)
		c.metrics.Timing(TimingWaitRun, c.now().Sub(start), tags)
		return v, ok, err
	}

	c.metrics.Increment(MetricNoKeyGiveUp, tags)
	c.log.Warn("giving up: no value and no key to wait for", Fields{"keyspace": ks.Root()})
	return zero, false, nil
}

// generate runs gen under the keyspace lock. done=false means the lock is
// held by someone else and the caller should fall back.
func (c *client[V]) generate(ctx context.Context, ks *keyspace.Keyspace, gen Generator[V], o fetchOptions, tags Tags) (v V, ok, done bool, err error) {
	var zero V
	locked, err := c.km.Lock(ctx, ks, o.generateTTL)
	if err != nil {
		return zero, false, true, &OpError{Op: "lock", Key: ks.LockKey(), Err: err}
	}
	if !locked {
		c.metrics.Increment(MetricGenerateOtherThread, tags)
		c.log.Debug("generation in progress elsewhere", Fields{"keyspace": ks.Root()})
		return zero, false, false, nil
	}

	started := c.now()
	v, ok, err = gen(ctx)
	if err != nil {
		c.unlock(ctx, ks)
		c.metrics.Increment(MetricGenerateError, tags)
		c.log.Error("generator failed", Fields{"keyspace": ks.Root(), "err": err})
		return zero, false, true, &GenerateError{Keyspace: ks.Root(), Err: err}
	}
	if !ok {
		// let the next caller try right away instead of waiting out the TTL
		c.unlock(ctx, ks)
		c.metrics.Increment(MetricGenerateNil, tags)
		c.log.Warn("generator returned no value", Fields{"keyspace": ks.Root()})
		return zero, false, true, nil
	}

	b, err := c.codec.Encode(v)
	if err != nil {
		c.unlock(ctx, ks)
		return zero, false, true, &OpError{Op: "encode", Err: err}
	}
	next, err := c.km.NextKey(ks, started)
	if err != nil {
		c.unlock(ctx, ks)
		return zero, false, true, &OpError{Op: "store", Err: err}
	}
	// value first: the pointer must never name a key that was not written
	if err := c.store.Set(ctx, next, b, o.valueTTL); err != nil {
		c.unlock(ctx, ks)
		return zero, false, true, &OpError{Op: "store", Key: next, Err: err}
	}
	if err := c.km.Promote(ctx, ks, next, started); err != nil {
		c.unlock(ctx, ks)
		return zero, false, true, &OpError{Op: "promote", Key: next, Err: err}
	}

	// the value is discoverable now; holding the lock would only block a
	// regeneration after the next LMT move
	c.unlock(ctx, ks)
	c.metrics.Increment(MetricGenerateCurrentThread, tags)
	c.log.Debug("generated new value", Fields{"keyspace": ks.Root(), "key": next})
	return v, true, true, nil
}

func (c *client[V]) unlock(ctx context.Context, ks *keyspace.Keyspace) {
	// the lock TTL bounds the damage if this fails
	if err := c.km.Unlock(context.WithoutCancel(ctx), ks); err != nil {
		c.log.Warn("unlock failed", Fields{"keyspace": ks.Root(), "err": err})
	}
}

func (c *client[V]) lastKnownValue(ctx context.Context, ks *keyspace.Keyspace, tags Tags) (V, bool, error) {
	var zero V
	lkk, ok, err := c.km.LastKnownKey(ctx, ks)
	if err != nil {
		return zero, false, &OpError{Op: "lkk", Key: ks.LastKnownKeyKey(), Err: err}
	}
	if !ok {
		c.metrics.Increment(MetricLastKnownValueNotFound, tags)
		return zero, false, nil
	}
	v, ok, err := c.read(ctx, lkk, tags)
	if err != nil {
		return zero, false, err
	}
	if ok {
		c.metrics.Increment(MetricLastKnownValuePresent, tags)
		c.log.Debug("serving last known value", Fields{"keyspace": ks.Root(), "key": lkk})
		return v, true, nil
	}

	c.metrics.Increment(MetricLastKnownValueNil, tags)
	if err := c.km.DeleteLastKnownKey(ctx, ks); err != nil {
		c.log.Warn("failed to drop stale last known key", Fields{"keyspace": ks.Root(), "key": lkk, "err": err})
	}
	return zero, false, nil
}

func (c *client[V]) wait(ctx context.Context, ks *keyspace.Keyspace, o fetchOptions, tags Tags) (V, bool, error) {
	var zero V
	for attempt := 0; attempt < o.maxRetries; attempt++ {
		at := tags.with("attempt", strconv.Itoa(attempt))
		c.metrics.Increment(MetricWaitAttempt, at)

		d := o.backoff * time.Duration(attempt)
		if o.jitter > 0 {
			d += c.rand(o.jitter)
		}
		if err := c.sleep(ctx, d); err != nil {
			return zero, false, err
		}

		// LMT may have moved while we slept
		v, ok, err := c.readCurrent(ctx, ks, tags)
		if err != nil {
			return zero, false, err
		}
		if ok {
			c.metrics.Increment(MetricWaitPresent, at)
			return v, true, nil
		}
	}
	c.metrics.Increment(MetricWaitGiveUp, tags)
	c.log.Warn("giving up waiting for value", Fields{"keyspace": ks.Root(), "max_retries": o.maxRetries})
	return zero, false, nil
}

func (c *client[V]) readCurrent(ctx context.Context, ks *keyspace.Keyspace, tags Tags) (V, bool, error) {
	var zero V
	key, ok, err := c.km.CurrentKey(ctx, ks)
	if err != nil {
		return zero, false, &OpError{Op: "read", Key: ks.LastModTimeKey(), Err: err}
	}
	if !ok {
		return zero, false, nil
	}
	return c.read(ctx, key, tags)
}

// read loads and decodes key. Entries that fail to decode are deleted and
// reported as a miss.
func (c *client[V]) read(ctx context.Context, key string, tags Tags) (V, bool, error) {
	var zero V
	b, ok, err := c.store.Read(ctx, key)
	if err != nil {
		return zero, false, &OpError{Op: "read", Key: key, Err: err}
	}
	if !ok {
		return zero, false, nil
	}
	v, err := c.codec.Decode(b)
	if err != nil {
		c.metrics.Increment(MetricReadDecodeError, tags)
		c.log.Warn("dropping undecodable entry", Fields{"key": key, "err": err})
		if derr := c.store.Delete(ctx, key); derr != nil {
			c.log.Warn("self-heal delete failed", Fields{"key": key, "err": derr})
		}
		return zero, false, nil
	}
	return v, true, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
