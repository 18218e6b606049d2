package atomiccache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/unkn0wn-root/atomiccache/codec"
	"github.com/unkn0wn-root/atomiccache/keymanager"
	"github.com/unkn0wn-root/atomiccache/keyspace"
	"github.com/unkn0wn-root/atomiccache/storage"
	"github.com/unkn0wn-root/atomiccache/storage/memory"
)

var genTime = time.Unix(1513720308, 0)

type recMetrics struct {
	mu     sync.Mutex
	counts map[string]int
	tags   map[string][]Tags
	timing map[string]int
	spent  map[string]time.Duration
}

func newRecMetrics() *recMetrics {
	return &recMetrics{counts: map[string]int{}, tags: map[string][]Tags{}, timing: map[string]int{}, spent: map[string]time.Duration{}}
}

func (m *recMetrics) Increment(name string, tags Tags) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[name]++
	m.tags[name] = append(m.tags[name], tags)
}

func (m *recMetrics) Timing(name string, d time.Duration, _ Tags) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timing[name]++
	m.spent[name] += d
}

func (m *recMetrics) count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[name]
}

type failingStore struct{ err error }

func (f failingStore) Add(context.Context, string, []byte, time.Duration) (bool, error) {
	return false, f.err
}
func (f failingStore) Read(context.Context, string) ([]byte, bool, error) { return nil, false, f.err }
func (f failingStore) Set(context.Context, string, []byte, time.Duration) error {
	return f.err
}
func (f failingStore) Delete(context.Context, string) error { return f.err }

type fixture struct {
	store   *memory.Instance
	km      *keymanager.LastModTime
	metrics *recMetrics
	ks      *keyspace.Keyspace
	c       *client[string]
	sleeps  []time.Duration
	onSleep func(n int)
}

func newFixture(t *testing.T, defaults ...FetchOption) *fixture {
	t.Helper()
	f := &fixture{store: memory.NewInstance(), metrics: newRecMetrics()}
	km, err := keymanager.New(f.store)
	if err != nil {
		t.Fatal(err)
	}
	f.km = km
	f.ks = keyspace.MustNew([]any{"ns"})
	c, err := newClient(Options[string]{
		Storage:    f.store,
		KeyManager: km,
		Codec:      codec.String{},
		Metrics:    f.metrics,
		Defaults:   defaults,
		Now:        func() time.Time { return genTime },
	})
	if err != nil {
		t.Fatal(err)
	}
	c.sleep = func(ctx context.Context, d time.Duration) error {
		f.sleeps = append(f.sleeps, d)
		if f.onSleep != nil {
			f.onSleep(len(f.sleeps))
		}
		return ctx.Err()
	}
	c.rand = func(time.Duration) time.Duration { return 0 }
	f.c = c
	return f
}

func (f *fixture) put(t *testing.T, key, value string) {
	t.Helper()
	if err := f.store.Set(context.Background(), key, []byte(value), 0); err != nil {
		t.Fatal(err)
	}
}

func counting(calls *int, v string, ok bool) Generator[string] {
	return func(context.Context) (string, bool, error) {
		*calls++
		return v, ok, nil
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	store := memory.NewInstance()
	km, _ := keymanager.New(store)

	if _, err := New(Options[string]{KeyManager: km, Codec: codec.String{}}); !errors.Is(err, ErrStorageRequired) {
		t.Fatalf("storage: %v", err)
	}
	if _, err := New(Options[string]{Storage: store, Codec: codec.String{}}); !errors.Is(err, ErrKeyManagerRequired) {
		t.Fatalf("key manager: %v", err)
	}
	if _, err := New(Options[string]{Storage: store, KeyManager: km}); !errors.Is(err, ErrCodecRequired) {
		t.Fatalf("codec: %v", err)
	}
}

func TestFetchWithoutGeneratorOnEmptyBackend(t *testing.T) {
	f := newFixture(t)

	v, ok, err := f.c.Fetch(context.Background(), f.ks, nil)
	if err != nil || ok || v != "" {
		t.Fatalf("Fetch = %q ok=%v err=%v", v, ok, err)
	}
	if f.metrics.count(MetricNoKeyGiveUp) != 1 {
		t.Fatalf("no-key.give-up not emitted: %v", f.metrics.counts)
	}
	if len(f.sleeps) != 0 {
		t.Fatalf("slept without an LMT: %v", f.sleeps)
	}
}

func TestFetchGeneratesOnceThenReads(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	calls := 0

	v, ok, err := f.c.Fetch(ctx, f.ks, counting(&calls, "value", true))
	if err != nil || !ok || v != "value" {
		t.Fatalf("first Fetch = %q ok=%v err=%v", v, ok, err)
	}
	if calls != 1 {
		t.Fatalf("generator calls = %d", calls)
	}

	if got, _, _ := f.store.Read(ctx, "ns:1513720308"); string(got) != "value" {
		t.Fatalf("value not stored at versioned key: %q", got)
	}
	if got, _, _ := f.store.Read(ctx, "ns:lkk"); string(got) != "ns:1513720308" {
		t.Fatalf("lkk = %q", got)
	}
	if got, _, _ := f.store.Read(ctx, "ns:lmt"); string(got) != "1513720308" {
		t.Fatalf("lmt = %q", got)
	}

	v, ok, err = f.c.Fetch(ctx, f.ks, nil)
	if err != nil || !ok || v != "value" {
		t.Fatalf("second Fetch = %q ok=%v err=%v", v, ok, err)
	}
	if f.metrics.count(MetricGenerateCurrentThread) != 1 || f.metrics.count(MetricReadPresent) != 1 {
		t.Fatalf("metrics = %v", f.metrics.counts)
	}
	if tags := f.metrics.tags[MetricReadPresent][0]; tags["keyspace"] != "ns" {
		t.Fatalf("tags = %v", tags)
	}
}

func TestGeneratorNoValueReleasesLock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	calls := 0

	v, ok, err := f.c.Fetch(ctx, f.ks, counting(&calls, "", false))
	if err != nil || ok || v != "" {
		t.Fatalf("Fetch = %q ok=%v err=%v", v, ok, err)
	}
	if _, held := f.store.Entry("ns:lock"); held {
		t.Fatalf("lock still held after no-value generation")
	}
	if f.metrics.count(MetricGenerateNil) != 1 {
		t.Fatalf("generate.nil not emitted")
	}

	if _, ok, _ := f.c.Fetch(ctx, f.ks, counting(&calls, "second", true)); !ok || calls != 2 {
		t.Fatalf("immediate retry did not generate: ok=%v calls=%d", ok, calls)
	}
}

func TestNoValueSkipsFallback(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.put(t, "ns:old", "stale")
	_ = f.km.Promote(ctx, f.ks, "ns:old", "100")
	_ = f.km.SetLastModifiedTime(ctx, f.ks, "200")

	calls := 0
	if _, ok, _ := f.c.Fetch(ctx, f.ks, counting(&calls, "", false)); ok {
		t.Fatalf("no-value generation fell back to last known value")
	}
}

func TestLockedServesLastKnownValue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.put(t, "ns:100", "stale")
	_ = f.km.Promote(ctx, f.ks, "ns:100", "100")
	_ = f.km.SetLastModifiedTime(ctx, f.ks, "200")
	if ok, _ := f.km.Lock(ctx, f.ks, time.Minute); !ok {
		t.Fatal("could not take lock")
	}

	calls := 0
	for _, gen := range []Generator[string]{nil, counting(&calls, "fresh", true)} {
		v, ok, err := f.c.Fetch(ctx, f.ks, gen)
		if err != nil || !ok || v != "stale" {
			t.Fatalf("Fetch = %q ok=%v err=%v", v, ok, err)
		}
	}
	if calls != 0 {
		t.Fatalf("generator ran while locked")
	}
	if len(f.sleeps) != 0 {
		t.Fatalf("blocked despite last known value: %v", f.sleeps)
	}
	if f.metrics.count(MetricGenerateOtherThread) != 1 || f.metrics.count(MetricLastKnownValuePresent) != 2 {
		t.Fatalf("metrics = %v", f.metrics.counts)
	}
}

func TestLockedWithoutFallbackWaitsThenGivesUp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithMaxRetries(3), WithBackoff(50*time.Millisecond))
	_ = f.km.SetLastModifiedTime(ctx, f.ks, "200")
	_, _ = f.km.Lock(ctx, f.ks, time.Minute)

	calls := 0
	v, ok, err := f.c.Fetch(ctx, f.ks, counting(&calls, "x", true))
	if err != nil || ok || v != "" {
		t.Fatalf("Fetch = %q ok=%v err=%v", v, ok, err)
	}
	want := []time.Duration{0, 50 * time.Millisecond, 100 * time.Millisecond}
	if len(f.sleeps) != len(want) {
		t.Fatalf("sleeps = %v want %v", f.sleeps, want)
	}
	for i := range want {
		if f.sleeps[i] != want[i] {
			t.Fatalf("sleeps = %v want %v", f.sleeps, want)
		}
	}
	if f.metrics.count(MetricWaitAttempt) != 3 || f.metrics.count(MetricWaitGiveUp) != 1 {
		t.Fatalf("metrics = %v", f.metrics.counts)
	}
	if got := f.metrics.tags[MetricWaitAttempt][2]["attempt"]; got != "2" {
		t.Fatalf("attempt tag = %q", got)
	}
	if f.metrics.timing[TimingWaitRun] != 1 {
		t.Fatalf("wait.run not timed")
	}
}

func TestJitterIsAddedToWaits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithMaxRetries(2), WithBackoff(10*time.Millisecond))
	f.c.rand = func(n time.Duration) time.Duration {
		if n != DefaultJitter {
			t.Fatalf("jitter bound = %v", n)
		}
		return 3 * time.Millisecond
	}
	_ = f.km.SetLastModifiedTime(ctx, f.ks, "200")

	_, _, _ = f.c.Fetch(ctx, f.ks, nil)
	if len(f.sleeps) != 2 || f.sleeps[0] != 3*time.Millisecond || f.sleeps[1] != 13*time.Millisecond {
		t.Fatalf("sleeps = %v", f.sleeps)
	}
}

func TestWaitRederivesCurrentKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithMaxRetries(5))
	_ = f.km.SetLastModifiedTime(ctx, f.ks, "200")
	_, _ = f.km.Lock(ctx, f.ks, time.Minute)

	// another party publishes a new version during the second wait
	f.onSleep = func(n int) {
		if n == 2 {
			f.put(t, "ns:300", "published")
			_ = f.km.SetLastModifiedTime(ctx, f.ks, "300")
		}
	}
	v, ok, err := f.c.Fetch(ctx, f.ks, nil)
	if err != nil || !ok || v != "published" {
		t.Fatalf("Fetch = %q ok=%v err=%v", v, ok, err)
	}
	if len(f.sleeps) != 2 || f.metrics.count(MetricWaitPresent) != 1 {
		t.Fatalf("sleeps=%v metrics=%v", f.sleeps, f.metrics.counts)
	}
}

func TestQuickRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithQuickRetry(20*time.Millisecond))
	_ = f.km.SetLastModifiedTime(ctx, f.ks, "200")
	_, _ = f.km.Lock(ctx, f.ks, time.Minute)
	f.onSleep = func(int) { f.put(t, "ns:200", "landed") }

	v, ok, err := f.c.Fetch(ctx, f.ks, nil)
	if err != nil || !ok || v != "landed" {
		t.Fatalf("Fetch = %q ok=%v err=%v", v, ok, err)
	}
	if len(f.sleeps) != 1 || f.sleeps[0] != 20*time.Millisecond {
		t.Fatalf("sleeps = %v", f.sleeps)
	}
	if f.metrics.count(MetricQuickRetryPresent) != 1 || f.metrics.count(MetricLastKnownValueNotFound) != 0 {
		t.Fatalf("metrics = %v", f.metrics.counts)
	}
}

func TestDanglingLastKnownKeyIsDropped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_ = f.km.Promote(ctx, f.ks, "ns:gone", "100")
	_ = f.store.Delete(ctx, "ns:lmt")

	if _, ok, err := f.c.Fetch(ctx, f.ks, nil); err != nil || ok {
		t.Fatalf("Fetch ok=%v err=%v", ok, err)
	}
	if _, ok, _ := f.km.LastKnownKey(ctx, f.ks); ok {
		t.Fatalf("dangling pointer not deleted")
	}
	if f.metrics.count(MetricLastKnownValueNil) != 1 {
		t.Fatalf("metrics = %v", f.metrics.counts)
	}
}

func TestAdvancingLMTLeavesOldValueBehindPointer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithMaxRetries(0))
	calls := 0
	_, _, _ = f.c.Fetch(ctx, f.ks, counting(&calls, "v1", true))

	before, _, _ := f.km.CurrentKey(ctx, f.ks)
	_ = f.km.SetLastModifiedTime(ctx, f.ks, genTime.Add(time.Hour))
	after, _, _ := f.km.CurrentKey(ctx, f.ks)
	if before == after {
		t.Fatalf("current key did not change: %q", after)
	}

	v, ok, err := f.c.Fetch(ctx, f.ks, nil)
	if err != nil || !ok || v != "v1" {
		t.Fatalf("Fetch = %q ok=%v err=%v", v, ok, err)
	}
	if f.metrics.count(MetricLastKnownValuePresent) != 1 {
		t.Fatalf("old value not served via pointer: %v", f.metrics.counts)
	}
}

func TestGeneratorErrorUnlocksAndWraps(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	boom := errors.New("db down")

	_, ok, err := f.c.Fetch(ctx, f.ks, func(context.Context) (string, bool, error) { return "", false, boom })
	var ge *GenerateError
	if ok || !errors.As(err, &ge) || !errors.Is(err, boom) || ge.Keyspace != "ns" {
		t.Fatalf("Fetch ok=%v err=%v", ok, err)
	}
	if _, held := f.store.Entry("ns:lock"); held {
		t.Fatalf("lock held after generator error")
	}
}

func TestCorruptValueSelfHeals(t *testing.T) {
	ctx := context.Background()
	store := memory.NewInstance()
	km, _ := keymanager.New(store)
	m := newRecMetrics()
	c, err := New(Options[map[string]int]{Storage: store, KeyManager: km, Codec: codec.JSON[map[string]int]{}, Metrics: m})
	if err != nil {
		t.Fatal(err)
	}
	ks := keyspace.MustNew([]any{"ns"})
	_ = km.SetLastModifiedTime(ctx, ks, "200")
	_ = store.Set(ctx, "ns:200", []byte("{not json"), 0)

	v, ok, err := c.Fetch(ctx, ks, func(context.Context) (map[string]int, bool, error) {
		return map[string]int{"a": 1}, true, nil
	})
	if err != nil || !ok || v["a"] != 1 {
		t.Fatalf("Fetch = %v ok=%v err=%v", v, ok, err)
	}
	if _, ok := store.Entry("ns:200"); ok {
		t.Fatalf("corrupt entry not deleted")
	}
	if m.count(MetricReadDecodeError) != 1 {
		t.Fatalf("metrics = %v", m.counts)
	}
}

func TestStorageErrorsSurface(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("connection refused")
	keys := memory.NewInstance()
	km, _ := keymanager.New(keys)
	ks := keyspace.MustNew([]any{"ns"})
	_ = km.SetLastModifiedTime(ctx, ks, "200")

	c, _ := New(Options[string]{Storage: failingStore{err: boom}, KeyManager: km, Codec: codec.String{}})
	_, ok, err := c.Fetch(ctx, ks, nil)
	var oe *OpError
	if ok || !errors.As(err, &oe) || !errors.Is(err, boom) || oe.Op != "read" {
		t.Fatalf("read: ok=%v err=%v", ok, err)
	}

	_ = keys.Delete(ctx, "ns:lmt")
	_, _, err = c.Fetch(ctx, ks, counting(new(int), "x", true))
	if !errors.As(err, &oe) || oe.Op != "store" {
		t.Fatalf("store: %v", err)
	}
	if _, held := keys.Entry("ns:lock"); held {
		t.Fatalf("lock held after store failure")
	}

	bad, _ := keymanager.New(failingStore{err: boom})
	c, _ = New(Options[string]{Storage: keys, KeyManager: bad, Codec: codec.String{}})
	if _, _, err := c.Fetch(ctx, ks, nil); !errors.Is(err, boom) {
		t.Fatalf("key manager: %v", err)
	}
}

func TestCancelledContextStopsWaiting(t *testing.T) {
	store := memory.NewInstance()
	km, _ := keymanager.New(store)
	ks := keyspace.MustNew([]any{"ns"})
	_ = km.SetLastModifiedTime(context.Background(), ks, "200")
	c, _ := New(Options[string]{Storage: store, KeyManager: km, Codec: codec.String{}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok, err := c.Fetch(ctx, ks, nil, WithBackoff(time.Hour))
	if ok || !errors.Is(err, context.Canceled) {
		t.Fatalf("Fetch ok=%v err=%v", ok, err)
	}
}

func TestNilKeyspace(t *testing.T) {
	f := newFixture(t)
	if _, _, err := f.c.Fetch(context.Background(), nil, nil); !errors.Is(err, ErrNilKeyspace) {
		t.Fatalf("got %v", err)
	}
}

func TestFetchOptionPrecedence(t *testing.T) {
	o := resolve(
		[]FetchOption{WithMaxRetries(9), WithBackoff(time.Second), WithValueTTL(time.Minute)},
		[]FetchOption{WithMaxRetries(0), WithQuickRetry(5 * time.Millisecond)},
	)
	if o.maxRetries != 0 || o.backoff != time.Second || o.quickRetry != 5*time.Millisecond || o.valueTTL != time.Minute {
		t.Fatalf("resolved = %+v", o)
	}
	if o.generateTTL != DefaultGenerateTTL || o.jitter != DefaultJitter {
		t.Fatalf("package defaults lost: %+v", o)
	}
	if d := resolve(nil, []FetchOption{WithMaxRetries(-1), WithGenerateTTL(0)}); d.maxRetries != 0 || d.generateTTL != DefaultGenerateTTL {
		t.Fatalf("invalid values not normalized: %+v", d)
	}
}

func TestValueTTLAppliesToGeneratedValue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	var lock memory.Entry
	var held bool
	gen := func(context.Context) (string, bool, error) {
		lock, held = f.store.Entry("ns:lock")
		return "v", true, nil
	}
	_, _, _ = f.c.Fetch(ctx, f.ks, gen, WithValueTTL(time.Minute), WithGenerateTTL(time.Second))

	if e, ok := f.store.Entry("ns:1513720308"); !ok || e.TTL != time.Minute {
		t.Fatalf("value entry = %+v ok=%v", e, ok)
	}
	if !held || lock.TTL != time.Second {
		t.Fatalf("lock during generation = %+v held=%v", lock, held)
	}
	if _, ok := f.store.Entry("ns:lock"); ok {
		t.Fatalf("lock still held after the value was promoted")
	}
}

func TestExpireWithinSameSecondRegenerates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithMaxRetries(0))
	now := genTime
	f.c.now = func() time.Time { return now }

	if v, _, _ := f.c.Fetch(ctx, f.ks, counting(new(int), "old", true)); v != "old" {
		t.Fatalf("first fetch = %q", v)
	}
	before, _, _ := f.km.CurrentKey(ctx, f.ks)

	now = genTime.Add(250 * time.Millisecond)
	if err := f.km.SetLastModifiedTime(ctx, f.ks, now); err != nil {
		t.Fatal(err)
	}
	after, _, _ := f.km.CurrentKey(ctx, f.ks)
	if before == after {
		t.Fatalf("current key unchanged by expire: %q", after)
	}

	now = genTime.Add(500 * time.Millisecond)
	v, ok, err := f.c.Fetch(ctx, f.ks, counting(new(int), "new", true))
	if err != nil || !ok || v != "new" {
		t.Fatalf("Fetch after expire = %q ok=%v err=%v", v, ok, err)
	}
	if cur, _, _ := f.km.CurrentKey(ctx, f.ks); cur != "ns:1513720308.5" {
		t.Fatalf("current key = %q", cur)
	}
}

func TestWaitRunUsesClientClock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithMaxRetries(2))
	now := genTime
	f.c.now = func() time.Time { return now }
	f.onSleep = func(int) { now = now.Add(40 * time.Millisecond) }
	_ = f.km.SetLastModifiedTime(ctx, f.ks, genTime)

	if _, ok, err := f.c.Fetch(ctx, f.ks, nil); ok || err != nil {
		t.Fatalf("Fetch ok=%v err=%v", ok, err)
	}
	if got := f.metrics.spent[TimingWaitRun]; got != 80*time.Millisecond {
		t.Fatalf("wait.run = %v", got)
	}
}

func TestConcurrentFetchGeneratesOnce(t *testing.T) {
	ctx := context.Background()
	shared := memory.NewShared()
	km, _ := keymanager.New(shared)
	ks := keyspace.MustNew([]any{"report", 42})
	// an earlier version existed, so losers wait instead of giving up
	_ = km.SetLastModifiedTime(ctx, ks, "1")

	c, err := New(Options[string]{
		Storage:    shared,
		KeyManager: km,
		Codec:      codec.String{},
		Defaults:   []FetchOption{WithMaxRetries(20), WithBackoff(10 * time.Millisecond)},
	})
	if err != nil {
		t.Fatal(err)
	}

	var calls atomic.Int32
	gen := func(context.Context) (string, bool, error) {
		calls.Add(1)
		time.Sleep(30 * time.Millisecond)
		return "rendered", true, nil
	}

	const n = 16
	var wg sync.WaitGroup
	results := make([]string, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			v, ok, err := c.Fetch(ctx, ks, gen)
			if err != nil || !ok {
				t.Errorf("caller %d: ok=%v err=%v", i, ok, err)
			}
			results[i] = v
		}(i)
	}
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("generator calls = %d", got)
	}
	for i, v := range results {
		if v != "rendered" {
			t.Fatalf("caller %d got %q", i, v)
		}
	}
}

var _ storage.Storage = failingStore{}
