package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/unkn0wn-root/atomiccache/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2021, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type inspectable interface {
	storage.Storage
	Entry(key string) (Entry, bool)
	Reset()
}

var backends = []struct {
	name string
	new  func(opts ...Option) inspectable
}{
	{"instance", func(opts ...Option) inspectable { return NewInstance(opts...) }},
	{"shared", func(opts ...Option) inspectable { return NewShared(opts...) }},
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s inspectable, clk *fakeClock)) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			clk := newFakeClock()
			fn(t, b.new(WithClock(clk.Now)), clk)
		})
	}
}

func TestAddWritesAbsentKey(t *testing.T) {
	ctx := context.Background()
	forEachBackend(t, func(t *testing.T, s inspectable, _ *fakeClock) {
		ok, err := s.Add(ctx, "key", []byte("value"), 100*time.Millisecond)
		if err != nil || !ok {
			t.Fatalf("Add: ok=%v err=%v", ok, err)
		}
		e, found := s.Entry("key")
		if !found {
			t.Fatalf("entry not stored")
		}
		if string(e.Value) != "value" || e.TTL != 100*time.Millisecond {
			t.Fatalf("entry = %+v", e)
		}
	})
}

func TestAddKeepsLiveEntry(t *testing.T) {
	ctx := context.Background()
	forEachBackend(t, func(t *testing.T, s inspectable, clk *fakeClock) {
		if err := s.Set(ctx, "key", []byte("foo"), 5*time.Second); err != nil {
			t.Fatal(err)
		}
		clk.Advance(time.Second)

		ok, err := s.Add(ctx, "key", []byte("value"), 5*time.Second)
		if err != nil || ok {
			t.Fatalf("Add over live entry: ok=%v err=%v", ok, err)
		}
		v, _, _ := s.Read(ctx, "key")
		if string(v) != "foo" {
			t.Fatalf("live entry clobbered: %q", v)
		}
	})
}

func TestAddOverwritesExpiredEntry(t *testing.T) {
	ctx := context.Background()
	forEachBackend(t, func(t *testing.T, s inspectable, clk *fakeClock) {
		if err := s.Set(ctx, "key", []byte("foo"), 50*time.Millisecond); err != nil {
			t.Fatal(err)
		}
		clk.Advance(30 * time.Minute)

		ok, err := s.Add(ctx, "key", []byte("value"), 50*time.Millisecond)
		if err != nil || !ok {
			t.Fatalf("Add over expired entry: ok=%v err=%v", ok, err)
		}
		v, _, _ := s.Read(ctx, "key")
		if string(v) != "value" {
			t.Fatalf("got %q want value", v)
		}
	})
}

func TestReadRespectsTTL(t *testing.T) {
	ctx := context.Background()
	forEachBackend(t, func(t *testing.T, s inspectable, clk *fakeClock) {
		if err := s.Set(ctx, "sugar", []byte("foo"), 100*time.Millisecond); err != nil {
			t.Fatal(err)
		}
		clk.Advance(99 * time.Millisecond)
		if v, ok, err := s.Read(ctx, "sugar"); err != nil || !ok || string(v) != "foo" {
			t.Fatalf("before expiry: v=%q ok=%v err=%v", v, ok, err)
		}

		clk.Advance(time.Millisecond)
		if _, ok, err := s.Read(ctx, "sugar"); err != nil || ok {
			t.Fatalf("after expiry: ok=%v err=%v", ok, err)
		}
		if _, found := s.Entry("sugar"); found {
			t.Fatalf("expired entry was not evicted on read")
		}
	})
}

func TestSetWithoutTTLNeverExpires(t *testing.T) {
	ctx := context.Background()
	forEachBackend(t, func(t *testing.T, s inspectable, clk *fakeClock) {
		if err := s.Set(ctx, "cane", []byte("v"), 0); err != nil {
			t.Fatal(err)
		}
		clk.Advance(24 * 365 * time.Hour)
		if v, ok, _ := s.Read(ctx, "cane"); !ok || string(v) != "v" {
			t.Fatalf("got %q ok=%v", v, ok)
		}
	})
}

func TestSetOverwrites(t *testing.T) {
	ctx := context.Background()
	forEachBackend(t, func(t *testing.T, s inspectable, _ *fakeClock) {
		_ = s.Set(ctx, "cane", []byte("foo"), 500*time.Millisecond)
		if err := s.Set(ctx, "cane", []byte("v"), 100*time.Millisecond); err != nil {
			t.Fatal(err)
		}
		e, _ := s.Entry("cane")
		if string(e.Value) != "v" || e.TTL != 100*time.Millisecond {
			t.Fatalf("entry = %+v", e)
		}
	})
}

func TestSetCopiesValue(t *testing.T) {
	ctx := context.Background()
	forEachBackend(t, func(t *testing.T, s inspectable, _ *fakeClock) {
		buf := []byte("abc")
		_ = s.Set(ctx, "k", buf, 0)
		buf[0] = 'X'
		if v, _, _ := s.Read(ctx, "k"); string(v) != "abc" {
			t.Fatalf("stored value aliased caller buffer: %q", v)
		}
	})
}

func TestDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	forEachBackend(t, func(t *testing.T, s inspectable, _ *fakeClock) {
		_ = s.Set(ctx, "record", []byte("foo"), 0)
		if err := s.Delete(ctx, "record"); err != nil {
			t.Fatal(err)
		}
		if _, found := s.Entry("record"); found {
			t.Fatalf("entry still present after delete")
		}
		if err := s.Delete(ctx, "record"); err != nil {
			t.Fatalf("second delete: %v", err)
		}
	})
}

func TestEmptyKeyRejected(t *testing.T) {
	ctx := context.Background()
	forEachBackend(t, func(t *testing.T, s inspectable, _ *fakeClock) {
		if _, err := s.Add(ctx, "", []byte("x"), 0); !errors.Is(err, storage.ErrInvalidKey) {
			t.Fatalf("Add: %v", err)
		}
		if _, _, err := s.Read(ctx, ""); !errors.Is(err, storage.ErrInvalidKey) {
			t.Fatalf("Read: %v", err)
		}
		if err := s.Set(ctx, "", []byte("x"), 0); !errors.Is(err, storage.ErrInvalidKey) {
			t.Fatalf("Set: %v", err)
		}
		if err := s.Delete(ctx, ""); !errors.Is(err, storage.ErrInvalidKey) {
			t.Fatalf("Delete: %v", err)
		}
	})
}

// Exactly one of N concurrent Add calls on the same absent key wins.
func TestConcurrentAddSingleWinner(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			s := b.new()
			const n = 64
			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				wins int
			)
			start := make(chan struct{})
			wg.Add(n)
			for i := 0; i < n; i++ {
				go func() {
					defer wg.Done()
					<-start
					ok, err := s.Add(ctx, "lock", []byte("1"), time.Minute)
					if err != nil {
						t.Errorf("Add: %v", err)
						return
					}
					if ok {
						mu.Lock()
						wins++
						mu.Unlock()
					}
				}()
			}
			close(start)
			wg.Wait()
			if wins != 1 {
				t.Fatalf("expected exactly one winner, got %d", wins)
			}
		})
	}
}

func TestSharedEnforceTTLDisabledOverwrites(t *testing.T) {
	ctx := context.Background()
	s := NewShared()
	if ok, _ := s.Add(ctx, "k", []byte("a"), time.Minute); !ok {
		t.Fatalf("first add should win")
	}
	s.SetEnforceTTL(false)
	if ok, _ := s.Add(ctx, "k", []byte("b"), time.Minute); !ok {
		t.Fatalf("add with enforcement disabled should report success")
	}
	if v, _, _ := s.Read(ctx, "k"); string(v) != "b" {
		t.Fatalf("got %q want b", v)
	}
}

func TestSharedIsVisibleToEveryHolder(t *testing.T) {
	ctx := context.Background()
	shared := NewShared()
	var a, b storage.Storage = shared, shared

	_ = a.Set(ctx, "k", []byte("v"), 0)
	if v, ok, _ := b.Read(ctx, "k"); !ok || string(v) != "v" {
		t.Fatalf("shared store not shared: %q ok=%v", v, ok)
	}
	if shared.Len() != 1 {
		t.Fatalf("Len = %d", shared.Len())
	}
	shared.Reset()
	if shared.Len() != 0 {
		t.Fatalf("Reset left %d entries", shared.Len())
	}
}
