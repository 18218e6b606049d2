// Package asyncmetrics moves metric delivery off the fetch path.
//
//	sink := prometheus.MustNew(prom.DefaultRegisterer, prometheus.Options{})
//	m := asyncmetrics.New(sink, 1, 4096) // 1 worker; queue 4096 events
//	defer m.Close()
//
//	client, _ := atomiccache.New[Report](atomiccache.Options[Report]{
//	    Storage:    store,
//	    KeyManager: km,
//	    Codec:      codec.JSON[Report]{},
//	    Metrics:    m,
//	})
package asyncmetrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/atomiccache"
)

// Metrics forwards events to inner from a bounded queue. When the queue is
// full the event is dropped, never blocking the caller.
type Metrics struct {
	inner   atomiccache.Metrics
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	closed  atomic.Bool
	dropped atomic.Uint64
}

var _ atomiccache.Metrics = (*Metrics)(nil)

func New(inner atomiccache.Metrics, workers, qlen int) *Metrics {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	m := &Metrics{inner: inner, q: make(chan func(), qlen)}
	m.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer m.wg.Done()
			for f := range m.q {
				f()
			}
		}()
	}
	return m
}

// Close drains queued events and stops the workers. Events sent after Close
// are dropped.
func (m *Metrics) Close() {
	m.once.Do(func() {
		m.closed.Store(true)
		close(m.q)
		m.wg.Wait()
	})
}

// Dropped reports how many events were discarded on a full queue or after Close.
func (m *Metrics) Dropped() uint64 { return m.dropped.Load() }

func (m *Metrics) try(f func()) {
	if m.closed.Load() {
		m.dropped.Add(1)
		return
	}
	defer func() {
		// Close raced with this send
		if recover() != nil {
			m.dropped.Add(1)
		}
	}()
	select {
	case m.q <- f:
	default:
		m.dropped.Add(1)
	}
}

func (m *Metrics) Increment(name string, tags atomiccache.Tags) {
	m.try(func() { m.inner.Increment(name, tags) })
}

func (m *Metrics) Timing(name string, d time.Duration, tags atomiccache.Tags) {
	m.try(func() { m.inner.Timing(name, d, tags) })
}
