// Package prometheus exports fetch events as Prometheus series:
//
//	atomiccache_events_total{event, keyspace}
//	atomiccache_duration_seconds{event, keyspace}
//
// The per-attempt tag on wait events is not exported as a label.
package prometheus

import (
	"fmt"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/unkn0wn-root/atomiccache"
)

type Options struct {
	Namespace string    // metric name prefix; "" => "atomiccache"
	Buckets   []float64 // duration buckets in seconds; nil => prom.DefBuckets
}

type Metrics struct {
	events    *prom.CounterVec
	durations *prom.HistogramVec
}

var _ atomiccache.Metrics = (*Metrics)(nil)

// New registers the collectors with reg (prom.DefaultRegisterer when nil).
// Nothing stays registered when New fails.
func New(reg prom.Registerer, opts Options) (*Metrics, error) {
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	ns := opts.Namespace
	if ns == "" {
		ns = "atomiccache"
	}
	buckets := opts.Buckets
	if buckets == nil {
		buckets = prom.DefBuckets
	}

	events := prom.NewCounterVec(prom.CounterOpts{
		Namespace: ns,
		Name:      "events_total",
		Help:      "Fetch protocol events by outcome.",
	}, []string{"event", "keyspace"})
	durations := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: ns,
		Name:      "duration_seconds",
		Help:      "Time spent in timed fetch phases.",
		Buckets:   buckets,
	}, []string{"event", "keyspace"})

	if err := reg.Register(events); err != nil {
		return nil, fmt.Errorf("prometheus: register events: %w", err)
	}
	if err := reg.Register(durations); err != nil {
		reg.Unregister(events)
		return nil, fmt.Errorf("prometheus: register durations: %w", err)
	}
	return &Metrics{events: events, durations: durations}, nil
}

// MustNew is New that panics on error.
func MustNew(reg prom.Registerer, opts Options) *Metrics {
	m, err := New(reg, opts)
	if err != nil {
		panic(err)
	}
	return m
}

func (m *Metrics) Increment(name string, tags atomiccache.Tags) {
	m.events.WithLabelValues(name, tags["keyspace"]).Inc()
}

func (m *Metrics) Timing(name string, d time.Duration, tags atomiccache.Tags) {
	m.durations.WithLabelValues(name, tags["keyspace"]).Observe(d.Seconds())
}
