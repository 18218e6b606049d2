// Package slogmetrics writes fetch events as slog lines. Give-ups and decode
// errors are logged at warn level; everything else at debug, sampled.
package slogmetrics

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/atomiccache"
)

type Options struct {
	// Sampling for debug-level events; 0/1 = log all.
	Every uint64
	// Optional per-event override of Every.
	EveryByName map[string]uint64
}

type Metrics struct {
	l    *slog.Logger
	opts Options

	mu   sync.Mutex
	ctrs map[string]*atomic.Uint64
}

var _ atomiccache.Metrics = (*Metrics)(nil)

func New(l *slog.Logger, opts Options) *Metrics {
	return &Metrics{l: l, opts: opts, ctrs: make(map[string]*atomic.Uint64)}
}

var warnEvents = map[string]bool{
	atomiccache.MetricWaitGiveUp:      true,
	atomiccache.MetricNoKeyGiveUp:     true,
	atomiccache.MetricReadDecodeError: true,
	atomiccache.MetricGenerateError:   true,
}

func (m *Metrics) counter(name string) *atomic.Uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.ctrs[name]
	if !ok {
		c = new(atomic.Uint64)
		m.ctrs[name] = c
	}
	return c
}

func (m *Metrics) sample(name string) bool {
	n := m.opts.Every
	if v, ok := m.opts.EveryByName[name]; ok {
		n = v
	}
	if n == 0 || n == 1 {
		return true
	}
	return m.counter(name).Add(1)%n == 0
}

func attrs(tags atomiccache.Tags, extra ...slog.Attr) []slog.Attr {
	out := make([]slog.Attr, 0, len(tags)+len(extra))
	for k, v := range tags {
		out = append(out, slog.String(k, v))
	}
	return append(out, extra...)
}

func (m *Metrics) Increment(name string, tags atomiccache.Tags) {
	if m.l == nil {
		return
	}
	level := slog.LevelDebug
	if warnEvents[name] {
		level = slog.LevelWarn
	} else if !m.sample(name) {
		return
	}
	m.l.LogAttrs(context.Background(), level, "atomiccache."+name, attrs(tags)...)
}

func (m *Metrics) Timing(name string, d time.Duration, tags atomiccache.Tags) {
	if m.l == nil || !m.sample(name) {
		return
	}
	m.l.LogAttrs(context.Background(), slog.LevelDebug, "atomiccache."+name, attrs(tags, slog.Duration("took", d))...)
}
