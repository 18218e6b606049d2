// Package keyspace builds deterministic cache keys from ordered segments.
//
// Strings and numbers are kept as written, times go through a Formatter, and
// anything else (slices, maps, structs, bools) is replaced by a content hash.
// A Keyspace is immutable; Child returns an extended copy.
package keyspace

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultSeparator = ":"

	lmtSuffix  = "lmt"
	lockSuffix = "lock"
	lkkSuffix  = "lkk"
)

// ErrInvalidSegment is returned when a segment cannot be normalized.
var ErrInvalidSegment = errors.New("keyspace: invalid segment")

type Keyspace struct {
	segments  []string
	root      string
	separator string
	formatter Formatter

	lmtKey, lockKey, lkkKey string
}

type config struct {
	root      *string
	separator string
	formatter Formatter
}

type Option func(*config)

// WithRoot names the logical owner of the keyspace; defaults to the last segment.
func WithRoot(root string) Option { return func(c *config) { c.root = &root } }

func WithSeparator(sep string) Option {
	return func(c *config) {
		if sep != "" {
			c.separator = sep
		}
	}
}

func WithFormatter(f Formatter) Option {
	return func(c *config) {
		if f != nil {
			c.formatter = f
		}
	}
}

// New normalizes segments into a keyspace.
func New(segments []any, opts ...Option) (*Keyspace, error) {
	cfg := config{separator: DefaultSeparator, formatter: FormatUnixFloat}
	for _, o := range opts {
		o(&cfg)
	}
	norm, err := normalize(segments, cfg.formatter)
	if err != nil {
		return nil, err
	}
	root := ""
	if cfg.root != nil {
		root = *cfg.root
	} else if len(norm) > 0 {
		root = norm[len(norm)-1]
	}
	return build(norm, root, cfg.separator, cfg.formatter), nil
}

// MustNew is New for static segments; it panics on error.
func MustNew(segments []any, opts ...Option) *Keyspace {
	ks, err := New(segments, opts...)
	if err != nil {
		panic(err)
	}
	return ks
}

func build(segments []string, root, sep string, f Formatter) *Keyspace {
	ks := &Keyspace{segments: segments, root: root, separator: sep, formatter: f}
	ks.lmtKey = ks.Key(lmtSuffix)
	ks.lockKey = ks.Key(lockSuffix)
	ks.lkkKey = ks.Key(lkkSuffix)
	return ks
}

func normalize(segments []any, f Formatter) ([]string, error) {
	out := make([]string, 0, len(segments))
	for i, seg := range segments {
		s, err := normalizeSegment(seg, f)
		if err != nil {
			return nil, fmt.Errorf("segment %d: %w", i, err)
		}
		out = append(out, s)
	}
	return out, nil
}

func normalizeSegment(seg any, f Formatter) (string, error) {
	switch t := seg.(type) {
	case time.Time:
		return f(t), nil
	case *time.Time:
		if t != nil {
			return f(*t), nil
		}
	}
	if s, ok := scalar(seg); ok {
		return s, nil
	}
	return Hash(seg)
}

// Child returns a new keyspace with segments appended. Root, separator and
// formatter are retained; the parent is not modified.
func (ks *Keyspace) Child(segments ...any) (*Keyspace, error) {
	norm, err := normalize(segments, ks.formatter)
	if err != nil {
		return nil, err
	}
	joined := make([]string, 0, len(ks.segments)+len(norm))
	joined = append(joined, ks.segments...)
	joined = append(joined, norm...)
	return build(joined, ks.root, ks.separator, ks.formatter), nil
}

// Key joins the segments with the separator, appending suffix when non-empty.
func (ks *Keyspace) Key(suffix string) string {
	if suffix == "" {
		return strings.Join(ks.segments, ks.separator)
	}
	if len(ks.segments) == 0 {
		return suffix
	}
	return strings.Join(ks.segments, ks.separator) + ks.separator + suffix
}

func (ks *Keyspace) LastModTimeKey() string  { return ks.lmtKey }
func (ks *Keyspace) LockKey() string         { return ks.lockKey }
func (ks *Keyspace) LastKnownKeyKey() string { return ks.lkkKey }

// Namespace returns a copy of the normalized segments.
func (ks *Keyspace) Namespace() []string { return append([]string(nil), ks.segments...) }

func (ks *Keyspace) Root() string         { return ks.root }
func (ks *Keyspace) Separator() string    { return ks.separator }
func (ks *Keyspace) Formatter() Formatter { return ks.formatter }

func (ks *Keyspace) String() string { return ks.Key("") }
