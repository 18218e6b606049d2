package atomiccache

import "time"

const (
	DefaultGenerateTTL = 30 * time.Second
	DefaultMaxRetries  = 5
	DefaultBackoff     = 50 * time.Millisecond
	DefaultJitter      = 15 * time.Millisecond
)

// coalesce returns def when v is the zero value of T - otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
