package atomiccache

import "time"

type fetchOptions struct {
	generateTTL time.Duration
	maxRetries  int
	backoff     time.Duration
	quickRetry  time.Duration // 0 => disabled
	valueTTL    time.Duration // 0 => no expiry
	jitter      time.Duration // upper bound, exclusive; 0 => none
}

func defaultFetchOptions() fetchOptions {
	return fetchOptions{
		generateTTL: DefaultGenerateTTL,
		maxRetries:  DefaultMaxRetries,
		backoff:     DefaultBackoff,
		jitter:      DefaultJitter,
	}
}

// FetchOption tunes one Fetch call, or every call when passed in
// Options.Defaults. Per-call options win over client defaults.
type FetchOption func(*fetchOptions)

// WithGenerateTTL bounds how long the generation lock is held. A generator
// still running when it expires may be joined by a second one.
func WithGenerateTTL(d time.Duration) FetchOption {
	return func(o *fetchOptions) {
		if d > 0 {
			o.generateTTL = d
		}
	}
}

// WithMaxRetries sets the number of wait attempts; 0 skips waiting.
func WithMaxRetries(n int) FetchOption {
	return func(o *fetchOptions) { o.maxRetries = max(n, 0) }
}

// WithBackoff sets the linear backoff step: attempt i sleeps i*d plus jitter.
func WithBackoff(d time.Duration) FetchOption {
	return func(o *fetchOptions) { o.backoff = max(d, 0) }
}

// WithQuickRetry re-reads the current key once after d when the lock is
// taken, before falling back to the last known value. 0 disables.
func WithQuickRetry(d time.Duration) FetchOption {
	return func(o *fetchOptions) { o.quickRetry = max(d, 0) }
}

// WithValueTTL expires generated values after d. Leave at 0 to keep them
// until evicted; superseded versions are only reachable via the LKK pointer.
func WithValueTTL(d time.Duration) FetchOption {
	return func(o *fetchOptions) { o.valueTTL = max(d, 0) }
}

// WithJitter sets the random extra delay added to each wait. 0 disables.
func WithJitter(d time.Duration) FetchOption {
	return func(o *fetchOptions) { o.jitter = max(d, 0) }
}

func resolve(defaults, call []FetchOption) fetchOptions {
	o := defaultFetchOptions()
	for _, f := range defaults {
		f(&o)
	}
	for _, f := range call {
		f(&o)
	}
	return o
}
