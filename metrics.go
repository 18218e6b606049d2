package atomiccache

import "time"

// Event names emitted by Client.Fetch. Every event carries the "keyspace" tag
// (the keyspace root); wait.* events also carry "attempt".
const (
	MetricReadPresent            = "read.present"
	MetricReadNotPresent         = "read.not-present"
	MetricReadDecodeError        = "read.decode-error"
	MetricGenerateCurrentThread  = "generate.current-thread"
	MetricGenerateOtherThread    = "generate.other-thread"
	MetricGenerateNil            = "generate.nil"
	MetricGenerateError          = "generate.error"
	MetricQuickRetryPresent      = "quick-retry.present"
	MetricQuickRetryNotPresent   = "quick-retry.not-present"
	MetricLastKnownValuePresent  = "last-known-value.present"
	MetricLastKnownValueNil      = "last-known-value.nil"
	MetricLastKnownValueNotFound = "last-known-value.not-present"
	MetricWaitAttempt            = "wait.attempt"
	MetricWaitPresent            = "wait.present"
	MetricWaitGiveUp             = "wait.give-up"
	MetricNoKeyGiveUp            = "no-key.give-up"

	TimingWaitRun = "wait.run"
)

// Tags label a metric event.
type Tags map[string]string

// Metrics receives fetch events. Implementations MUST be cheap and
// non-blocking; the client calls them on hot paths. Wrap slow sinks with
// metrics/async.
type Metrics interface {
	Increment(name string, tags Tags)
	Timing(name string, d time.Duration, tags Tags)
}

// NopMetrics is the default no-op.
type NopMetrics struct{}

func (NopMetrics) Increment(string, Tags)              {}
func (NopMetrics) Timing(string, time.Duration, Tags) {}

func (t Tags) with(k, v string) Tags {
	out := make(Tags, len(t)+1)
	for kk, vv := range t {
		out[kk] = vv
	}
	out[k] = v
	return out
}
