package atomiccache

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/unkn0wn-root/atomiccache/keyspace"
)

// Settings is the file form of the tunable parts of Config:
//
//	namespace: shop
//	separator: ":"
//	timestamp_format: unix_milli
//	defaults:
//	  generate_ttl_ms: 30000
//	  max_retries: 5
//	  backoff_duration_ms: 50
//	  quick_retry_ms: 20
//	  value_ttl_ms: 0
type Settings struct {
	Namespace       string          `yaml:"namespace"`
	Separator       string          `yaml:"separator"`
	TimestampFormat string          `yaml:"timestamp_format"`
	Defaults        DefaultSettings `yaml:"defaults"`
}

// DefaultSettings are fetch defaults in milliseconds. Absent fields keep the
// package defaults.
type DefaultSettings struct {
	GenerateTTLMs     *int64 `yaml:"generate_ttl_ms"`
	MaxRetries        *int   `yaml:"max_retries"`
	BackoffDurationMs *int64 `yaml:"backoff_duration_ms"`
	QuickRetryMs      *int64 `yaml:"quick_retry_ms"`
	ValueTTLMs        *int64 `yaml:"value_ttl_ms"`
}

func LoadSettings(path string) (Settings, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, err
	}
	s, err := ParseSettings(b)
	if err != nil {
		return Settings{}, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

func ParseSettings(b []byte) (Settings, error) {
	var s Settings
	if err := yaml.Unmarshal(b, &s); err != nil {
		return Settings{}, fmt.Errorf("atomiccache: settings: %w", err)
	}
	if err := s.validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s Settings) validate() error {
	d := s.Defaults
	for name, v := range map[string]*int64{
		"generate_ttl_ms":     d.GenerateTTLMs,
		"backoff_duration_ms": d.BackoffDurationMs,
		"quick_retry_ms":      d.QuickRetryMs,
		"value_ttl_ms":        d.ValueTTLMs,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("atomiccache: settings: %s must be >= 0, got %d", name, *v)
		}
	}
	if d.MaxRetries != nil && *d.MaxRetries < 0 {
		return fmt.Errorf("atomiccache: settings: max_retries must be >= 0, got %d", *d.MaxRetries)
	}
	if _, err := keyspace.FormatterByName(s.TimestampFormat); err != nil {
		return err
	}
	return nil
}

// FetchOptions converts the defaults block.
func (s Settings) FetchOptions() []FetchOption {
	ms := func(v int64) time.Duration { return time.Duration(v) * time.Millisecond }
	d := s.Defaults
	var out []FetchOption
	if d.GenerateTTLMs != nil {
		out = append(out, WithGenerateTTL(ms(*d.GenerateTTLMs)))
	}
	if d.MaxRetries != nil {
		out = append(out, WithMaxRetries(*d.MaxRetries))
	}
	if d.BackoffDurationMs != nil {
		out = append(out, WithBackoff(ms(*d.BackoffDurationMs)))
	}
	if d.QuickRetryMs != nil {
		out = append(out, WithQuickRetry(ms(*d.QuickRetryMs)))
	}
	if d.ValueTTLMs != nil {
		out = append(out, WithValueTTL(ms(*d.ValueTTLMs)))
	}
	return out
}

// Apply overlays s onto cfg. Storage, logger and metrics are left alone.
func (s Settings) Apply(cfg *Config) error {
	if err := s.validate(); err != nil {
		return err
	}
	if s.Namespace != "" {
		cfg.Namespace = s.Namespace
	}
	if s.Separator != "" {
		cfg.Separator = s.Separator
	}
	if s.TimestampFormat != "" {
		f, _ := keyspace.FormatterByName(s.TimestampFormat)
		cfg.Formatter = f
	}
	cfg.Defaults = append(cfg.Defaults, s.FetchOptions()...)
	return nil
}
