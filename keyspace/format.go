package keyspace

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidTimestamp is returned by FormatTimestamp for values that are not a
// time, a string or a number.
var ErrInvalidTimestamp = errors.New("keyspace: invalid timestamp")

// Formatter renders a point in time as a key segment.
type Formatter func(time.Time) string

// FormatUnix renders whole seconds since the epoch.
func FormatUnix(t time.Time) string { return strconv.FormatInt(t.Unix(), 10) }

// FormatUnixMilli renders milliseconds since the epoch.
func FormatUnixMilli(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

// FormatUnixFloat renders fractional seconds since the epoch (microsecond precision).
func FormatUnixFloat(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixMicro())/1e6, 'f', -1, 64)
}

// FormatRFC3339 renders UTC time in RFC 3339 with second precision.
func FormatRFC3339(t time.Time) string { return t.UTC().Format(time.RFC3339) }

// FormatterByName maps a configuration name to a Formatter.
// Accepted: "" and "float" (the default), "unix", "unix_milli", "rfc3339"
// (alias "iso8601").
func FormatterByName(name string) (Formatter, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "float", "unix_float":
		return FormatUnixFloat, nil
	case "unix":
		return FormatUnix, nil
	case "unix_milli", "unix-milli", "millis":
		return FormatUnixMilli, nil
	case "rfc3339", "iso8601":
		return FormatRFC3339, nil
	default:
		return nil, fmt.Errorf("keyspace: unknown timestamp format %q", name)
	}
}

// FormatTimestamp renders v for storage as an LMT or key suffix. Times go
// through f (FormatUnixFloat when nil); strings and numbers pass through unchanged.
func FormatTimestamp(f Formatter, v any) (string, error) {
	if f == nil {
		f = FormatUnixFloat
	}
	switch t := v.(type) {
	case time.Time:
		return f(t), nil
	case *time.Time:
		if t == nil {
			return "", ErrInvalidTimestamp
		}
		return f(*t), nil
	}
	if s, ok := scalar(v); ok {
		return s, nil
	}
	return "", fmt.Errorf("%w: %T", ErrInvalidTimestamp, v)
}

// scalar renders strings (including named string types) and numbers verbatim.
func scalar(v any) (string, bool) {
	if v == nil {
		return "", false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return rv.String(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(rv.Uint(), 10), true
	case reflect.Float32:
		return strconv.FormatFloat(rv.Float(), 'f', -1, 32), true
	case reflect.Float64:
		return strconv.FormatFloat(rv.Float(), 'f', -1, 64), true
	default:
		return "", false
	}
}
