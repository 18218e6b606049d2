package keyspace

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/xxh3"
)

// Core Deterministic Encoding: map keys are sorted, so equal maps hash equally.
var detEnc cbor.EncMode

func init() {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	detEnc = em
}

// Hash returns the 32-char hex digest used for non-scalar segments.
// Slices and arrays of strings or numbers are sorted (on a copy) first, so
// []int{1, 2, 3} and []int{3, 2, 1} hash the same.
func Hash(v any) (string, error) {
	b, err := detEnc.Marshal(sortedCopy(v))
	if err != nil {
		return "", fmt.Errorf("%w: %T: %v", ErrInvalidSegment, v, err)
	}
	h := xxh3.Hash128(b)
	return fmt.Sprintf("%016x%016x", h.Hi, h.Lo), nil
}

func sortedCopy(v any) any {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return v
	}
	if rv.Kind() == reflect.Slice && rv.IsNil() {
		return v
	}
	var less func(a, b reflect.Value) bool
	switch rv.Type().Elem().Kind() {
	case reflect.String:
		less = func(a, b reflect.Value) bool { return a.String() < b.String() }
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		less = func(a, b reflect.Value) bool { return a.Int() < b.Int() }
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		less = func(a, b reflect.Value) bool { return a.Uint() < b.Uint() }
	case reflect.Float32, reflect.Float64:
		less = func(a, b reflect.Value) bool { return a.Float() < b.Float() }
	default:
		return v
	}
	n := rv.Len()
	cp := reflect.MakeSlice(reflect.SliceOf(rv.Type().Elem()), n, n)
	reflect.Copy(cp, rv)
	sort.SliceStable(cp.Interface(), func(i, j int) bool { return less(cp.Index(i), cp.Index(j)) })
	return cp.Interface()
}
