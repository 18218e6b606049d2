package atomiccache

import (
	"errors"
	"fmt"
)

var (
	ErrStorageRequired    = errors.New("atomiccache: storage is required")
	ErrKeyManagerRequired = errors.New("atomiccache: key manager is required")
	ErrCodecRequired      = errors.New("atomiccache: codec is required")
	ErrNilKeyspace        = errors.New("atomiccache: nil keyspace")
)

// GenerateError wraps an error returned by a Generator. The lock has been
// released by the time the caller sees it.
type GenerateError struct {
	Keyspace string
	Err      error
}

func (e *GenerateError) Error() string {
	return fmt.Sprintf("atomiccache: generate %q: %v", e.Keyspace, e.Err)
}

func (e *GenerateError) Unwrap() error { return e.Err }

// OpError is a storage, key manager or codec failure during Fetch.
// Op is one of "read", "lock", "encode", "store", "promote", "lkk".
type OpError struct {
	Op  string
	Key string
	Err error
}

func (e *OpError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("atomiccache: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("atomiccache: %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }
