// Package wire frames values for backends that cannot expire entries
// individually. The expiry travels with the payload so the adapter can apply
// lazy TTL checks on read.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"
)

const (
	version   byte = 1
	kindEntry byte = 1

	hdrLen = 4 + 1 + 1 + 8 + 4
)

var (
	ErrCorrupt = errors.New("atomiccache: corrupt entry")
	magic4     = [...]byte{'A', 'T', 'M', 'C'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Entry: magic(4) | ver(1) | kind(1) | expiresAt(i64 be, unix nanos, 0 = never) | vlen(u32 be) | payload(vlen)
func EncodeEntry(expiresAt time.Time, payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(hdrLen + len(payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindEntry)

	var u8 [8]byte
	var u4 [4]byte

	var exp int64
	if !expiresAt.IsZero() {
		exp = expiresAt.UnixNano()
	}
	binary.BigEndian.PutUint64(u8[:], uint64(exp))
	buf.Write(u8[:])

	binary.BigEndian.PutUint32(u4[:], uint32(len(payload)))
	buf.Write(u4[:])

	buf.Write(payload)
	return buf.Bytes()
}

// DecodeEntry returns a zero expiresAt for entries that never expire.
// The payload aliases b.
func DecodeEntry(b []byte) (expiresAt time.Time, payload []byte, err error) {
	if len(b) < hdrLen || !hasMagic(b) || b[4] != version || b[5] != kindEntry {
		return time.Time{}, nil, ErrCorrupt
	}
	off := 6

	exp := int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8

	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen < 0 || vlen != len(b)-off { // strict: no short payload, no trailing bytes
		return time.Time{}, nil, ErrCorrupt
	}

	if exp != 0 {
		expiresAt = time.Unix(0, exp)
	}
	return expiresAt, b[off : off+vlen], nil
}

// Expired reports whether an entry with the given expiry is dead at now.
func Expired(expiresAt, now time.Time) bool {
	return !expiresAt.IsZero() && !now.Before(expiresAt)
}
